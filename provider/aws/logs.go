package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
)

// logGroupHandler manages aws_cloudwatch_log_group. Identity is the log
// group ARN without the trailing ":*".
type logGroupHandler struct {
	api     LogsAPI
	region  string
	account string
}

func (h *logGroupHandler) Kind() iac.ResourceKind { return iac.KindLogGroup }

func (h *logGroupHandler) Create(ctx context.Context, node *iac.ResourceNode) (string, error) {
	a := attrs(node.Attributes)
	name := a.str(iac.AttrName)
	if _, err := h.api.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(name),
		Tags:         a.tags(),
	}); err != nil {
		return "", err
	}
	if err := h.retention(ctx, name, a.integer(iac.AttrRetentionInDays)); err != nil {
		return "", err
	}
	return h.arn(ctx, name)
}

func (h *logGroupHandler) Update(ctx context.Context, node *iac.ResourceNode, prior *state.Record) (string, error) {
	a := attrs(node.Attributes)
	if err := h.retention(ctx, a.str(iac.AttrName), a.integer(iac.AttrRetentionInDays)); err != nil {
		return "", err
	}
	if _, err := h.api.TagResource(ctx, &cloudwatchlogs.TagResourceInput{
		ResourceArn: aws.String(prior.RemoteIdentity),
		Tags:        a.tags(),
	}); err != nil {
		return "", err
	}
	if removed := removedTags(a.tags(), prior); len(removed) > 0 {
		if _, err := h.api.UntagResource(ctx, &cloudwatchlogs.UntagResourceInput{
			ResourceArn: aws.String(prior.RemoteIdentity),
			TagKeys:     removed,
		}); err != nil {
			return "", err
		}
	}
	return prior.RemoteIdentity, nil
}

func (h *logGroupHandler) Destroy(ctx context.Context, prior *state.Record) error {
	name, err := logGroupName(prior.RemoteIdentity)
	if err != nil {
		return err
	}
	_, err = h.api.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{LogGroupName: aws.String(name)})
	return err
}

func (h *logGroupHandler) Describe(ctx context.Context, prior *state.Record) (map[string]any, bool, error) {
	name, err := logGroupName(prior.RemoteIdentity)
	if err != nil {
		return nil, false, err
	}
	out, err := h.api.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{LogGroupNamePrefix: aws.String(name)})
	if err != nil {
		return nil, false, err
	}
	for _, g := range out.LogGroups {
		if aws.ToString(g.LogGroupName) != name {
			continue
		}
		live := map[string]any{
			iac.AttrName:            name,
			iac.AttrRetentionInDays: int(aws.ToInt32(g.RetentionInDays)),
		}
		tags, err := h.api.ListTagsForResource(ctx, &cloudwatchlogs.ListTagsForResourceInput{ResourceArn: aws.String(prior.RemoteIdentity)})
		if err != nil {
			return nil, false, err
		}
		live[iac.AttrTags] = tags.Tags
		return live, true, nil
	}
	return nil, false, nil
}

// retention sets the retention policy; zero days keeps events forever.
func (h *logGroupHandler) retention(ctx context.Context, name string, days int32) error {
	if days <= 0 {
		_, err := h.api.DeleteRetentionPolicy(ctx, &cloudwatchlogs.DeleteRetentionPolicyInput{LogGroupName: aws.String(name)})
		return ignoreNotFound(err)
	}
	_, err := h.api.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
		LogGroupName:    aws.String(name),
		RetentionInDays: aws.Int32(days),
	})
	return err
}

// arn looks up the ARN of a log group, falling back to building it from the
// discovered region and account.
func (h *logGroupHandler) arn(ctx context.Context, name string) (string, error) {
	out, err := h.api.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{LogGroupNamePrefix: aws.String(name)})
	if err == nil {
		for _, g := range out.LogGroups {
			if aws.ToString(g.LogGroupName) == name && g.Arn != nil {
				return strings.TrimSuffix(aws.ToString(g.Arn), ":*"), nil
			}
		}
	}
	if h.region == "" || h.account == "" {
		return "", fmt.Errorf("cannot determine ARN of log group %s", name)
	}
	return fmt.Sprintf("arn:aws:logs:%s:%s:log-group:%s", h.region, h.account, name), nil
}

func logGroupName(arn string) (string, error) {
	_, name, ok := strings.Cut(arn, ":log-group:")
	if !ok || name == "" {
		return "", fmt.Errorf("not a log group ARN: %q", arn)
	}
	return strings.TrimSuffix(name, ":*"), nil
}
