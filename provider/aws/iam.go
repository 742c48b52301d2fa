package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
)

// iamRoleHandler manages aws_iam_role. Identity is the role ARN.
type iamRoleHandler struct {
	api IAMAPI
}

func (h *iamRoleHandler) Kind() iac.ResourceKind { return iac.KindIamRole }

func (h *iamRoleHandler) Create(ctx context.Context, node *iac.ResourceNode) (string, error) {
	a := attrs(node.Attributes)
	out, err := h.api.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(a.str(iac.AttrName)),
		AssumeRolePolicyDocument: aws.String(a.str(iac.AttrAssumeRolePolicy)),
		Tags:                     iamTags(a.tags()),
	})
	if err != nil {
		return "", err
	}
	if out.Role == nil {
		return "", fmt.Errorf("create role %s returned no role", a.str(iac.AttrName))
	}
	return aws.ToString(out.Role.Arn), nil
}

func (h *iamRoleHandler) Update(ctx context.Context, node *iac.ResourceNode, prior *state.Record) (string, error) {
	a := attrs(node.Attributes)
	name := aws.String(a.str(iac.AttrName))
	if _, err := h.api.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
		RoleName:       name,
		PolicyDocument: aws.String(a.str(iac.AttrAssumeRolePolicy)),
	}); err != nil {
		return "", err
	}
	if _, err := h.api.TagRole(ctx, &iam.TagRoleInput{RoleName: name, Tags: iamTags(a.tags())}); err != nil {
		return "", err
	}
	if removed := removedTags(a.tags(), prior); len(removed) > 0 {
		if _, err := h.api.UntagRole(ctx, &iam.UntagRoleInput{RoleName: name, TagKeys: removed}); err != nil {
			return "", err
		}
	}
	return prior.RemoteIdentity, nil
}

// Destroy deletes the role's inline policies first; IAM refuses to delete a
// role that still has any.
func (h *iamRoleHandler) Destroy(ctx context.Context, prior *state.Record) error {
	name := aws.String(arnResource(prior.RemoteIdentity))
	policies, err := h.api.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{RoleName: name})
	if err != nil {
		return err
	}
	for _, policy := range policies.PolicyNames {
		if _, err := h.api.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{RoleName: name, PolicyName: aws.String(policy)}); ignoreNotFound(err) != nil {
			return err
		}
	}
	_, err = h.api.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: name})
	return err
}

func (h *iamRoleHandler) Describe(ctx context.Context, prior *state.Record) (map[string]any, bool, error) {
	out, err := h.api.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(arnResource(prior.RemoteIdentity))})
	if err != nil {
		return nil, false, err
	}
	if out.Role == nil {
		return nil, false, nil
	}
	live := map[string]any{
		iac.AttrName: aws.ToString(out.Role.RoleName),
		iac.AttrTags: fromIAMTags(out.Role.Tags),
	}
	if doc := aws.ToString(out.Role.AssumeRolePolicyDocument); doc != "" {
		if decoded, err := url.QueryUnescape(doc); err == nil {
			live[iac.AttrAssumeRolePolicy] = decoded
		}
	}
	return live, true, nil
}

// iamRolePolicyHandler manages aws_iam_role_policy. Identity is
// "<role name>:<policy name>".
type iamRolePolicyHandler struct {
	api IAMAPI
}

func (h *iamRolePolicyHandler) Kind() iac.ResourceKind { return iac.KindIamRolePolicy }

func (h *iamRolePolicyHandler) put(ctx context.Context, a attrs) (string, error) {
	role := arnResource(a.str(iac.AttrRole))
	name := a.str(iac.AttrName)
	_, err := h.api.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(role),
		PolicyName:     aws.String(name),
		PolicyDocument: aws.String(a.str(iac.AttrPolicy)),
	})
	if err != nil {
		return "", err
	}
	return role + ":" + name, nil
}

func (h *iamRolePolicyHandler) Create(ctx context.Context, node *iac.ResourceNode) (string, error) {
	return h.put(ctx, attrs(node.Attributes))
}

func (h *iamRolePolicyHandler) Update(ctx context.Context, node *iac.ResourceNode, _ *state.Record) (string, error) {
	return h.put(ctx, attrs(node.Attributes))
}

func (h *iamRolePolicyHandler) Destroy(ctx context.Context, prior *state.Record) error {
	role, name, err := rolePolicyIdentity(prior.RemoteIdentity)
	if err != nil {
		return err
	}
	_, err = h.api.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{RoleName: aws.String(role), PolicyName: aws.String(name)})
	return err
}

func (h *iamRolePolicyHandler) Describe(ctx context.Context, prior *state.Record) (map[string]any, bool, error) {
	role, name, err := rolePolicyIdentity(prior.RemoteIdentity)
	if err != nil {
		return nil, false, err
	}
	out, err := h.api.GetRolePolicy(ctx, &iam.GetRolePolicyInput{RoleName: aws.String(role), PolicyName: aws.String(name)})
	if err != nil {
		return nil, false, err
	}
	live := map[string]any{iac.AttrName: aws.ToString(out.PolicyName)}
	if decoded, err := url.QueryUnescape(aws.ToString(out.PolicyDocument)); err == nil {
		live[iac.AttrPolicy] = decoded
	}
	return live, true, nil
}

func rolePolicyIdentity(identity string) (string, string, error) {
	i := strings.LastIndex(identity, ":")
	if i <= 0 || i == len(identity)-1 {
		return "", "", fmt.Errorf("malformed role policy identity %q", identity)
	}
	return identity[:i], identity[i+1:], nil
}

func iamTags(tags map[string]string) []iamtypes.Tag {
	out := make([]iamtypes.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, iamtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func fromIAMTags(tags []iamtypes.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}
