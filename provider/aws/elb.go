package aws

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
)

// =============================================================================
// TARGET GROUP
// =============================================================================

// targetGroupHandler manages aws_lb_target_group. Identity is the target
// group ARN.
type targetGroupHandler struct {
	api ELBAPI
}

func (h *targetGroupHandler) Kind() iac.ResourceKind { return iac.KindTargetGroup }

func (h *targetGroupHandler) Create(ctx context.Context, node *iac.ResourceNode) (string, error) {
	a := attrs(node.Attributes)
	out, err := h.api.CreateTargetGroup(ctx, &elb.CreateTargetGroupInput{
		Name:               aws.String(a.str(iac.AttrName)),
		TargetType:         elbtypes.TargetTypeEnum(a.str(iac.AttrTargetType)),
		HealthCheckEnabled: aws.Bool(true),
		HealthCheckPath:    aws.String(a.str(iac.AttrHealthCheckPath)),
		Tags:               elbTags(a.tags()),
	})
	if err != nil {
		return "", err
	}
	if len(out.TargetGroups) == 0 {
		return "", fmt.Errorf("create target group %s returned no target group", a.str(iac.AttrName))
	}
	return aws.ToString(out.TargetGroups[0].TargetGroupArn), nil
}

func (h *targetGroupHandler) Update(ctx context.Context, node *iac.ResourceNode, prior *state.Record) (string, error) {
	a := attrs(node.Attributes)
	arn := aws.String(prior.RemoteIdentity)
	if _, err := h.api.ModifyTargetGroup(ctx, &elb.ModifyTargetGroupInput{
		TargetGroupArn:  arn,
		HealthCheckPath: aws.String(a.str(iac.AttrHealthCheckPath)),
	}); err != nil {
		return "", err
	}
	if err := syncTags(ctx, h.api, a.tags(), prior); err != nil {
		return "", err
	}
	return prior.RemoteIdentity, nil
}

func (h *targetGroupHandler) Destroy(ctx context.Context, prior *state.Record) error {
	_, err := h.api.DeleteTargetGroup(ctx, &elb.DeleteTargetGroupInput{TargetGroupArn: aws.String(prior.RemoteIdentity)})
	return err
}

func (h *targetGroupHandler) Describe(ctx context.Context, prior *state.Record) (map[string]any, bool, error) {
	out, err := h.api.DescribeTargetGroups(ctx, &elb.DescribeTargetGroupsInput{TargetGroupArns: []string{prior.RemoteIdentity}})
	if err != nil {
		return nil, false, err
	}
	if len(out.TargetGroups) == 0 {
		return nil, false, nil
	}
	tg := out.TargetGroups[0]
	tags, err := describeTags(ctx, h.api, prior.RemoteIdentity)
	if err != nil {
		return nil, false, err
	}
	return map[string]any{
		iac.AttrName:            aws.ToString(tg.TargetGroupName),
		iac.AttrTargetType:      string(tg.TargetType),
		iac.AttrHealthCheckPath: aws.ToString(tg.HealthCheckPath),
		iac.AttrTags:            tags,
	}, true, nil
}

// =============================================================================
// TARGET GROUP ATTACHMENT
// =============================================================================

// targetGroupAttachmentHandler manages aws_lb_target_group_attachment.
// Identity is "<target group ARN>|<target>".
type targetGroupAttachmentHandler struct {
	api ELBAPI
}

func (h *targetGroupAttachmentHandler) Kind() iac.ResourceKind { return iac.KindTargetGroupAttachment }

func (h *targetGroupAttachmentHandler) Create(ctx context.Context, node *iac.ResourceNode) (string, error) {
	a := attrs(node.Attributes)
	tg, target := a.str(iac.AttrTargetGroup), a.str(iac.AttrTarget)
	if _, err := h.api.RegisterTargets(ctx, &elb.RegisterTargetsInput{
		TargetGroupArn: aws.String(tg),
		Targets:        []elbtypes.TargetDescription{{Id: aws.String(target)}},
	}); err != nil {
		return "", err
	}
	return tg + "|" + target, nil
}

func (h *targetGroupAttachmentHandler) Update(ctx context.Context, node *iac.ResourceNode, prior *state.Record) (string, error) {
	a := attrs(node.Attributes)
	if prior.RemoteIdentity == a.str(iac.AttrTargetGroup)+"|"+a.str(iac.AttrTarget) {
		return prior.RemoteIdentity, nil
	}
	if err := ignoreNotFound(h.Destroy(ctx, prior)); err != nil {
		return "", err
	}
	return h.Create(ctx, node)
}

func (h *targetGroupAttachmentHandler) Destroy(ctx context.Context, prior *state.Record) error {
	tg, target, err := splitIdentity(prior.RemoteIdentity)
	if err != nil {
		return err
	}
	_, err = h.api.DeregisterTargets(ctx, &elb.DeregisterTargetsInput{
		TargetGroupArn: aws.String(tg),
		Targets:        []elbtypes.TargetDescription{{Id: aws.String(target)}},
	})
	return err
}

func (h *targetGroupAttachmentHandler) Describe(ctx context.Context, prior *state.Record) (map[string]any, bool, error) {
	tg, target, err := splitIdentity(prior.RemoteIdentity)
	if err != nil {
		return nil, false, err
	}
	out, err := h.api.DescribeTargetHealth(ctx, &elb.DescribeTargetHealthInput{TargetGroupArn: aws.String(tg)})
	if err != nil {
		return nil, false, err
	}
	for _, d := range out.TargetHealthDescriptions {
		if d.Target != nil && aws.ToString(d.Target.Id) == target {
			return map[string]any{iac.AttrTargetGroup: tg, iac.AttrTarget: target}, true, nil
		}
	}
	return nil, false, nil
}

// =============================================================================
// LISTENER RULE
// =============================================================================

// listenerRuleHandler manages aws_lb_listener_rule forwarding path patterns
// to a target group. Identity is the rule ARN.
type listenerRuleHandler struct {
	api ELBAPI
}

func (h *listenerRuleHandler) Kind() iac.ResourceKind { return iac.KindListenerRule }

func (h *listenerRuleHandler) Create(ctx context.Context, node *iac.ResourceNode) (string, error) {
	a := attrs(node.Attributes)
	out, err := h.api.CreateRule(ctx, &elb.CreateRuleInput{
		ListenerArn: aws.String(a.str(iac.AttrListenerARN)),
		Priority:    aws.Int32(a.integer(iac.AttrPriority)),
		Conditions:  pathConditions(a.list(iac.AttrPathPatterns)),
		Actions:     forwardTo(a.str(iac.AttrTargetGroup)),
		Tags:        elbTags(a.tags()),
	})
	if err != nil {
		return "", err
	}
	if len(out.Rules) == 0 {
		return "", fmt.Errorf("create rule on %s returned no rule", a.str(iac.AttrListenerARN))
	}
	return aws.ToString(out.Rules[0].RuleArn), nil
}

func (h *listenerRuleHandler) Update(ctx context.Context, node *iac.ResourceNode, prior *state.Record) (string, error) {
	a := attrs(node.Attributes)
	arn := aws.String(prior.RemoteIdentity)
	if priority := a.integer(iac.AttrPriority); priority != attrs(prior.LastKnownAttributes).integer(iac.AttrPriority) {
		if _, err := h.api.SetRulePriorities(ctx, &elb.SetRulePrioritiesInput{
			RulePriorities: []elbtypes.RulePriorityPair{{RuleArn: arn, Priority: aws.Int32(priority)}},
		}); err != nil {
			return "", err
		}
	}
	if _, err := h.api.ModifyRule(ctx, &elb.ModifyRuleInput{
		RuleArn:    arn,
		Conditions: pathConditions(a.list(iac.AttrPathPatterns)),
		Actions:    forwardTo(a.str(iac.AttrTargetGroup)),
	}); err != nil {
		return "", err
	}
	if err := syncTags(ctx, h.api, a.tags(), prior); err != nil {
		return "", err
	}
	return prior.RemoteIdentity, nil
}

func (h *listenerRuleHandler) Destroy(ctx context.Context, prior *state.Record) error {
	_, err := h.api.DeleteRule(ctx, &elb.DeleteRuleInput{RuleArn: aws.String(prior.RemoteIdentity)})
	return err
}

func (h *listenerRuleHandler) Describe(ctx context.Context, prior *state.Record) (map[string]any, bool, error) {
	out, err := h.api.DescribeRules(ctx, &elb.DescribeRulesInput{RuleArns: []string{prior.RemoteIdentity}})
	if err != nil {
		return nil, false, err
	}
	if len(out.Rules) == 0 {
		return nil, false, nil
	}
	rule := out.Rules[0]
	live := map[string]any{}
	if priority, err := strconv.Atoi(aws.ToString(rule.Priority)); err == nil {
		live[iac.AttrPriority] = priority
	}
	if listener, ok := listenerOf(prior.RemoteIdentity); ok {
		live[iac.AttrListenerARN] = listener
	}
	for _, c := range rule.Conditions {
		if c.PathPatternConfig != nil {
			live[iac.AttrPathPatterns] = c.PathPatternConfig.Values
		}
	}
	for _, action := range rule.Actions {
		if action.Type == elbtypes.ActionTypeEnumForward && action.TargetGroupArn != nil {
			live[iac.AttrTargetGroup] = aws.ToString(action.TargetGroupArn)
		}
	}
	tags, err := describeTags(ctx, h.api, prior.RemoteIdentity)
	if err != nil {
		return nil, false, err
	}
	live[iac.AttrTags] = tags
	return live, true, nil
}

func pathConditions(patterns []string) []elbtypes.RuleCondition {
	return []elbtypes.RuleCondition{{
		Field:             aws.String("path-pattern"),
		PathPatternConfig: &elbtypes.PathPatternConditionConfig{Values: patterns},
	}}
}

func forwardTo(targetGroupARN string) []elbtypes.Action {
	return []elbtypes.Action{{
		Type:           elbtypes.ActionTypeEnumForward,
		TargetGroupArn: aws.String(targetGroupARN),
	}}
}

// listenerOf derives the listener ARN from a rule ARN,
// ...:listener-rule/app/<lb>/<lb id>/<listener id>/<rule id>.
func listenerOf(ruleARN string) (string, bool) {
	prefix, rest, ok := strings.Cut(ruleARN, ":listener-rule/")
	if !ok {
		return "", false
	}
	i := strings.LastIndex(rest, "/")
	if i < 0 {
		return "", false
	}
	return prefix + ":listener/" + rest[:i], true
}

// syncTags sets the desired tags on a recorded resource and removes the
// recorded ones it no longer carries.
func syncTags(ctx context.Context, api ELBAPI, tags map[string]string, prior *state.Record) error {
	arns := []string{prior.RemoteIdentity}
	if _, err := api.AddTags(ctx, &elb.AddTagsInput{ResourceArns: arns, Tags: elbTags(tags)}); err != nil {
		return err
	}
	if removed := removedTags(tags, prior); len(removed) > 0 {
		if _, err := api.RemoveTags(ctx, &elb.RemoveTagsInput{ResourceArns: arns, TagKeys: removed}); err != nil {
			return err
		}
	}
	return nil
}

func describeTags(ctx context.Context, api ELBAPI, arn string) (map[string]string, error) {
	out, err := api.DescribeTags(ctx, &elb.DescribeTagsInput{ResourceArns: []string{arn}})
	if err != nil {
		return nil, err
	}
	tags := map[string]string{}
	for _, d := range out.TagDescriptions {
		for _, t := range d.Tags {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	}
	return tags, nil
}

func elbTags(tags map[string]string) []elbtypes.Tag {
	out := make([]elbtypes.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, elbtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}
