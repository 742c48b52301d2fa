package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
	"slugger-infra/decision/widget"
	rerrors "slugger-infra/pkg/errors"
)

const (
	ruleARN     = "arn:aws:elasticloadbalancing:us-east-1:123456789012:listener-rule/app/slugger/abc/def/0123456789abcdef"
	listenerARN = "arn:aws:elasticloadbalancing:us-east-1:123456789012:listener/app/slugger/abc/def"
)

func apiError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

type fakeIAM struct {
	IAMAPI
	calls    []string
	policies []string
}

func (f *fakeIAM) ListRolePolicies(_ context.Context, in *iam.ListRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error) {
	f.calls = append(f.calls, "ListRolePolicies:"+aws.ToString(in.RoleName))
	return &iam.ListRolePoliciesOutput{PolicyNames: f.policies}, nil
}

func (f *fakeIAM) DeleteRolePolicy(_ context.Context, in *iam.DeleteRolePolicyInput, _ ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error) {
	f.calls = append(f.calls, "DeleteRolePolicy:"+aws.ToString(in.PolicyName))
	return &iam.DeleteRolePolicyOutput{}, nil
}

func (f *fakeIAM) UpdateAssumeRolePolicy(_ context.Context, in *iam.UpdateAssumeRolePolicyInput, _ ...func(*iam.Options)) (*iam.UpdateAssumeRolePolicyOutput, error) {
	f.calls = append(f.calls, "UpdateAssumeRolePolicy:"+aws.ToString(in.RoleName))
	return &iam.UpdateAssumeRolePolicyOutput{}, nil
}

func (f *fakeIAM) TagRole(_ context.Context, in *iam.TagRoleInput, _ ...func(*iam.Options)) (*iam.TagRoleOutput, error) {
	f.calls = append(f.calls, fmt.Sprintf("TagRole:%d", len(in.Tags)))
	return &iam.TagRoleOutput{}, nil
}

func (f *fakeIAM) UntagRole(_ context.Context, in *iam.UntagRoleInput, _ ...func(*iam.Options)) (*iam.UntagRoleOutput, error) {
	f.calls = append(f.calls, "UntagRole:"+strings.Join(in.TagKeys, ","))
	return &iam.UntagRoleOutput{}, nil
}

func (f *fakeIAM) DeleteRole(_ context.Context, in *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	f.calls = append(f.calls, "DeleteRole:"+aws.ToString(in.RoleName))
	return &iam.DeleteRoleOutput{}, nil
}

type fakeLambda struct {
	LambdaAPI
	created *lambda.CreateFunctionInput
	err     error
	calls   []string
	// statuses are returned by successive GetFunction calls, then Successful.
	statuses []lambdatypes.LastUpdateStatus
}

func (f *fakeLambda) GetFunction(context.Context, *lambda.GetFunctionInput, ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	f.calls = append(f.calls, "GetFunction")
	status := lambdatypes.LastUpdateStatusSuccessful
	if len(f.statuses) > 0 {
		status, f.statuses = f.statuses[0], f.statuses[1:]
	}
	return &lambda.GetFunctionOutput{Configuration: &lambdatypes.FunctionConfiguration{LastUpdateStatus: status}}, nil
}

func (f *fakeLambda) UpdateFunctionCode(_ context.Context, in *lambda.UpdateFunctionCodeInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	f.calls = append(f.calls, "UpdateFunctionCode:"+aws.ToString(in.ImageUri))
	return &lambda.UpdateFunctionCodeOutput{}, nil
}

func (f *fakeLambda) UpdateFunctionConfiguration(_ context.Context, in *lambda.UpdateFunctionConfigurationInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error) {
	f.calls = append(f.calls, fmt.Sprintf("UpdateFunctionConfiguration:%d", aws.ToInt32(in.MemorySize)))
	return &lambda.UpdateFunctionConfigurationOutput{}, nil
}

func (f *fakeLambda) TagResource(context.Context, *lambda.TagResourceInput, ...func(*lambda.Options)) (*lambda.TagResourceOutput, error) {
	f.calls = append(f.calls, "TagResource")
	return &lambda.TagResourceOutput{}, nil
}

func (f *fakeLambda) UntagResource(_ context.Context, in *lambda.UntagResourceInput, _ ...func(*lambda.Options)) (*lambda.UntagResourceOutput, error) {
	f.calls = append(f.calls, "UntagResource:"+strings.Join(in.TagKeys, ","))
	return &lambda.UntagResourceOutput{}, nil
}

func (f *fakeLambda) CreateFunction(_ context.Context, in *lambda.CreateFunctionInput, _ ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = in
	return &lambda.CreateFunctionOutput{FunctionArn: aws.String("arn:aws:lambda:us-east-1:123456789012:function:" + aws.ToString(in.FunctionName))}, nil
}

type fakeELB struct {
	ELBAPI
	deleteErr error
	rule      elbtypes.Rule
	tags      []elbtypes.Tag
	calls     []string
}

func (f *fakeELB) ModifyTargetGroup(context.Context, *elb.ModifyTargetGroupInput, ...func(*elb.Options)) (*elb.ModifyTargetGroupOutput, error) {
	f.calls = append(f.calls, "ModifyTargetGroup")
	return &elb.ModifyTargetGroupOutput{}, nil
}

func (f *fakeELB) AddTags(_ context.Context, in *elb.AddTagsInput, _ ...func(*elb.Options)) (*elb.AddTagsOutput, error) {
	f.calls = append(f.calls, fmt.Sprintf("AddTags:%d", len(in.Tags)))
	return &elb.AddTagsOutput{}, nil
}

func (f *fakeELB) RemoveTags(_ context.Context, in *elb.RemoveTagsInput, _ ...func(*elb.Options)) (*elb.RemoveTagsOutput, error) {
	f.calls = append(f.calls, "RemoveTags:"+strings.Join(in.TagKeys, ","))
	return &elb.RemoveTagsOutput{}, nil
}

func (f *fakeELB) DeleteRule(context.Context, *elb.DeleteRuleInput, ...func(*elb.Options)) (*elb.DeleteRuleOutput, error) {
	return &elb.DeleteRuleOutput{}, f.deleteErr
}

func (f *fakeELB) DescribeRules(_ context.Context, in *elb.DescribeRulesInput, _ ...func(*elb.Options)) (*elb.DescribeRulesOutput, error) {
	return &elb.DescribeRulesOutput{Rules: []elbtypes.Rule{f.rule}}, nil
}

func (f *fakeELB) DescribeTags(_ context.Context, in *elb.DescribeTagsInput, _ ...func(*elb.Options)) (*elb.DescribeTagsOutput, error) {
	return &elb.DescribeTagsOutput{TagDescriptions: []elbtypes.TagDescription{{ResourceArn: aws.String(in.ResourceArns[0]), Tags: f.tags}}}, nil
}

func newTestProvisioner(clients Clients) *Provisioner {
	return NewProvisioner(clients, widget.Discovered{Region: "us-east-1", AccountID: "123456789012", ListenerARN: listenerARN}, nil)
}

func TestEveryKindHasHandler(t *testing.T) {
	p := newTestProvisioner(Clients{})
	assert.Equal(t, iac.Kinds, p.SupportedKinds())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
		reason    string
	}{
		{"throttling", apiError("ThrottlingException", "Rate exceeded"), true, ""},
		{"conflict", apiError("ResourceConflictException", "update in progress"), true, ""},
		{"role propagation", apiError("InvalidParameterValueException", "The role defined for the function cannot be assumed by Lambda."), true, ""},
		{"access denied", apiError("AccessDeniedException", "no"), false, "AccessDeniedException"},
		{"invalid parameter", apiError("InvalidParameterValueException", "bad memory"), false, "InvalidParameterValueException"},
		{"priority in use", apiError("PriorityInUse", "taken"), false, "PriorityInUse"},
		{"plain error", errors.New("boom"), false, "Unknown"},
		{"deadline", context.DeadlineExceeded, true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(tc.err, "aws_lambda_function.clubhouse", "create")
			assert.Equal(t, tc.transient, rerrors.IsTransient(err))
			if !tc.transient {
				var permanent *rerrors.PermanentProviderError
				require.ErrorAs(t, err, &permanent)
				assert.Equal(t, tc.reason, permanent.ReasonCode)
				assert.Equal(t, "aws_lambda_function.clubhouse", permanent.ResourceID)
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}

	typed := &rerrors.TransientProviderError{ResourceID: "x"}
	assert.Same(t, typed, classify(typed, "y", "create"))
}

func TestImageURI(t *testing.T) {
	uri, err := imageURI("arn:aws:ecr:eu-west-1:111122223333:repository/widget-clubhouse", "v7")
	require.NoError(t, err)
	assert.Equal(t, "111122223333.dkr.ecr.eu-west-1.amazonaws.com/widget-clubhouse:v7", uri)

	_, err = imageURI(iac.Unknown, "v7")
	assert.Error(t, err)
}

func TestCreateLambdaFunction(t *testing.T) {
	fake := &fakeLambda{}
	p := newTestProvisioner(Clients{Lambda: fake})

	node := iac.NewNode(iac.KindLambdaFunction, "clubhouse", "lambda-widget-clubhouse", map[string]any{
		iac.AttrName:            "lambda-widget-clubhouse",
		iac.AttrPackageType:     "Image",
		iac.AttrRole:            "arn:aws:iam::123456789012:role/lambda-widget-clubhouse-role",
		iac.AttrImageRepository: "arn:aws:ecr:us-east-1:123456789012:repository/widget-clubhouse",
		iac.AttrImageTag:        "v1",
		iac.AttrMemorySize:      512,
		iac.AttrTimeout:         30,
		iac.AttrEnvironment:     map[string]string{"MODE": "prod"},
		iac.AttrLogGroup:        "arn:aws:logs:us-east-1:123456789012:log-group:/aws/lambda/lambda-widget-clubhouse",
		iac.AttrTags:            map[string]string{widget.TagProject: widget.ProjectName},
	})
	identity, err := p.Create(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:lambda:us-east-1:123456789012:function:lambda-widget-clubhouse", identity)

	in := fake.created
	require.NotNil(t, in)
	assert.Equal(t, "123456789012.dkr.ecr.us-east-1.amazonaws.com/widget-clubhouse:v1", aws.ToString(in.Code.ImageUri))
	assert.Equal(t, int32(512), aws.ToInt32(in.MemorySize))
	assert.Equal(t, int32(30), aws.ToInt32(in.Timeout))
	assert.Equal(t, "/aws/lambda/lambda-widget-clubhouse", aws.ToString(in.LoggingConfig.LogGroup))
	assert.Equal(t, map[string]string{"MODE": "prod"}, in.Environment.Variables)
	assert.Equal(t, widget.ProjectName, in.Tags[widget.TagProject])
}

func TestCreateLambdaFunctionRetriesRolePropagation(t *testing.T) {
	fake := &fakeLambda{err: apiError("InvalidParameterValueException", "The role defined for the function cannot be assumed by Lambda.")}
	p := newTestProvisioner(Clients{Lambda: fake})
	node := iac.NewNode(iac.KindLambdaFunction, "x", "lambda-widget-x", map[string]any{
		iac.AttrImageRepository: "arn:aws:ecr:us-east-1:123456789012:repository/widget-x",
	})
	_, err := p.Create(context.Background(), node)
	assert.True(t, rerrors.IsTransient(err))
}

func TestDestroyRoleDeletesInlinePoliciesFirst(t *testing.T) {
	fake := &fakeIAM{policies: []string{"lambda-widget-clubhouse-policy"}}
	p := newTestProvisioner(Clients{IAM: fake})

	err := p.Destroy(context.Background(), &state.Record{
		ResourceID:     "aws_iam_role.clubhouse",
		Kind:           iac.KindIamRole,
		RemoteIdentity: "arn:aws:iam::123456789012:role/lambda-widget-clubhouse-role",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ListRolePolicies:lambda-widget-clubhouse-role",
		"DeleteRolePolicy:lambda-widget-clubhouse-policy",
		"DeleteRole:lambda-widget-clubhouse-role",
	}, fake.calls)
}

func TestDestroyMissingResourceSucceeds(t *testing.T) {
	rec := &state.Record{ResourceID: "aws_lb_listener_rule.clubhouse", Kind: iac.KindListenerRule, RemoteIdentity: ruleARN}

	p := newTestProvisioner(Clients{ELB: &fakeELB{deleteErr: apiError("RuleNotFound", "gone")}})
	assert.NoError(t, p.Destroy(context.Background(), rec))

	p = newTestProvisioner(Clients{ELB: &fakeELB{deleteErr: apiError("AccessDenied", "no")}})
	var permanent *rerrors.PermanentProviderError
	require.ErrorAs(t, p.Destroy(context.Background(), rec), &permanent)
	assert.Equal(t, "AccessDenied", permanent.ReasonCode)
}

func TestDescribeListenerRule(t *testing.T) {
	fake := &fakeELB{
		rule: elbtypes.Rule{
			RuleArn:  aws.String(ruleARN),
			Priority: aws.String("200"),
			Conditions: []elbtypes.RuleCondition{{
				Field:             aws.String("path-pattern"),
				PathPatternConfig: &elbtypes.PathPatternConditionConfig{Values: []string{"/widgets/clubhouse", "/widgets/clubhouse/*"}},
			}},
			Actions: []elbtypes.Action{{Type: elbtypes.ActionTypeEnumForward, TargetGroupArn: aws.String("arn:tg")}},
		},
		tags: []elbtypes.Tag{{Key: aws.String(widget.TagManagedBy), Value: aws.String(widget.ManagedBy)}},
	}
	p := newTestProvisioner(Clients{ELB: fake})

	live, ok, err := p.Describe(context.Background(), &state.Record{Kind: iac.KindListenerRule, RemoteIdentity: ruleARN})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 200, live[iac.AttrPriority])
	assert.Equal(t, listenerARN, live[iac.AttrListenerARN])
	assert.Equal(t, []string{"/widgets/clubhouse", "/widgets/clubhouse/*"}, live[iac.AttrPathPatterns])
	assert.Equal(t, "arn:tg", live[iac.AttrTargetGroup])
	assert.Equal(t, map[string]string{widget.TagManagedBy: widget.ManagedBy}, live[iac.AttrTags])
}

func TestIdentityParsing(t *testing.T) {
	role, policy, err := rolePolicyIdentity("lambda-widget-x-role:lambda-widget-x-policy")
	require.NoError(t, err)
	assert.Equal(t, "lambda-widget-x-role", role)
	assert.Equal(t, "lambda-widget-x-policy", policy)

	name, err := logGroupName("arn:aws:logs:us-east-1:1:log-group:/aws/lambda/fn:*")
	require.NoError(t, err)
	assert.Equal(t, "/aws/lambda/fn", name)

	_, _, err = splitIdentity("no-separator")
	assert.Error(t, err)
}

func functionNode(tag string, memory int, tags map[string]string) *iac.ResourceNode {
	return iac.NewNode(iac.KindLambdaFunction, "clubhouse", "lambda-widget-clubhouse", map[string]any{
		iac.AttrName:            "lambda-widget-clubhouse",
		iac.AttrRole:            "arn:aws:iam::123456789012:role/lambda-widget-clubhouse-role",
		iac.AttrImageRepository: "arn:aws:ecr:us-east-1:123456789012:repository/widget-clubhouse",
		iac.AttrImageTag:        tag,
		iac.AttrMemorySize:      memory,
		iac.AttrTimeout:         30,
		iac.AttrTags:            tags,
	})
}

func functionRecord(node *iac.ResourceNode) *state.Record {
	return &state.Record{
		ResourceID:          node.ID,
		Kind:                node.Kind,
		RemoteIdentity:      "arn:aws:lambda:us-east-1:123456789012:function:lambda-widget-clubhouse",
		LastKnownAttributes: node.Attributes,
	}
}

func TestUpdateLambdaConfigurationKeepsImage(t *testing.T) {
	fake := &fakeLambda{}
	h := &lambdaFunctionHandler{api: fake, pollMin: time.Millisecond, pollMax: 2 * time.Millisecond}
	tags := map[string]string{widget.TagProject: widget.ProjectName}
	prior := functionRecord(functionNode("v1", 512, tags))

	_, err := h.Update(context.Background(), functionNode("v1", 1024, tags), prior)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"UpdateFunctionConfiguration:1024",
		"GetFunction",
		"TagResource",
	}, fake.calls)
}

func TestUpdateLambdaImageSettlesBeforeConfiguration(t *testing.T) {
	fake := &fakeLambda{statuses: []lambdatypes.LastUpdateStatus{lambdatypes.LastUpdateStatusInProgress}}
	h := &lambdaFunctionHandler{api: fake, pollMin: time.Millisecond, pollMax: 2 * time.Millisecond}
	prior := functionRecord(functionNode("v1", 512, map[string]string{widget.TagProject: widget.ProjectName, "Owner": "search"}))

	_, err := h.Update(context.Background(), functionNode("v2", 512, map[string]string{widget.TagProject: widget.ProjectName}), prior)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"UpdateFunctionCode:123456789012.dkr.ecr.us-east-1.amazonaws.com/widget-clubhouse:v2",
		"GetFunction",
		"GetFunction",
		"UpdateFunctionConfiguration:512",
		"GetFunction",
		"TagResource",
		"UntagResource:Owner",
	}, fake.calls)
}

func TestUpdateRemovesDroppedTags(t *testing.T) {
	recorded := map[string]any{iac.AttrTags: map[string]any{widget.TagProject: widget.ProjectName, "Owner": "search", "Team": "web"}}
	desired := map[string]string{widget.TagProject: widget.ProjectName, "Team": "platform"}

	t.Run("role", func(t *testing.T) {
		fake := &fakeIAM{}
		p := newTestProvisioner(Clients{IAM: fake})
		node := iac.NewNode(iac.KindIamRole, "clubhouse", "lambda-widget-clubhouse-role", map[string]any{
			iac.AttrName: "lambda-widget-clubhouse-role",
			iac.AttrTags: desired,
		})
		_, err := p.Update(context.Background(), node, &state.Record{
			Kind:                iac.KindIamRole,
			RemoteIdentity:      "arn:aws:iam::123456789012:role/lambda-widget-clubhouse-role",
			LastKnownAttributes: recorded,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{
			"UpdateAssumeRolePolicy:lambda-widget-clubhouse-role",
			"TagRole:2",
			"UntagRole:Owner",
		}, fake.calls)
	})

	t.Run("target group", func(t *testing.T) {
		fake := &fakeELB{}
		p := newTestProvisioner(Clients{ELB: fake})
		node := iac.NewNode(iac.KindTargetGroup, "clubhouse", "tg-widget-clubhouse", map[string]any{iac.AttrTags: desired})
		_, err := p.Update(context.Background(), node, &state.Record{
			Kind:                iac.KindTargetGroup,
			RemoteIdentity:      "arn:aws:elasticloadbalancing:us-east-1:123456789012:targetgroup/tg-widget-clubhouse/1",
			LastKnownAttributes: recorded,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"ModifyTargetGroup", "AddTags:2", "RemoveTags:Owner"}, fake.calls)
	})

	t.Run("nothing dropped", func(t *testing.T) {
		assert.Empty(t, removedTags(desired, &state.Record{LastKnownAttributes: map[string]any{iac.AttrTags: desired}}))
		assert.Empty(t, removedTags(desired, nil))
	})
}
