package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
)

// lambdaFunctionHandler manages aws_lambda_function for container images.
// Identity is the function ARN.
type lambdaFunctionHandler struct {
	api LambdaAPI
	// Delays between GetFunction polls while an update is in progress. Zero
	// keeps the SDK defaults.
	pollMin, pollMax time.Duration
}

func (h *lambdaFunctionHandler) Kind() iac.ResourceKind { return iac.KindLambdaFunction }

func (h *lambdaFunctionHandler) Create(ctx context.Context, node *iac.ResourceNode) (string, error) {
	a := attrs(node.Attributes)
	uri, err := imageURI(a.str(iac.AttrImageRepository), a.str(iac.AttrImageTag))
	if err != nil {
		return "", err
	}
	in := &lambda.CreateFunctionInput{
		FunctionName: aws.String(a.str(iac.AttrName)),
		PackageType:  lambdatypes.PackageType(a.str(iac.AttrPackageType)),
		Role:         aws.String(a.str(iac.AttrRole)),
		Code:         &lambdatypes.FunctionCode{ImageUri: aws.String(uri)},
		MemorySize:   aws.Int32(a.integer(iac.AttrMemorySize)),
		Timeout:      aws.Int32(a.integer(iac.AttrTimeout)),
		Environment:  &lambdatypes.Environment{Variables: a.stringMap(iac.AttrEnvironment)},
		Tags:         a.tags(),
	}
	if logs, err := logGroupName(a.str(iac.AttrLogGroup)); err == nil {
		in.LoggingConfig = &lambdatypes.LoggingConfig{LogGroup: aws.String(logs)}
	}
	out, err := h.api.CreateFunction(ctx, in)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.FunctionArn), nil
}

// functionUpdateTimeout bounds the wait for a function to finish applying a
// code or configuration change.
const functionUpdateTimeout = 5 * time.Minute

// Update deploys a new image only when the image changed. Lambda rejects a
// configuration change while a code update is in progress, so it waits for
// the function to settle in between.
func (h *lambdaFunctionHandler) Update(ctx context.Context, node *iac.ResourceNode, prior *state.Record) (string, error) {
	a := attrs(node.Attributes)
	fn := aws.String(prior.RemoteIdentity)
	recorded := attrs(prior.LastKnownAttributes)
	if a.str(iac.AttrImageRepository) != recorded.str(iac.AttrImageRepository) || a.str(iac.AttrImageTag) != recorded.str(iac.AttrImageTag) {
		uri, err := imageURI(a.str(iac.AttrImageRepository), a.str(iac.AttrImageTag))
		if err != nil {
			return "", err
		}
		if _, err := h.api.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
			FunctionName: fn,
			ImageUri:     aws.String(uri),
		}); err != nil {
			return "", err
		}
		if err := h.waitUpdated(ctx, fn); err != nil {
			return "", err
		}
	}

	in := &lambda.UpdateFunctionConfigurationInput{
		FunctionName: fn,
		Role:         aws.String(a.str(iac.AttrRole)),
		MemorySize:   aws.Int32(a.integer(iac.AttrMemorySize)),
		Timeout:      aws.Int32(a.integer(iac.AttrTimeout)),
		Environment:  &lambdatypes.Environment{Variables: a.stringMap(iac.AttrEnvironment)},
	}
	if logs, err := logGroupName(a.str(iac.AttrLogGroup)); err == nil {
		in.LoggingConfig = &lambdatypes.LoggingConfig{LogGroup: aws.String(logs)}
	}
	if _, err := h.api.UpdateFunctionConfiguration(ctx, in); err != nil {
		return "", err
	}
	if err := h.waitUpdated(ctx, fn); err != nil {
		return "", err
	}

	if _, err := h.api.TagResource(ctx, &lambda.TagResourceInput{Resource: fn, Tags: a.tags()}); err != nil {
		return "", err
	}
	if removed := removedTags(a.tags(), prior); len(removed) > 0 {
		if _, err := h.api.UntagResource(ctx, &lambda.UntagResourceInput{Resource: fn, TagKeys: removed}); err != nil {
			return "", err
		}
	}
	return prior.RemoteIdentity, nil
}

func (h *lambdaFunctionHandler) waitUpdated(ctx context.Context, fn *string) error {
	waiter := lambda.NewFunctionUpdatedV2Waiter(h.api, func(o *lambda.FunctionUpdatedV2WaiterOptions) {
		if h.pollMin > 0 && h.pollMax >= h.pollMin {
			o.MinDelay, o.MaxDelay = h.pollMin, h.pollMax
		}
	})
	return waiter.Wait(ctx, &lambda.GetFunctionInput{FunctionName: fn}, functionUpdateTimeout)
}

func (h *lambdaFunctionHandler) Destroy(ctx context.Context, prior *state.Record) error {
	_, err := h.api.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(prior.RemoteIdentity)})
	return err
}

func (h *lambdaFunctionHandler) Describe(ctx context.Context, prior *state.Record) (map[string]any, bool, error) {
	out, err := h.api.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(prior.RemoteIdentity)})
	if err != nil {
		return nil, false, err
	}
	cfg := out.Configuration
	if cfg == nil {
		return nil, false, nil
	}
	live := map[string]any{
		iac.AttrName:        aws.ToString(cfg.FunctionName),
		iac.AttrPackageType: string(cfg.PackageType),
		iac.AttrRole:        aws.ToString(cfg.Role),
		iac.AttrMemorySize:  int(aws.ToInt32(cfg.MemorySize)),
		iac.AttrTimeout:     int(aws.ToInt32(cfg.Timeout)),
		iac.AttrTags:        out.Tags,
	}
	if cfg.Environment != nil {
		live[iac.AttrEnvironment] = cfg.Environment.Variables
	}
	if out.Code != nil {
		if uri := aws.ToString(out.Code.ImageUri); uri != "" {
			if i := strings.LastIndex(uri, ":"); i >= 0 && !strings.Contains(uri[i:], "/") {
				live[iac.AttrImageTag] = uri[i+1:]
			}
		}
	}
	return live, true, nil
}

// lambdaPermissionHandler manages aws_lambda_permission. Identity is
// "<function ARN>|<statement ID>".
type lambdaPermissionHandler struct {
	api LambdaAPI
}

func (h *lambdaPermissionHandler) Kind() iac.ResourceKind { return iac.KindLambdaPermission }

func (h *lambdaPermissionHandler) Create(ctx context.Context, node *iac.ResourceNode) (string, error) {
	a := attrs(node.Attributes)
	fn, sid := a.str(iac.AttrFunction), a.str(iac.AttrStatementID)
	_, err := h.api.AddPermission(ctx, &lambda.AddPermissionInput{
		FunctionName: aws.String(fn),
		StatementId:  aws.String(sid),
		Action:       aws.String(a.str(iac.AttrAction)),
		Principal:    aws.String(a.str(iac.AttrPrincipal)),
		SourceArn:    aws.String(a.str(iac.AttrSourceARN)),
	})
	if err != nil {
		return "", err
	}
	return fn + "|" + sid, nil
}

// Update replaces the statement; Lambda has no call to modify one.
func (h *lambdaPermissionHandler) Update(ctx context.Context, node *iac.ResourceNode, prior *state.Record) (string, error) {
	if err := ignoreNotFound(h.Destroy(ctx, prior)); err != nil {
		return "", err
	}
	return h.Create(ctx, node)
}

func (h *lambdaPermissionHandler) Destroy(ctx context.Context, prior *state.Record) error {
	fn, sid, err := splitIdentity(prior.RemoteIdentity)
	if err != nil {
		return err
	}
	_, err = h.api.RemovePermission(ctx, &lambda.RemovePermissionInput{FunctionName: aws.String(fn), StatementId: aws.String(sid)})
	return err
}

// resourcePolicy is the part of a Lambda resource policy Describe reads.
type resourcePolicy struct {
	Statement []struct {
		Sid       string          `json:"Sid"`
		Action    json.RawMessage `json:"Action"`
		Principal struct {
			Service string `json:"Service"`
		} `json:"Principal"`
		Condition struct {
			ArnLike map[string]string `json:"ArnLike"`
		} `json:"Condition"`
	} `json:"Statement"`
}

func (h *lambdaPermissionHandler) Describe(ctx context.Context, prior *state.Record) (map[string]any, bool, error) {
	fn, sid, err := splitIdentity(prior.RemoteIdentity)
	if err != nil {
		return nil, false, err
	}
	out, err := h.api.GetPolicy(ctx, &lambda.GetPolicyInput{FunctionName: aws.String(fn)})
	if err != nil {
		return nil, false, err
	}
	var policy resourcePolicy
	if err := json.Unmarshal([]byte(aws.ToString(out.Policy)), &policy); err != nil {
		return nil, false, fmt.Errorf("parse resource policy of %s: %w", fn, err)
	}
	for _, st := range policy.Statement {
		if st.Sid != sid {
			continue
		}
		live := map[string]any{
			iac.AttrStatementID: sid,
			iac.AttrFunction:    fn,
			iac.AttrPrincipal:   st.Principal.Service,
		}
		var action string
		if json.Unmarshal(st.Action, &action) == nil {
			live[iac.AttrAction] = action
		}
		if source, ok := st.Condition.ArnLike["AWS:SourceArn"]; ok {
			live[iac.AttrSourceARN] = source
		}
		return live, true, nil
	}
	return nil, false, nil
}
