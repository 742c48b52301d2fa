package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
	rerrors "slugger-infra/pkg/errors"
)

func TestCreateUpdateDestroy(t *testing.T) {
	ctx := context.Background()
	p := New("eu-west-1", "111122223333")

	fn := iac.NewNode(iac.KindLambdaFunction, "clubhouse", "lambda-widget-clubhouse", map[string]any{
		iac.AttrName:       "lambda-widget-clubhouse",
		iac.AttrMemorySize: 512,
	})
	identity, err := p.Create(ctx, fn)
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:lambda:eu-west-1:111122223333:function:lambda-widget-clubhouse", identity)

	rec := &state.Record{ResourceID: fn.ID, Kind: fn.Kind, RemoteIdentity: identity}
	fn.Attributes[iac.AttrMemorySize] = 1024
	_, err = p.Update(ctx, fn, rec)
	require.NoError(t, err)

	live, ok, err := p.Describe(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1024, live[iac.AttrMemorySize])

	require.NoError(t, p.Destroy(ctx, rec))
	require.NoError(t, p.Destroy(ctx, rec), "destroying a missing resource succeeds")
	_, ok, _ = p.Describe(ctx, rec)
	assert.False(t, ok)

	assert.Len(t, p.Calls(), 4)
}

func TestInjectedFaults(t *testing.T) {
	ctx := context.Background()
	p := New("", "")
	role := iac.NewNode(iac.KindIamRole, "x", "lambda-widget-x-role", map[string]any{iac.AttrName: "lambda-widget-x-role"})

	p.FailTransient(role.ID, "create", 2)
	for i := 0; i < 2; i++ {
		_, err := p.Create(ctx, role)
		assert.True(t, rerrors.IsTransient(err))
	}
	_, err := p.Create(ctx, role)
	require.NoError(t, err)

	p.FailPermanent(role.ID, "destroy", "AccessDenied")
	err = p.Destroy(ctx, &state.Record{ResourceID: role.ID, RemoteIdentity: "x"})
	var permanent *rerrors.PermanentProviderError
	require.ErrorAs(t, err, &permanent)
	assert.Equal(t, "AccessDenied", permanent.ReasonCode)

	p.ClearFaults()
	assert.NoError(t, p.Destroy(ctx, &state.Record{ResourceID: role.ID, RemoteIdentity: "x"}))
}

func TestListenerPriorityIsExclusive(t *testing.T) {
	ctx := context.Background()
	p := New("", "")
	rule := func(w string, priority int) *iac.ResourceNode {
		return iac.NewNode(iac.KindListenerRule, w, "rule-widget-"+w, map[string]any{
			iac.AttrListenerARN: "arn:aws:elasticloadbalancing:us-east-1:1:listener/app/a/b/c",
			iac.AttrPriority:    priority,
		})
	}
	_, err := p.Create(ctx, rule("a", 100))
	require.NoError(t, err)
	_, err = p.Create(ctx, rule("b", 100))
	var permanent *rerrors.PermanentProviderError
	require.ErrorAs(t, err, &permanent)
	assert.Equal(t, "PriorityInUse", permanent.ReasonCode)
	assert.Equal(t, "create", permanent.Operation)

	b := rule("b", 200)
	identity, err := p.Create(ctx, b)
	require.NoError(t, err)

	b.Attributes[iac.AttrPriority] = 100
	_, err = p.Update(ctx, b, &state.Record{ResourceID: b.ID, Kind: b.Kind, RemoteIdentity: identity})
	require.ErrorAs(t, err, &permanent)
	assert.Equal(t, "PriorityInUse", permanent.ReasonCode)
	assert.Equal(t, "update", permanent.Operation)
}
