package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slugger-infra/db/state"
	"slugger-infra/decision/apply"
	"slugger-infra/decision/iac"
	"slugger-infra/decision/plan"
	"slugger-infra/decision/routing"
	"slugger-infra/decision/widget"
	rerrors "slugger-infra/pkg/errors"
	"slugger-infra/provider/memory"
)

const listenerARN = "arn:aws:elasticloadbalancing:us-east-1:123456789012:listener/app/slugger/abc/def"

var discovered = widget.Discovered{AccountID: "123456789012", Region: "us-east-1", ListenerARN: listenerARN}

func widgetSpec(name, env string) widget.Spec {
	s := widget.Spec{Name: name, Environment: env, MemorySize: 512, TimeoutSeconds: 30, LogRetentionDays: 14, ImageTag: "v1"}
	_ = s.ApplyDefaults()
	return s
}

func desired(t *testing.T, specs []widget.Spec) (*iac.Graph, *routing.Table) {
	t.Helper()
	table, err := routing.Compose(specs, routing.DefaultBand(), listenerARN)
	require.NoError(t, err)
	g, err := iac.NewGraphBuilder(discovered).Build(specs, table)
	require.NoError(t, err)
	return g, table
}

// randomSpecs generates n distinct widget names, some of which are prefixes
// of others.
func randomSpecs(r *rand.Rand, n int) []widget.Spec {
	envs := []string{"dev", "staging", "prod"}
	seen := map[string]bool{}
	var specs []widget.Spec
	for len(specs) < n {
		name := fmt.Sprintf("w%d", r.Intn(40))
		if r.Intn(3) == 0 {
			name += "house"
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		specs = append(specs, widgetSpec(name, envs[r.Intn(len(envs))]))
	}
	return specs
}

func TestGeneratedConfigurationsPassPolicies(t *testing.T) {
	r := rand.New(rand.NewSource(20261016))
	engine := NewEngine()

	for i := 0; i < 50; i++ {
		specs := randomSpecs(r, 1+r.Intn(8))
		g, table := desired(t, specs)

		assert.Empty(t, CheckTags(g, specs))
		assert.Empty(t, CheckRouting(table))

		index := widget.Index(specs)
		for _, id := range g.IDs() {
			n, _ := g.Node(id)
			if !iac.SchemaFor(n.Kind).Taggable {
				continue
			}
			assert.Equal(t, index[n.Widget].MandatedTags(), TagsOf(n.Attributes[iac.AttrTags]), id)
		}

		priorities := map[int]string{}
		for _, a := range table.Assignments {
			other, taken := priorities[a.Priority]
			assert.False(t, taken, "%s and %s share priority %d", a.WidgetName, other, a.Priority)
			priorities[a.Priority] = a.WidgetName
		}

		result, err := engine.Evaluate(context.Background(), EvaluationRequest{Graph: g, Specs: specs, Table: table})
		require.NoError(t, err)
		assert.Equal(t, DecisionPass, result.Decision)
		assert.NoError(t, result.Err())
	}
}

func TestPrefixNamedWidgetsDoNotOverlap(t *testing.T) {
	_, table := desired(t, []widget.Spec{widgetSpec("club", "dev"), widgetSpec("clubhouse", "dev")})
	assert.Empty(t, CheckRouting(table))
}

func TestExplicitPriorityCollision(t *testing.T) {
	p := 100
	flash := widgetSpec("flashcard", "dev")
	flash.Priority = &p
	club := widgetSpec("clubhouse", "dev")
	club.Priority = &p
	specs := []widget.Spec{club, flash}

	g, table := desired(t, specs)
	collisions := CheckRouting(table)
	require.Len(t, collisions, 1)
	assert.Equal(t, [2]string{"clubhouse", "flashcard"}, collisions[0].Widgets)
	assert.Equal(t, 100, collisions[0].Priority)

	result, err := NewEngine().Evaluate(context.Background(), EvaluationRequest{Graph: g, Specs: specs, Table: table})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, result.Decision)

	var routingErr *rerrors.RoutingCollisionError
	require.ErrorAs(t, result.Err(), &routingErr)
	assert.Len(t, routingErr.Collisions, 1)
	assert.Equal(t, rerrors.ExitValidation, rerrors.ExitCode(result.Err()))
}

func TestExplicitTagOverrideIsFlagged(t *testing.T) {
	spec := widget.Spec{Name: "clubhouse", Environment: "dev", MemorySize: 512, TimeoutSeconds: 30, ImageTag: "v1",
		Tags: map[string]string{widget.TagComponent: "shared", "Team": "games"}}
	require.NoError(t, spec.ApplyDefaults())
	specs := []widget.Spec{spec}
	g, table := desired(t, specs)

	violations := CheckTags(g, specs)
	require.NotEmpty(t, violations)
	for _, v := range violations {
		assert.Equal(t, "shared", v.Incorrect[widget.TagComponent], v.ResourceID)
		assert.Equal(t, "widget-clubhouse", v.Expected[widget.TagComponent])
		assert.Empty(t, v.Missing)
	}

	result, err := NewEngine().Evaluate(context.Background(), EvaluationRequest{Graph: g, Specs: specs, Table: table})
	require.NoError(t, err)
	var tagErr *rerrors.TagPolicyError
	require.ErrorAs(t, result.Err(), &tagErr)
	assert.Len(t, tagErr.Violations, len(violations))
}

func TestMissingTagIsReported(t *testing.T) {
	spec := widgetSpec("foo", "dev")
	specs := []widget.Spec{spec}
	g, _ := desired(t, specs)
	fn, _ := g.Node(iac.Address(iac.KindLambdaFunction, "foo"))
	tags := TagsOf(fn.Attributes[iac.AttrTags])
	delete(tags, widget.TagManagedBy)

	violations := CheckTags(g, specs)
	require.Len(t, violations, 1)
	assert.Equal(t, fn.ID, violations[0].ResourceID)
	assert.Equal(t, []string{widget.TagManagedBy}, violations[0].Missing)
}

func TestDisabledPolicyIsSkipped(t *testing.T) {
	p := 100
	a, b := widgetSpec("a", "dev"), widgetSpec("b", "dev")
	a.Priority, b.Priority = &p, &p
	specs := []widget.Spec{a, b}
	g, table := desired(t, specs)

	engine := NewEngine()
	require.NoError(t, engine.Disable("routing-non-collision"))
	assert.Error(t, engine.Disable("nope"))

	result, err := engine.Evaluate(context.Background(), EvaluationRequest{Graph: g, Specs: specs, Table: table})
	require.NoError(t, err)
	assert.Equal(t, DecisionPass, result.Decision)
	assert.Equal(t, 3, result.PoliciesRan)
}

func TestPatternsOverlap(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"/widgets/club", "/widgets/club", true},
		{"/widgets/club", "/widgets/clubhouse", false},
		{"/widgets/club/*", "/widgets/clubhouse/*", false},
		{"/widgets/club/*", "/widgets/clubhouse", false},
		{"/widgets/club*", "/widgets/clubhouse", true},
		{"/widgets/*", "/widgets/foo/*", true},
		{"/widgets/fo?", "/widgets/foo", true},
		{"/widgets/fo?", "/widgets/fooo", false},
		{"*", "/anything", true},
		{"/a/*/c", "/a/b/*", true},
		{"/a/*/c", "/b/*", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PatternsOverlap(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
		assert.Equal(t, tc.want, PatternsOverlap(tc.b, tc.a), "%s vs %s", tc.b, tc.a)
	}
}

func TestEvaluateNeedsInputs(t *testing.T) {
	_, err := NewEngine().Evaluate(context.Background(), EvaluationRequest{})
	assert.Error(t, err)
}

// provisioned applies specs to an in-memory provider and returns its state.
func provisioned(t *testing.T, specs []widget.Spec) (*memory.Provisioner, state.Records) {
	t.Helper()
	ctx := context.Background()
	g, _ := desired(t, specs)
	prov := memory.New(discovered.Region, discovered.AccountID)
	store := state.NewStore(state.NewMemoryBackend())
	records, err := store.Load(ctx)
	require.NoError(t, err)
	p, err := plan.Diff(g, records)
	require.NoError(t, err)

	exec := apply.NewExecutor(prov, store, apply.Options{
		Retry:  apply.RetryPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 1},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	res, err := exec.Apply(ctx, p, records)
	require.NoError(t, err)
	return prov, res.Records
}

func TestVerifyLiveCleanState(t *testing.T) {
	specs := []widget.Spec{widgetSpec("clubhouse", "dev"), widgetSpec("flashcard", "dev")}
	prov, records := provisioned(t, specs)

	for _, d := range []Describer{prov, nil} {
		result, err := NewEngine().VerifyLive(context.Background(), specs, records, d)
		require.NoError(t, err)
		assert.Equal(t, DecisionPass, result.Decision)
		assert.Empty(t, result.Warnings)
	}
}

func TestVerifyLiveReportsDriftAndMissing(t *testing.T) {
	specs := []widget.Spec{widgetSpec("clubhouse", "dev")}
	prov, records := provisioned(t, specs)

	fn := records[iac.Address(iac.KindLambdaFunction, "clubhouse")]
	require.True(t, prov.Mutate(fn.RemoteIdentity, func(attrs map[string]any) {
		attrs[iac.AttrMemorySize] = 2048
		attrs[iac.AttrTags] = map[string]string{
			widget.TagProject:     widget.ProjectName,
			widget.TagComponent:   "widget-clubhouse",
			widget.TagEnvironment: "prod",
			widget.TagManagedBy:   widget.ManagedBy,
		}
	}))
	logs := records[iac.Address(iac.KindLogGroup, "clubhouse")]
	require.NoError(t, prov.Destroy(context.Background(), logs))

	result, err := NewEngine().VerifyLive(context.Background(), specs, records, prov)
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, result.Decision)

	require.Len(t, result.TagViolations, 1)
	assert.Equal(t, fn.ResourceID, result.TagViolations[0].ResourceID)
	assert.Equal(t, "prod", result.TagViolations[0].Incorrect[widget.TagEnvironment])

	var presence, drift []Warning
	for _, w := range result.Warnings {
		switch w.PolicyID {
		case "live-presence":
			presence = append(presence, w)
		case "live-drift":
			drift = append(drift, w)
		}
	}
	require.Len(t, presence, 1)
	assert.Equal(t, logs.ResourceID, presence[0].ResourceID)

	var driftedFn []string
	for _, w := range drift {
		if w.ResourceID == fn.ResourceID {
			driftedFn = append(driftedFn, w.Message)
		}
	}
	assert.Len(t, driftedFn, 2, "memory_size and tags")
}

func TestVerifyLiveRebuildsRoutingFromRecords(t *testing.T) {
	specs := []widget.Spec{widgetSpec("clubhouse", "dev"), widgetSpec("flashcard", "dev")}
	_, records := provisioned(t, specs)

	// Decoded state carries priorities as json.Number and patterns as []any.
	data, err := state.Encode(records, 1, "lineage")
	require.NoError(t, err)
	_, decoded, err := state.Decode(data, "mem://")
	require.NoError(t, err)

	flash := decoded[iac.Address(iac.KindListenerRule, "flashcard")]
	flash.LastKnownAttributes[iac.AttrPriority] = decoded[iac.Address(iac.KindListenerRule, "clubhouse")].LastKnownAttributes[iac.AttrPriority]

	result, err := NewEngine().VerifyLive(context.Background(), specs, decoded, nil)
	require.NoError(t, err)
	require.Len(t, result.Collisions, 1)
	assert.Equal(t, 100, result.Collisions[0].Priority)
	assert.True(t, errors.As(result.Err(), new(*rerrors.RoutingCollisionError)))
}
