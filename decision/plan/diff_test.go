package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
	"slugger-infra/decision/routing"
	"slugger-infra/decision/widget"
)

var discovered = widget.Discovered{
	AccountID:   "123456789012",
	Region:      "us-east-1",
	ListenerARN: "arn:aws:elasticloadbalancing:us-east-1:123456789012:listener/app/slugger/abc/def",
	VpcID:       "vpc-0abc",
}

func spec(name string, memory int) widget.Spec {
	s := widget.Spec{Name: name, Environment: "dev", MemorySize: memory, TimeoutSeconds: 30, LogRetentionDays: 14, ImageTag: "v1"}
	_ = s.ApplyDefaults()
	return s
}

func graphFor(t *testing.T, specs ...widget.Spec) *iac.Graph {
	t.Helper()
	table, err := routing.Compose(specs, routing.DefaultBand(), discovered.ListenerARN)
	require.NoError(t, err)
	g, err := iac.NewGraphBuilder(discovered).Build(specs, table)
	require.NoError(t, err)
	return g
}

// applyOps records the outcome of ops the way the executor does and round
// trips the result through the snapshot encoding.
func applyOps(t *testing.T, records state.Records, ops []*Operation) state.Records {
	t.Helper()
	next := records.Clone()
	for _, op := range ops {
		switch op.Kind {
		case OpNoOp:
		case OpDestroy:
			delete(next, op.ResourceID)
		default:
			attrs := iac.Resolve(op.Node.Attributes, next.Identity)
			identity := fmt.Sprintf("arn:test:%s", op.ResourceID)
			if name, ok := attrs[iac.AttrName].(string); ok {
				identity += ":" + name
			}
			next[op.ResourceID] = &state.Record{
				ResourceID:          op.ResourceID,
				Kind:                op.ResourceKind,
				Widget:              op.Widget,
				RemoteIdentity:      identity,
				LastKnownAttributes: attrs,
				DependsOn:           op.Node.Dependencies(),
			}
		}
	}
	data, err := state.Encode(next, 1, "test")
	require.NoError(t, err)
	_, decoded, err := state.Decode(data, "test")
	require.NoError(t, err)
	return decoded
}

func kinds(p *Plan) map[string]OpKind {
	out := make(map[string]OpKind, len(p.Operations))
	for _, op := range p.Operations {
		out[op.ResourceID] = op.Kind
	}
	return out
}

func indexOf(p *Plan) map[string]int {
	out := make(map[string]int, len(p.Operations))
	for i, op := range p.Operations {
		out[op.ResourceID] = i
	}
	return out
}

func TestFirstPlanCreatesNineResourcesInDependencyOrder(t *testing.T) {
	p, err := Diff(graphFor(t, spec("clubhouse", 512)), state.Records{})
	require.NoError(t, err)

	require.Len(t, p.Operations, 9)
	for _, op := range p.Operations {
		assert.Equal(t, OpCreate, op.Kind, op.ResourceID)
	}

	pos := indexOf(p)
	fn := pos["aws_lambda_function.clubhouse"]
	for _, id := range []string{
		"aws_ecr_repository.clubhouse",
		"aws_iam_role.clubhouse",
		"aws_iam_role_policy.clubhouse",
		"aws_cloudwatch_log_group.clubhouse",
	} {
		assert.Less(t, pos[id], fn, id)
	}
	assert.Less(t, fn, pos["aws_lambda_permission.clubhouse"])
	assert.Less(t, pos["aws_lambda_permission.clubhouse"], pos["aws_lb_target_group_attachment.clubhouse"])
	assert.Less(t, pos["aws_lb_target_group.clubhouse"], pos["aws_lb_listener_rule.clubhouse"])

	lambda := p.Operations[fn]
	assert.Equal(t, iac.Unknown, lambda.Desired[iac.AttrRole], "role ARN is not known before apply")
}

func TestDiffAfterApplyIsAllNoOp(t *testing.T) {
	g := graphFor(t, spec("clubhouse", 512), spec("flashcard", 256))
	first, err := Diff(g, state.Records{})
	require.NoError(t, err)

	records := applyOps(t, state.Records{}, first.Operations)
	second, err := Diff(g, records)
	require.NoError(t, err)

	require.Len(t, second.Operations, 18)
	for _, op := range second.Operations {
		assert.Equal(t, OpNoOp, op.Kind, "%s changed %v", op.ResourceID, op.Changed)
	}
	assert.True(t, second.Empty())
}

func TestDiffIsDeterministic(t *testing.T) {
	specs := []widget.Spec{spec("clubhouse", 512), spec("flashcard", 256), spec("ledger", 128)}
	base, err := Diff(graphFor(t, specs...), state.Records{})
	require.NoError(t, err)
	records := applyOps(t, state.Records{}, base.Operations[:10])

	var want []string
	for i := 0; i < 25; i++ {
		p, err := Diff(graphFor(t, specs...), records)
		require.NoError(t, err)
		got := make([]string, 0, len(p.Operations))
		for _, op := range p.Operations {
			got = append(got, string(op.Kind)+" "+op.ResourceID)
		}
		if want == nil {
			want = got
			continue
		}
		require.Equal(t, want, got, "run %d", i)
	}
}

func TestMutableChangeIsUpdateInPlace(t *testing.T) {
	first, err := Diff(graphFor(t, spec("clubhouse", 512)), state.Records{})
	require.NoError(t, err)
	records := applyOps(t, state.Records{}, first.Operations)

	p, err := Diff(graphFor(t, spec("clubhouse", 1024)), records)
	require.NoError(t, err)

	k := kinds(p)
	assert.Equal(t, OpUpdateInPlace, k["aws_lambda_function.clubhouse"])
	assert.Equal(t, 1, p.Summary().Update)
	assert.Equal(t, 8, p.Summary().NoOp)
	for _, op := range p.Operations {
		if op.Kind == OpUpdateInPlace {
			assert.Equal(t, []string{iac.AttrMemorySize}, op.Changed)
			assert.Empty(t, op.ReplaceTriggers)
		}
	}
}

func TestReplacePropagatesUpdateToDependents(t *testing.T) {
	first, err := Diff(graphFor(t, spec("clubhouse", 512)), state.Records{})
	require.NoError(t, err)
	records := applyOps(t, state.Records{}, first.Operations)

	g := graphFor(t, spec("clubhouse", 512))
	repo, _ := g.Node("aws_ecr_repository.clubhouse")
	repo.Attributes[iac.AttrName] = "widget-clubhouse-v2"

	p, err := Diff(g, records)
	require.NoError(t, err)
	k := kinds(p)

	require.Equal(t, OpReplace, k["aws_ecr_repository.clubhouse"])
	assert.Equal(t, OpUpdateInPlace, k["aws_lambda_function.clubhouse"], "dependents are updated, not replaced")
	assert.Equal(t, OpNoOp, k["aws_iam_role.clubhouse"])

	for _, op := range p.Operations {
		switch op.ResourceID {
		case "aws_ecr_repository.clubhouse":
			assert.Equal(t, []string{iac.AttrName}, op.ReplaceTriggers)
		case "aws_lambda_function.clubhouse":
			assert.Equal(t, []string{iac.AttrImageRepository}, op.Changed)
			assert.Equal(t, iac.Unknown, op.Desired[iac.AttrImageRepository])
		}
	}

	// After the replace is applied the dependent converges too.
	applied := applyOps(t, records, p.Operations)
	again, err := Diff(g, applied)
	require.NoError(t, err)
	assert.True(t, again.Empty())
}

func TestOrphansAreDestroyedDependentsFirst(t *testing.T) {
	both, err := Diff(graphFor(t, spec("clubhouse", 512), spec("flashcard", 256)), state.Records{})
	require.NoError(t, err)
	records := applyOps(t, state.Records{}, both.Operations)

	p, err := Diff(graphFor(t, spec("clubhouse", 512)), records)
	require.NoError(t, err)

	assert.Equal(t, 9, p.Summary().Destroy)
	assert.Equal(t, 9, p.Summary().NoOp)
	for i := 0; i < 9; i++ {
		assert.Equal(t, OpDestroy, p.Operations[i].Kind, "destroys come first")
		assert.Equal(t, "flashcard", p.Operations[i].Widget)
	}

	pos := indexOf(p)
	for _, op := range p.Operations[:9] {
		for _, dep := range op.Prior.DependsOn {
			assert.Less(t, pos[op.ResourceID], pos[dep], "%s must be destroyed before %s", op.ResourceID, dep)
		}
	}
	assert.Less(t, pos["aws_lb_listener_rule.flashcard"], pos["aws_lb_target_group.flashcard"])
	assert.Less(t, pos["aws_lambda_function.flashcard"], pos["aws_iam_role.flashcard"])
}

func TestPartialFailureDurability(t *testing.T) {
	g := graphFor(t, spec("clubhouse", 512), spec("flashcard", 256))
	first, err := Diff(g, state.Records{})
	require.NoError(t, err)
	m := len(first.Operations)

	for _, n := range []int{0, 1, 5, 9, 13, m - 1} {
		t.Run(fmt.Sprintf("after %d", n), func(t *testing.T) {
			records := applyOps(t, state.Records{}, first.Operations[:n])
			p, err := Diff(g, records)
			require.NoError(t, err)

			s := p.Summary()
			assert.Equal(t, n, s.NoOp)
			assert.Equal(t, m-n, s.Create)
			applied := make(map[string]bool, n)
			for _, op := range first.Operations[:n] {
				applied[op.ResourceID] = true
			}
			for _, op := range p.Operations {
				assert.Equal(t, applied[op.ResourceID], op.Kind == OpNoOp, op.ResourceID)
			}
		})
	}
}

func TestEqualNormalizesNumbers(t *testing.T) {
	assert.True(t, Equal(512, json.Number("512")))
	assert.True(t, Equal(json.Number("30.0"), 30))
	assert.True(t, Equal(int64(7), 7.0))
	assert.False(t, Equal("512", 512))
	assert.False(t, Equal(512, 1024))
	assert.True(t, Equal([]string{"/a", "/b"}, []any{"/a", "/b"}))
	assert.False(t, Equal([]string{"/a", "/b"}, []any{"/b", "/a"}))
	assert.True(t, Equal(map[string]string{}, nil))
	assert.True(t, Equal(map[string]string{"k": "v"}, map[string]any{"k": "v"}))
	assert.False(t, Equal(iac.Unknown, iac.Unknown))
}

func TestRenderPlan(t *testing.T) {
	p, err := Diff(graphFor(t, spec("clubhouse", 512)), state.Records{})
	require.NoError(t, err)

	var text bytes.Buffer
	require.NoError(t, p.WriteText(&text, false))
	assert.Contains(t, text.String(), "+   aws_ecr_repository.clubhouse (widget-clubhouse)")
	assert.Contains(t, text.String(), "Plan: 9 to create, 0 to update, 0 to replace, 0 to destroy, 0 unchanged.")

	var out bytes.Buffer
	require.NoError(t, p.WriteJSON(&out))
	var view View
	require.NoError(t, json.Unmarshal(out.Bytes(), &view))
	assert.Equal(t, 9, view.Summary.Create)
	assert.Equal(t, OpCreate, view.Operations[0].Action)

	empty := &Plan{}
	text.Reset()
	require.NoError(t, empty.WriteText(&text, false))
	assert.Contains(t, text.String(), "No changes.")
}

// ruleSteps lists the mutating listener rule operations as widget=priority in
// plan order.
func ruleSteps(p *Plan) []string {
	var out []string
	for _, op := range p.Changes() {
		if op.ResourceKind != iac.KindListenerRule || op.Kind == OpDestroy {
			continue
		}
		out = append(out, fmt.Sprintf("%s=%v", op.Widget, op.Desired[iac.AttrPriority]))
	}
	return out
}

func TestPriorityClaimsWaitForTheHolderToMove(t *testing.T) {
	before := graphFor(t, spec("clubhouse", 512), spec("flashcard", 512))
	first, err := Diff(before, state.Records{})
	require.NoError(t, err)
	records := applyOps(t, state.Records{}, first.Operations)

	after := graphFor(t, spec("foo", 512), spec("clubhouse", 512), spec("flashcard", 512))
	p, err := Diff(after, records)
	require.NoError(t, err)

	assert.Equal(t, []string{"flashcard=300", "clubhouse=200", "foo=100"}, ruleSteps(p))
	idx := indexOf(p)
	assert.Greater(t, idx[iac.Address(iac.KindListenerRule, "foo")], idx[iac.Address(iac.KindTargetGroup, "foo")])
	assert.Equal(t, Summary{Create: 9, Update: 2, NoOp: 16}, p.Summary())

	records = applyOps(t, records, p.Operations)
	again, err := Diff(after, records)
	require.NoError(t, err)
	assert.True(t, again.Empty())
}

func TestPrioritySwapParksOneRule(t *testing.T) {
	before := graphFor(t, spec("clubhouse", 512), spec("flashcard", 512))
	first, err := Diff(before, state.Records{})
	require.NoError(t, err)
	records := applyOps(t, state.Records{}, first.Operations)

	after := graphFor(t, spec("flashcard", 512), spec("clubhouse", 512))
	p, err := Diff(after, records)
	require.NoError(t, err)

	assert.Equal(t, []string{"flashcard=50000", "clubhouse=200", "flashcard=100"}, ruleSteps(p))
	assert.Equal(t, Summary{Update: 2, NoOp: 16}, p.Summary(), "the interim step is not counted")

	var interim []*Operation
	for _, op := range p.Operations {
		if op.Interim {
			interim = append(interim, op)
		}
	}
	require.Len(t, interim, 1)
	assert.Equal(t, OpUpdateInPlace, interim[0].Kind)
	assert.Equal(t, []string{iac.AttrPriority}, interim[0].Changed)
	assert.Equal(t, iac.Address(iac.KindListenerRule, "flashcard"), interim[0].ResourceID)

	var out bytes.Buffer
	require.NoError(t, p.WriteText(&out, false))
	assert.Contains(t, out.String(), "(interim priority 50000)")

	records = applyOps(t, records, p.Operations)
	again, err := Diff(after, records)
	require.NoError(t, err)
	assert.True(t, again.Empty())
}

func TestPriorityShiftDownNeedsNoInterimStep(t *testing.T) {
	before := graphFor(t, spec("foo", 512), spec("clubhouse", 512), spec("flashcard", 512))
	first, err := Diff(before, state.Records{})
	require.NoError(t, err)
	records := applyOps(t, state.Records{}, first.Operations)

	after := graphFor(t, spec("clubhouse", 512), spec("flashcard", 512))
	p, err := Diff(after, records)
	require.NoError(t, err)

	assert.Equal(t, []string{"clubhouse=100", "flashcard=200"}, ruleSteps(p))
	for _, op := range p.Operations {
		assert.False(t, op.Interim, op.ResourceID)
	}
}
