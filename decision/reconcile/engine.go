// Package reconcile runs the reconciliation pipeline: compose routing, build
// the desired graph, validate it, diff it against recorded state and apply
// the difference.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"slugger-infra/db/state"
	"slugger-infra/decision/apply"
	"slugger-infra/decision/iac"
	"slugger-infra/decision/plan"
	"slugger-infra/decision/policy"
	"slugger-infra/decision/routing"
	"slugger-infra/decision/widget"
)

// Engine is the reconciliation engine
type Engine struct {
	backend     state.Backend
	provisioner apply.Provisioner
	describer   policy.Describer
	policies    *policy.Engine
	options     apply.Options
	logger      *slog.Logger
}

// NewEngine creates a reconciliation engine over a state backend. The
// provisioner may be nil for engines that only plan and validate.
func NewEngine(backend state.Backend, provisioner apply.Provisioner, options apply.Options) *Engine {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	options.Logger = logger
	e := &Engine{
		backend:     backend,
		provisioner: provisioner,
		policies:    policy.NewEngine(),
		options:     options,
		logger:      logger,
	}
	if d, ok := provisioner.(policy.Describer); ok {
		e.describer = d
	}
	return e
}

// WithDescriber sets the source of live attributes for drift verification.
func (e *Engine) WithDescriber(d policy.Describer) *Engine {
	e.describer = d
	return e
}

// WithPolicies replaces the policy engine.
func (e *Engine) WithPolicies(p *policy.Engine) *Engine {
	e.policies = p
	return e
}

// Desired is the desired state derived from a configuration.
type Desired struct {
	Specs []widget.Spec  `json:"widgets"`
	Table *routing.Table `json:"routing"`
	Graph *iac.Graph     `json:"-"`
}

// Prepare composes the routing table and builds the desired graph. cfg must
// already be normalized.
func Prepare(cfg *widget.Config) (*Desired, error) {
	table, err := routing.Compose(cfg.Widgets, routing.BandFrom(cfg.PriorityBand), cfg.Discovered.ListenerARN)
	if err != nil {
		return nil, err
	}
	graph, err := iac.NewGraphBuilder(cfg.Discovered).Build(cfg.Widgets, table)
	if err != nil {
		return nil, err
	}
	return &Desired{Specs: cfg.Widgets, Table: table, Graph: graph}, nil
}

// Validate prepares the desired state and evaluates every policy against it.
// The returned error is non-nil when a policy denies the configuration.
func (e *Engine) Validate(ctx context.Context, cfg *widget.Config) (*Desired, *policy.EvaluationResult, error) {
	desired, err := Prepare(cfg)
	if err != nil {
		return nil, nil, err
	}
	result, err := e.policies.Evaluate(ctx, policy.EvaluationRequest{
		Graph: desired.Graph,
		Specs: desired.Specs,
		Table: desired.Table,
	})
	if err != nil {
		return desired, nil, err
	}
	for _, w := range result.Warnings {
		e.logger.Warn("policy warning", "policy", w.PolicyID, "resource", w.ResourceID, "message", w.Message)
	}
	return desired, result, result.Err()
}

// PlanResult is a validated plan and the state it was computed against.
type PlanResult struct {
	ID          uuid.UUID                `json:"id"`
	GeneratedAt time.Time                `json:"generated_at"`
	Desired     *Desired                 `json:"desired"`
	Policy      *policy.EvaluationResult `json:"policy"`
	Plan        *plan.Plan               `json:"-"`
	Records     state.Records            `json:"-"`

	store *state.Store
}

// Plan validates cfg and diffs it against recorded state. Nothing is
// provisioned.
func (e *Engine) Plan(ctx context.Context, cfg *widget.Config) (*PlanResult, error) {
	desired, evaluation, err := e.Validate(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store := state.NewStore(e.backend)
	records, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	p, err := plan.Diff(desired.Graph, records)
	if err != nil {
		return nil, err
	}

	summary := p.Summary()
	e.logger.Info("plan computed",
		"state", store.Location(),
		"create", summary.Create,
		"update", summary.Update,
		"replace", summary.Replace,
		"destroy", summary.Destroy,
		"unchanged", summary.NoOp,
	)
	return &PlanResult{
		ID:          uuid.New(),
		GeneratedAt: time.Now().UTC(),
		Desired:     desired,
		Policy:      evaluation,
		Plan:        p,
		Records:     records,
		store:       store,
	}, nil
}

// ApplyResult pairs an executed plan with its report.
type ApplyResult struct {
	Plan   *PlanResult
	Result *apply.Result
}

// Apply plans cfg and executes the plan. Validation failures return before
// any operation runs. An execution failure returns the partial report
// together with the error.
func (e *Engine) Apply(ctx context.Context, cfg *widget.Config) (*ApplyResult, error) {
	if e.provisioner == nil {
		return nil, fmt.Errorf("apply needs a provisioner")
	}
	planned, err := e.Plan(ctx, cfg)
	if err != nil {
		return nil, err
	}
	out := &ApplyResult{Plan: planned}
	if planned.Plan.Empty() {
		e.logger.Info("nothing to apply")
		out.Result = &apply.Result{RunID: planned.ID.String(), StartedAt: time.Now().UTC(), Records: planned.Records}
		return out, nil
	}

	executor := apply.NewExecutor(e.provisioner, planned.store, e.options)
	out.Result, err = executor.Apply(ctx, planned.Plan, planned.Records)
	return out, err
}

// VerifyLive checks the policies against recorded state, refreshed through
// the describer when one is available.
func (e *Engine) VerifyLive(ctx context.Context, cfg *widget.Config) (*policy.EvaluationResult, error) {
	records, err := e.State(ctx)
	if err != nil {
		return nil, err
	}
	result, err := e.policies.VerifyLive(ctx, cfg.Widgets, records, e.describer)
	if err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		e.logger.Warn("verification warning", "policy", w.PolicyID, "resource", w.ResourceID, "message", w.Message)
	}
	return result, result.Err()
}

// State returns the recorded resources.
func (e *Engine) State(ctx context.Context) (state.Records, error) {
	return state.NewStore(e.backend).Load(ctx)
}
