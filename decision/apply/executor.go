package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
	"slugger-infra/decision/plan"
	rerrors "slugger-infra/pkg/errors"
)

var tracer = otel.Tracer("slugger.apply")

// RetryPolicy bounds retries of transient provisioner failures.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy retries up to 5 attempts, 1s doubling to at most 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 5}
}

// Options configures an Executor.
type Options struct {
	// Parallelism > 1 runs independent components concurrently, at most
	// Parallelism at a time. Sequential otherwise.
	Parallelism int
	Retry       RetryPolicy
	Logger      *slog.Logger
	Metrics     *Metrics
	Journal     Journal
}

// OpResult reports one operation of a run.
type OpResult struct {
	ResourceID string           `json:"resource_id"`
	Kind       iac.ResourceKind `json:"kind"`
	Action     plan.OpKind      `json:"action"`
	Outcome    string           `json:"outcome"`
	Identity   string           `json:"identity,omitempty"`
	Attempts   int              `json:"attempts"`
	Error      string           `json:"error,omitempty"`
	Duration   time.Duration    `json:"duration"`
}

// Result reports a run. Completed operations stay applied whatever happened
// after them.
type Result struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Completed []OpResult    `json:"completed"`
	Failed    []OpResult    `json:"failed,omitempty"`
	Skipped   []OpResult    `json:"skipped,omitempty"`
	Cancelled bool          `json:"cancelled"`
	// Records is the state as last saved.
	Records state.Records `json:"-"`
}

// Partial reports whether some but not all operations were applied.
func (r *Result) Partial() bool {
	return len(r.Failed) > 0 || len(r.Skipped) > 0 || r.Cancelled
}

// Executor applies plans.
type Executor struct {
	provisioner Provisioner
	store       *state.Store
	opts        Options
	logger      *slog.Logger
	metrics     *Metrics
}

// NewExecutor creates an executor. The store must have loaded the records the
// plan was computed from.
func NewExecutor(provisioner Provisioner, store *state.Store, opts Options) *Executor {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Executor{
		provisioner: provisioner,
		store:       store,
		opts:        opts,
		logger:      logger,
		metrics:     metrics,
	}
}

// run is the mutable state of one Apply call.
type run struct {
	id      string
	mu      sync.Mutex
	records state.Records
	result  *Result
	halted  atomic.Bool
	failure error
}

// Apply executes the plan's mutating operations in order. On a permanent
// failure it stops starting operations and returns the failure; completed
// operations are never rolled back. Cancelling ctx stops before the next
// operation; an operation in flight always finishes and is saved.
func (e *Executor) Apply(ctx context.Context, p *plan.Plan, records state.Records) (*Result, error) {
	r := &run{
		id:      uuid.NewString(),
		records: records.Clone(),
		result:  &Result{StartedAt: time.Now().UTC()},
	}
	r.result.RunID = r.id

	ctx, span := tracer.Start(ctx, "apply.Run", trace.WithAttributes(
		attribute.String("run.id", r.id),
		attribute.Int("operations", len(p.Changes())),
		attribute.Int("parallelism", e.opts.Parallelism),
	))
	defer span.End()

	logger := e.logger.With("run_id", r.id)
	logger.Info("apply started", "operations", len(p.Changes()), "parallelism", e.opts.Parallelism)

	ops := p.Changes()
	if e.opts.Parallelism > 1 {
		groups := components(ops)
		var g errgroup.Group
		g.SetLimit(e.opts.Parallelism)
		for _, group := range groups {
			g.Go(func() error {
				e.runSequence(ctx, r, group, logger)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		e.runSequence(ctx, r, ops, logger)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Duration = time.Since(r.result.StartedAt)
	r.result.Records = r.records.Clone()

	err := r.failure
	if err == nil && r.result.Cancelled {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("apply stopped",
			"completed", len(r.result.Completed),
			"failed", len(r.result.Failed),
			"skipped", len(r.result.Skipped),
			"error", err)
		return r.result, err
	}
	logger.Info("apply finished", "completed", len(r.result.Completed), "duration", r.result.Duration)
	return r.result, nil
}

func (e *Executor) runSequence(ctx context.Context, r *run, ops []*plan.Operation, logger *slog.Logger) {
	for i, op := range ops {
		switch {
		case r.halted.Load():
			e.skip(r, ops[i:], OutcomeSkipped)
			return
		case ctx.Err() != nil:
			r.mu.Lock()
			r.result.Cancelled = true
			r.mu.Unlock()
			e.skip(r, ops[i:], OutcomeCancelled)
			return
		}

		res, err := e.execute(ctx, r, op, logger)
		r.mu.Lock()
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Error = err.Error()
			r.result.Failed = append(r.result.Failed, res)
			if r.failure == nil {
				r.failure = err
			}
			r.mu.Unlock()
			r.halted.Store(true)
			e.skip(r, ops[i+1:], OutcomeSkipped)
			return
		}
		res.Outcome = OutcomeApplied
		r.result.Completed = append(r.result.Completed, res)
		r.mu.Unlock()
	}
}

func (e *Executor) skip(r *run, ops []*plan.Operation, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range ops {
		r.result.Skipped = append(r.result.Skipped, OpResult{
			ResourceID: op.ResourceID,
			Kind:       op.ResourceKind,
			Action:     op.Kind,
			Outcome:    outcome,
		})
		e.metrics.operations.WithLabelValues(string(op.Kind), string(op.ResourceKind), outcome).Inc()
	}
}

// execute runs one operation. References are resolved against the records
// saved so far in this run, so identities created earlier are visible.
func (e *Executor) execute(ctx context.Context, r *run, op *plan.Operation, logger *slog.Logger) (OpResult, error) {
	start := time.Now()
	res := OpResult{ResourceID: op.ResourceID, Kind: op.ResourceKind, Action: op.Kind}

	ctx, span := tracer.Start(ctx, "apply."+string(op.Kind), trace.WithAttributes(
		attribute.String("resource.id", op.ResourceID),
		attribute.String("resource.kind", string(op.ResourceKind)),
		attribute.String("widget", op.Widget),
	))
	defer span.End()

	logger = logger.With("resource_id", op.ResourceID, "action", string(op.Kind))
	logger.Info("operation started")

	err := e.perform(ctx, r, op, &res, logger)
	res.Duration = time.Since(start)
	e.metrics.duration.WithLabelValues(string(op.Kind), string(op.ResourceKind)).Observe(res.Duration.Seconds())

	outcome := OutcomeApplied
	if err != nil {
		outcome = OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("operation failed", "attempts", res.Attempts, "error", err)
	} else {
		logger.Info("operation applied", "identity", res.Identity, "attempts", res.Attempts, "duration", res.Duration)
	}
	e.metrics.operations.WithLabelValues(string(op.Kind), string(op.ResourceKind), outcome).Inc()
	return res, err
}

func (e *Executor) perform(ctx context.Context, r *run, op *plan.Operation, res *OpResult, logger *slog.Logger) error {
	switch op.Kind {
	case plan.OpDestroy:
		if err := e.destroy(ctx, r, op, res, logger); err != nil {
			return err
		}
		return e.forget(ctx, r, op.ResourceID)

	case plan.OpReplace:
		if err := e.destroy(ctx, r, op, res, logger); err != nil {
			return err
		}
		if err := e.forget(ctx, r, op.ResourceID); err != nil {
			return err
		}
		return e.create(ctx, r, op, res, logger)

	case plan.OpCreate:
		return e.create(ctx, r, op, res, logger)

	case plan.OpUpdateInPlace:
		node, err := e.resolve(r, op)
		if err != nil {
			return err
		}
		prior := r.latest(op)
		identity, err := e.retry(ctx, r, op, "update", res, logger, func(ctx context.Context) (string, error) {
			return e.provisioner.Update(ctx, node, prior)
		})
		if err != nil {
			return err
		}
		return e.remember(ctx, r, op, node, identity, res)

	default:
		return fmt.Errorf("unsupported operation %s for %s", op.Kind, op.ResourceID)
	}
}

func (e *Executor) create(ctx context.Context, r *run, op *plan.Operation, res *OpResult, logger *slog.Logger) error {
	node, err := e.resolve(r, op)
	if err != nil {
		return err
	}
	identity, err := e.retry(ctx, r, op, "create", res, logger, func(ctx context.Context) (string, error) {
		return e.provisioner.Create(ctx, node)
	})
	if err != nil {
		return err
	}
	return e.remember(ctx, r, op, node, identity, res)
}

func (e *Executor) destroy(ctx context.Context, r *run, op *plan.Operation, res *OpResult, logger *slog.Logger) error {
	if op.Prior == nil {
		return nil
	}
	_, err := e.retry(ctx, r, op, "destroy", res, logger, func(ctx context.Context) (string, error) {
		return "", e.provisioner.Destroy(ctx, op.Prior)
	})
	return err
}

// resolve returns a copy of the operation's node with every reference
// replaced by an identity recorded in this run.
func (e *Executor) resolve(r *run, op *plan.Operation) (*iac.ResourceNode, error) {
	r.mu.Lock()
	attrs := iac.Resolve(op.Node.Attributes, r.records.Identity)
	r.mu.Unlock()
	if iac.ContainsUnknown(attrs) {
		return nil, &rerrors.PermanentProviderError{
			ResourceID: op.ResourceID,
			Operation:  string(op.Kind),
			ReasonCode: "UnresolvedReference",
			Err:        fmt.Errorf("references %v are not recorded in state", iac.References(op.Node.Attributes)),
		}
	}
	node := *op.Node
	node.Attributes = attrs
	return &node, nil
}

// retry calls fn until it succeeds, fails permanently or runs out of
// attempts. Cancellation is ignored here: an operation that has started runs
// to its outcome.
func (e *Executor) retry(ctx context.Context, r *run, op *plan.Operation, call string, res *OpResult, logger *slog.Logger, fn func(context.Context) (string, error)) (string, error) {
	ctx = context.WithoutCancel(ctx)
	policy := e.opts.Retry
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.Base
	eb.MaxInterval = policy.Cap
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2

	attempt := 0
	operation := func() (string, error) {
		attempt++
		res.Attempts++
		started := time.Now()
		e.metrics.attempts.WithLabelValues(call, string(op.ResourceKind)).Inc()

		identity, err := fn(ctx)
		entry := Entry{
			RunID:      r.id,
			ResourceID: op.ResourceID,
			Kind:       op.ResourceKind,
			Widget:     op.Widget,
			Action:     call,
			Attempt:    attempt,
			Outcome:    OutcomeApplied,
			Identity:   identity,
			StartedAt:  started.UTC(),
			Duration:   time.Since(started),
		}
		if err != nil {
			entry.Outcome = OutcomeFailed
			entry.Message = err.Error()
			var classified rerrors.Classified
			if errors.As(err, &classified) {
				entry.ErrorCode = classified.Code()
			}
			var permanent *rerrors.PermanentProviderError
			if errors.As(err, &permanent) {
				entry.ErrorCode = permanent.ReasonCode
			}
			if rerrors.IsTransient(err) && attempt < policy.MaxAttempts {
				entry.Outcome = OutcomeRetried
			}
		}
		e.journal(ctx, entry, logger)

		if err == nil {
			return identity, nil
		}
		if rerrors.IsTransient(err) {
			return "", err
		}
		return "", backoff.Permanent(err)
	}

	identity, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("transient failure, retrying",
				"call", call,
				"attempt", attempt,
				"max_attempts", policy.MaxAttempts,
				"delay", next,
				"error", err)
		}),
	)
	if err != nil {
		return "", err
	}
	return identity, nil
}

func (e *Executor) journal(ctx context.Context, entry Entry, logger *slog.Logger) {
	if e.opts.Journal == nil {
		return
	}
	if err := e.opts.Journal.Record(ctx, entry); err != nil {
		logger.Warn("failed to record journal entry", "error", err)
	}
}

// remember records a created or updated resource and saves state.
func (e *Executor) remember(ctx context.Context, r *run, op *plan.Operation, node *iac.ResourceNode, identity string, res *OpResult) error {
	res.Identity = identity
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[op.ResourceID] = &state.Record{
		ResourceID:          op.ResourceID,
		Kind:                op.ResourceKind,
		Widget:              op.Widget,
		RemoteIdentity:      identity,
		LastKnownAttributes: node.Attributes,
		DependsOn:           node.Dependencies(),
		UpdatedAt:           time.Now().UTC(),
	}
	return e.save(ctx, r)
}

// latest returns the resource's record as of this point in the run. An
// interim step earlier in the run may have replaced the planned one.
func (r *run) latest(op *plan.Operation) *state.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[op.ResourceID]; ok {
		return rec
	}
	return op.Prior
}

// forget removes a destroyed resource and saves state.
func (e *Executor) forget(ctx context.Context, r *run, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return e.save(ctx, r)
}

// save persists the run's records. Callers hold r.mu, which serializes writes.
func (e *Executor) save(ctx context.Context, r *run) error {
	if err := e.store.Save(context.WithoutCancel(ctx), r.records.Clone()); err != nil {
		e.metrics.stateWrites.WithLabelValues("error").Inc()
		return err
	}
	e.metrics.stateWrites.WithLabelValues("ok").Inc()
	return nil
}
