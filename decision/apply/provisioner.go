// Package apply executes a plan against a provisioner, persisting state after
// every successful operation.
package apply

import (
	"context"
	"time"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
)

// Provisioner creates, updates and destroys remote resources. Nodes passed in
// carry fully resolved attributes. Implementations return
// rerrors.TransientProviderError for failures worth retrying and
// rerrors.PermanentProviderError otherwise.
type Provisioner interface {
	// Create creates the resource and returns its remote identity.
	Create(ctx context.Context, node *iac.ResourceNode) (string, error)
	// Update changes a resource in place and returns its remote identity.
	Update(ctx context.Context, node *iac.ResourceNode, prior *state.Record) (string, error)
	// Destroy deletes the resource. A resource that no longer exists is not an
	// error.
	Destroy(ctx context.Context, prior *state.Record) error
}

// Outcome of one operation attempt.
const (
	OutcomeApplied   = "applied"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeCancelled = "cancelled"
)

// Entry is one journal line.
type Entry struct {
	RunID      string
	ResourceID string
	Kind       iac.ResourceKind
	Widget     string
	Action     string
	Attempt    int
	Outcome    string
	ErrorCode  string
	Message    string
	Identity   string
	StartedAt  time.Time
	Duration   time.Duration
}

// Journal records every operation attempt of a run. Journal failures are
// logged and never fail the run.
type Journal interface {
	Record(ctx context.Context, entry Entry) error
}
