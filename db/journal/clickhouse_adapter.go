// Package journal adapts the apply executor's journal to ClickHouse storage.
package journal

import (
	"context"
	"fmt"
	"sync"

	"slugger-infra/db/clickhouse"
	"slugger-infra/decision/apply"
)

// DefaultBatchSize is the number of entries buffered before a flush.
const DefaultBatchSize = 100

// Writer persists journal rows
type Writer interface {
	InsertEntries(ctx context.Context, entries []*clickhouse.JournalEntry) error
}

var _ Writer = (*clickhouse.Store)(nil)

// ClickHouseAdapter buffers executor journal entries and writes them in
// batches. Callers Flush once a run ends.
type ClickHouseAdapter struct {
	writer    Writer
	batchSize int

	mu      sync.Mutex
	pending []*clickhouse.JournalEntry
	written int
}

var _ apply.Journal = (*ClickHouseAdapter)(nil)

// NewClickHouseAdapter creates a new ClickHouse adapter
func NewClickHouseAdapter(writer Writer, batchSize int) *ClickHouseAdapter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &ClickHouseAdapter{writer: writer, batchSize: batchSize}
}

// Record buffers an entry, flushing when the batch is full.
func (a *ClickHouseAdapter) Record(ctx context.Context, e apply.Entry) error {
	a.mu.Lock()
	a.pending = append(a.pending, &clickhouse.JournalEntry{
		RunID:      e.RunID,
		ResourceID: e.ResourceID,
		Kind:       string(e.Kind),
		Widget:     e.Widget,
		Action:     e.Action,
		Attempt:    uint16(e.Attempt),
		Outcome:    e.Outcome,
		ErrorCode:  e.ErrorCode,
		Message:    e.Message,
		Identity:   e.Identity,
		StartedAt:  e.StartedAt,
		Duration:   e.Duration,
	})
	full := len(a.pending) >= a.batchSize
	a.mu.Unlock()

	if full {
		return a.Flush(ctx)
	}
	return nil
}

// Flush writes every buffered entry. Entries stay buffered when the write
// fails.
func (a *ClickHouseAdapter) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return nil
	}
	if err := a.writer.InsertEntries(ctx, a.pending); err != nil {
		return fmt.Errorf("failed to write %d journal entries: %w", len(a.pending), err)
	}
	a.written += len(a.pending)
	a.pending = nil
	return nil
}

// Stats returns the number of entries written and still buffered.
func (a *ClickHouseAdapter) Stats() (written, pending int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written, len(a.pending)
}
