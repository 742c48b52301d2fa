package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slugger-infra/db/clickhouse"
	"slugger-infra/decision/apply"
	"slugger-infra/decision/iac"
)

type fakeWriter struct {
	batches [][]*clickhouse.JournalEntry
	err     error
}

func (w *fakeWriter) InsertEntries(_ context.Context, entries []*clickhouse.JournalEntry) error {
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, append([]*clickhouse.JournalEntry(nil), entries...))
	return nil
}

func entry(attempt int, outcome string) apply.Entry {
	return apply.Entry{
		RunID:      "run-1",
		ResourceID: "aws_lambda_function.clubhouse",
		Kind:       iac.KindLambdaFunction,
		Widget:     "clubhouse",
		Action:     "create",
		Attempt:    attempt,
		Outcome:    outcome,
		StartedAt:  time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
		Duration:   250 * time.Millisecond,
	}
}

func TestRecordFlushesFullBatches(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{}
	a := NewClickHouseAdapter(w, 2)

	require.NoError(t, a.Record(ctx, entry(1, apply.OutcomeRetried)))
	assert.Empty(t, w.batches)
	require.NoError(t, a.Record(ctx, entry(2, apply.OutcomeRetried)))
	require.Len(t, w.batches, 1)
	require.NoError(t, a.Record(ctx, entry(3, apply.OutcomeApplied)))

	written, pending := a.Stats()
	assert.Equal(t, 2, written)
	assert.Equal(t, 1, pending)

	require.NoError(t, a.Flush(ctx))
	require.Len(t, w.batches, 2)
	last := w.batches[1][0]
	assert.Equal(t, "LambdaFunction", last.Kind)
	assert.Equal(t, uint16(3), last.Attempt)
	assert.Equal(t, apply.OutcomeApplied, last.Outcome)
	assert.Equal(t, 250*time.Millisecond, last.Duration)
}

func TestFailedFlushKeepsEntries(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{err: errors.New("connection refused")}
	a := NewClickHouseAdapter(w, 0)

	require.NoError(t, a.Record(ctx, entry(1, apply.OutcomeFailed)))
	assert.Error(t, a.Flush(ctx))
	_, pending := a.Stats()
	assert.Equal(t, 1, pending)

	w.err = nil
	require.NoError(t, a.Flush(ctx))
	written, pending := a.Stats()
	assert.Equal(t, 1, written)
	assert.Equal(t, 0, pending)
}
