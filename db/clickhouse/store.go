// Package clickhouse provides the ClickHouse store of the apply journal.
// Every operation attempt of every run is one row, kept for auditing runs and
// analysing provider failures over time.
package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
)

// JournalEntry is one row of the apply journal
type JournalEntry struct {
	ID         uuid.UUID     `ch:"id"`
	RunID      string        `ch:"run_id"`
	ResourceID string        `ch:"resource_id"`
	Kind       string        `ch:"kind"`
	Widget     string        `ch:"widget"`
	Action     string        `ch:"action"`
	Attempt    uint16        `ch:"attempt"`
	Outcome    string        `ch:"outcome"`
	ErrorCode  string        `ch:"error_code"`
	Message    string        `ch:"message"`
	Identity   string        `ch:"identity"`
	StartedAt  time.Time     `ch:"started_at"`
	Duration   time.Duration `ch:"-"`
	CreatedAt  time.Time     `ch:"created_at"`
}

// RunSummary aggregates the journal of one run
type RunSummary struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Attempts  uint64    `json:"attempts"`
	Applied   uint64    `json:"applied"`
	Failed    uint64    `json:"failed"`
}

// Config holds ClickHouse connection configuration
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Table    string
	Debug    bool
}

// DefaultConfig returns default development configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     9000,
		Database: "slugger",
		Username: "default",
		Password: "",
		Table:    "apply_journal",
		Debug:    false,
	}
}

// Store reads and writes the apply journal
type Store struct {
	conn  clickhouse.Conn
	cfg   *Config
	table string
}

// NewStore creates a new ClickHouse journal store
func NewStore(cfg *Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = DefaultConfig().Table
	}
	return &Store{conn: conn, cfg: cfg, table: table}, nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// EnsureSchema creates the journal table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          UUID,
			run_id      String,
			resource_id String,
			kind        LowCardinality(String),
			widget      String,
			action      LowCardinality(String),
			attempt     UInt16,
			outcome     LowCardinality(String),
			error_code  String,
			message     String,
			identity    String,
			started_at  DateTime64(3),
			duration_ms UInt64,
			created_at  DateTime64(3)
		) ENGINE = MergeTree
		ORDER BY (run_id, started_at, resource_id)
	`, s.table)
	if err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create journal table: %w", err)
	}
	return nil
}

// =============================================================================
// JOURNAL OPERATIONS
// =============================================================================

// InsertEntries appends entries using a batch insert
func (s *Store) InsertEntries(ctx context.Context, entries []*JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			id, run_id, resource_id, kind, widget, action, attempt, outcome,
			error_code, message, identity, started_at, duration_ms, created_at
		)
	`, s.table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	now := time.Now().UTC()
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if err := batch.Append(
			e.ID, e.RunID, e.ResourceID, e.Kind, e.Widget, e.Action, e.Attempt, e.Outcome,
			e.ErrorCode, e.Message, e.Identity, e.StartedAt, uint64(e.Duration.Milliseconds()), now,
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// ListRun returns the journal of one run in the order attempts started
func (s *Store) ListRun(ctx context.Context, runID string) ([]*JournalEntry, error) {
	query := fmt.Sprintf(`
		SELECT id, run_id, resource_id, kind, widget, action, attempt, outcome,
			   error_code, message, identity, started_at, duration_ms, created_at
		FROM %s
		WHERE run_id = ?
		ORDER BY started_at, resource_id, attempt
	`, s.table)
	rows, err := s.conn.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run %s: %w", runID, err)
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		var e JournalEntry
		var durationMs uint64
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.ResourceID, &e.Kind, &e.Widget, &e.Action, &e.Attempt, &e.Outcome,
			&e.ErrorCode, &e.Message, &e.Identity, &e.StartedAt, &durationMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// RecentRuns summarizes the latest runs, newest first
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`
		SELECT run_id,
			   min(started_at)              AS started,
			   count()                      AS attempts,
			   countIf(outcome = 'applied') AS applied,
			   countIf(outcome = 'failed')  AS failed
		FROM %s
		GROUP BY run_id
		ORDER BY started DESC
		LIMIT ?
	`, s.table)
	rows, err := s.conn.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.Attempts, &r.Applied, &r.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastFailure returns the most recent failed attempt on a resource, or nil
func (s *Store) LastFailure(ctx context.Context, resourceID string) (*JournalEntry, error) {
	query := fmt.Sprintf(`
		SELECT id, run_id, resource_id, kind, widget, action, attempt, outcome,
			   error_code, message, identity, started_at, duration_ms, created_at
		FROM %s
		WHERE resource_id = ? AND outcome = 'failed'
		ORDER BY started_at DESC
		LIMIT 1
	`, s.table)
	row := s.conn.QueryRow(ctx, query, resourceID)

	var e JournalEntry
	var durationMs uint64
	err := row.Scan(
		&e.ID, &e.RunID, &e.ResourceID, &e.Kind, &e.Widget, &e.Action, &e.Attempt, &e.Outcome,
		&e.ErrorCode, &e.Message, &e.Identity, &e.StartedAt, &durationMs, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last failure: %w", err)
	}
	e.Duration = time.Duration(durationMs) * time.Millisecond
	return &e, nil
}
