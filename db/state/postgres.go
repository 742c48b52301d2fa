package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/lib/pq"
)

// PostgresBackend stores snapshots as rows of a table, one row per state name.
// The write lock is a session advisory lock held on a dedicated connection.
type PostgresBackend struct {
	db    *sql.DB
	table string
	name  string
}

// NewPostgresBackend opens a connection pool and ensures the state table.
func NewPostgresBackend(ctx context.Context, dsn, table, name string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	b := &PostgresBackend{db: db, table: table, name: name}
	if err := b.createTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) createTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name       TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, pq.QuoteIdentifier(b.table))
	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create state table: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

func (b *PostgresBackend) Location() string {
	return fmt.Sprintf("postgres://%s/%s", b.table, b.name)
}

func (b *PostgresBackend) Read(ctx context.Context) ([]byte, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE name = $1`, pq.QuoteIdentifier(b.table))
	var data []byte
	err := b.db.QueryRowContext(ctx, query, b.name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

func (b *PostgresBackend) Write(ctx context.Context, data []byte) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (name, data, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		pq.QuoteIdentifier(b.table))
	if _, err := tx.ExecContext(ctx, query, b.name, data); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *PostgresBackend) Lock(ctx context.Context) (func() error, error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	key := b.lockKey()
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, err
	}
	if !acquired {
		conn.Close()
		return nil, fmt.Errorf("%w: advisory lock %d", ErrLocked, key)
	}
	return func() error {
		defer conn.Close()
		_, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		return err
	}, nil
}

func (b *PostgresBackend) lockKey() int64 {
	h := fnv.New64a()
	h.Write([]byte(b.table + "/" + b.name))
	return int64(h.Sum64())
}
