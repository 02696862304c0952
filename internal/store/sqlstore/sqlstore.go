// Package sqlstore implements store.Store over database/sql for SQLite and
// Postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cofretracker/cofre_tracker/internal/store"
)

// Dialect selects placeholder style and column types.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) rebind(q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) schema() []string {
	blob, bigint := "BLOB", "INTEGER"
	if d == Postgres {
		blob, bigint = "BYTEA", "BIGINT"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS scan_queue (
			id          TEXT PRIMARY KEY,
			batch_id    TEXT NOT NULL,
			payload     ` + blob + ` NOT NULL,
			enqueued_at ` + bigint + ` NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_queue_batch ON scan_queue (batch_id)`,
	}
}

const selectColumns = `SELECT id, batch_id, payload, enqueued_at, retry_count FROM scan_queue`

type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database. The store owns db and closes it on Close.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Migrate creates the queue table and its batch index if missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect, err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, rec store.Record) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO scan_queue (id, batch_id, payload, enqueued_at, retry_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		rec.ID, rec.BatchID, rec.Payload, rec.EnqueuedAt, rec.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.ID, err)
	}
	if n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(selectColumns+` WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("get %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context) ([]store.Record, error) {
	return s.query(ctx, selectColumns+` ORDER BY enqueued_at, id`)
}

func (s *Store) ListByBatch(ctx context.Context, batchID string) ([]store.Record, error) {
	return s.query(ctx, selectColumns+` WHERE batch_id = ? ORDER BY enqueued_at, id`, batchID)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	out := []store.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, rec store.Record) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE scan_queue
		SET batch_id = ?, payload = ?, enqueued_at = ?, retry_count = ?
		WHERE id = ?`),
		rec.BatchID, rec.Payload, rec.EnqueuedAt, rec.RetryCount, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.ID, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM scan_queue WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scan_queue`); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(r rowScanner) (store.Record, error) {
	var rec store.Record
	err := r.Scan(&rec.ID, &rec.BatchID, &rec.Payload, &rec.EnqueuedAt, &rec.RetryCount)
	return rec, err
}
