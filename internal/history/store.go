// Package history records full resync runs in PostgreSQL so operators can see
// when the index was last rebuilt and whether it finished.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jhgg/jeev-jiracache/pkg/postgres"
)

// Schema creates the resync_runs table.
const Schema = `
CREATE TABLE IF NOT EXISTS resync_runs (
    id          TEXT PRIMARY KEY,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    status      TEXT NOT NULL,
    indexed     INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS resync_runs_started_at ON resync_runs (started_at DESC);
`

const (
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// DB is satisfied by *sql.DB and *sql.Tx.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Run is one recorded resync.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Indexed    int        `json:"indexed"`
	Error      string     `json:"error,omitempty"`
}

// Store is a resync Reporter that writes each run to resync_runs. Write
// failures are logged and never interrupt the resync.
type Store struct {
	db     DB
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	current string
}

func NewStore(db DB) *Store {
	return &Store{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default().With("component", "resync-history"),
	}
}

// Migrate creates the table and marks runs left "running" by a previous
// process as abandoned.
func Migrate(ctx context.Context, client *postgres.Client) error {
	return client.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, Schema); err != nil {
			return fmt.Errorf("creating resync_runs: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE resync_runs SET status = $1 WHERE status = $2`,
			StatusAbandoned, StatusRunning,
		); err != nil {
			return fmt.Errorf("closing stale resync runs: %w", err)
		}
		return nil
	})
}

func (s *Store) Started(ctx context.Context) {
	started := s.now()
	id := strconv.FormatInt(started.UnixNano(), 36)
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()

	s.exec(ctx, "recording resync start",
		`INSERT INTO resync_runs (id, started_at, status) VALUES ($1, $2, $3)`,
		id, started, StatusRunning,
	)
}

func (s *Store) Progress(ctx context.Context, count int) {
	id := s.run()
	if id == "" {
		return
	}
	s.exec(ctx, "recording resync progress",
		`UPDATE resync_runs SET indexed = $2 WHERE id = $1`,
		id, count,
	)
}

func (s *Store) Done(ctx context.Context, count int) {
	s.finish(ctx, StatusDone, count, "")
}

func (s *Store) Failed(ctx context.Context, count int, err error) {
	s.finish(ctx, StatusFailed, count, err.Error())
}

func (s *Store) finish(ctx context.Context, status string, count int, msg string) {
	s.mu.Lock()
	id := s.current
	s.current = ""
	s.mu.Unlock()
	if id == "" {
		return
	}
	s.exec(ctx, "recording resync end",
		`UPDATE resync_runs SET status = $2, indexed = $3, error = $4, finished_at = $5 WHERE id = $1`,
		id, status, count, msg, s.now(),
	)
}

func (s *Store) run() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Store) exec(ctx context.Context, what, query string, args ...any) {
	// The resync context may already be cancelled when it ends; the record
	// still has to be written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error(what, "error", err)
	}
}

// Recent returns the last limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, status, indexed, error
		   FROM resync_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing resync runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0, limit)
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &r.Status, &r.Indexed, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning resync run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
