// Package history stores transcripts of executed runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/caffeineduck/pyedit/coordinator"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("run not found")

// Outcomes recorded for a run.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 50

// Run is one recorded execution.
type Run struct {
	ID        string              `json:"id"`
	SessionID string              `json:"session_id,omitempty"`
	Source    string              `json:"source"`
	Events    []coordinator.Event `json:"events"`
	Outcome   string              `json:"outcome"`
	Error     string              `json:"error,omitempty"`
	Duration  time.Duration       `json:"duration_ns"`
	CreatedAt time.Time           `json:"created_at"`
}

// FromResult builds a Run from a coordinator result.
func FromResult(sessionID, source string, res coordinator.Result) *Run {
	run := &Run{
		ID:        res.RunID,
		SessionID: sessionID,
		Source:    source,
		Events:    res.Events,
		Outcome:   OutcomeOK,
		Duration:  res.Duration,
	}
	switch {
	case res.Rejected():
		run.Outcome = OutcomeRejected
		run.Error = res.Error.Error()
	case res.Error != nil:
		run.Outcome = OutcomeError
		run.Error = coordinator.FormatError(res.Error)
	}
	return run
}

// Filter narrows List.
type Filter struct {
	SessionID string
	Limit     int
}

// Store is a SQLite-backed run log.
type Store struct {
	conn *sql.DB
	now  func() time.Time
}

// New opens the database at path (":memory:" for a private in-memory store)
// and runs migrations.
func New(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: pinging database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("history: %s: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, now: time.Now}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL DEFAULT '',
			source      TEXT NOT NULL,
			events      TEXT NOT NULL DEFAULT '[]',
			outcome     TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating runs table: %w", err)
	}
	return nil
}

// Save inserts run. CreatedAt is set when zero.
func (s *Store) Save(ctx context.Context, run *Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now().UTC()
	}
	events, err := json.Marshal(run.Events)
	if err != nil {
		return fmt.Errorf("history: encoding events: %w", err)
	}

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, source, events, outcome, error, duration_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.SessionID,
		run.Source,
		string(events),
		run.Outcome,
		run.Error,
		int64(run.Duration),
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("history: saving run: %w", err)
	}
	return nil
}

// Get returns one run or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, session_id, source, events, outcome, error, duration_ns, created_at
		 FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: getting run: %w", err)
	}
	return run, nil
}

// List returns runs newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT id, session_id, source, events, outcome, error, duration_ns, created_at FROM runs`
	args := []any{}
	if f.SessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, f.SessionID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: listing runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scanning run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterating runs: %w", err)
	}
	return runs, nil
}

// Prune deletes runs created before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("history: pruning runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		run      Run
		events   string
		duration int64
	)
	if err := sc.Scan(
		&run.ID,
		&run.SessionID,
		&run.Source,
		&events,
		&run.Outcome,
		&run.Error,
		&duration,
		&run.CreatedAt,
	); err != nil {
		return nil, err
	}
	run.Duration = time.Duration(duration)
	if err := json.Unmarshal([]byte(events), &run.Events); err != nil {
		return nil, fmt.Errorf("decoding events: %w", err)
	}
	return &run, nil
}
