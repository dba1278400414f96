package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/tarn/internal/model"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS environments (
    name       TEXT PRIMARY KEY,
    state      TEXT NOT NULL,
    port       INTEGER NOT NULL DEFAULT 0,
    launch_id  TEXT NOT NULL DEFAULT '',
    error      TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    exited_at  DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    environment TEXT NOT NULL,
    from_state  TEXT NOT NULL,
    to_state    TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_events_environment ON events (environment, id)`,
	`CREATE TABLE IF NOT EXISTS log_lines (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    environment TEXT NOT NULL,
    launch_id   TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    line        TEXT NOT NULL,
    created_at  DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_log_lines_environment ON log_lines (environment, launch_id, seq)`,
}

// ErrNotFound is returned when an environment is not found.
var ErrNotFound = errors.New("environment not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each pooled connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutEnvironment inserts e or resets the existing record of the same name,
// and records the registration as an event from the empty state.
func (s *SQLiteStore) PutEnvironment(ctx context.Context, e *model.Environment) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO environments (name, state, port, launch_id, error, created_at, updated_at, exited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state = excluded.state, port = excluded.port, launch_id = excluded.launch_id,
			error = excluded.error, created_at = excluded.created_at,
			updated_at = excluded.updated_at, exited_at = excluded.exited_at`,
		e.Name, e.State, e.Port, e.LaunchID, e.Error, e.CreatedAt, e.UpdatedAt, e.ExitedAt,
	)
	if err != nil {
		return fmt.Errorf("put environment: %w", err)
	}

	if err := insertEvent(ctx, tx, e.Name, "", e.State, "registered", now); err != nil {
		return err
	}

	return tx.Commit()
}

// GetEnvironment retrieves an environment by name.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, name string) (*model.Environment, error) {
	e, err := scanEnvironment(s.db.QueryRowContext(ctx,
		`SELECT name, state, port, launch_id, error, created_at, updated_at, exited_at
		FROM environments WHERE name = ?`, name,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get environment: %w", err)
	}
	return e, nil
}

// ListEnvironments returns every environment ordered by name.
func (s *SQLiteStore) ListEnvironments(ctx context.Context) ([]*model.Environment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, state, port, launch_id, error, created_at, updated_at, exited_at
		FROM environments ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var envs []*model.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		envs = append(envs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate environments: %w", err)
	}

	return envs, nil
}

// TransitionEnvironment moves an environment to state to. The transition is
// validated against the current state and recorded as an event in the same
// transaction.
func (s *SQLiteStore) TransitionEnvironment(ctx context.Context, name, to string, tr Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRowContext(ctx, "SELECT state FROM environments WHERE name = ?", name).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get environment state: %w", err)
	}

	if !model.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := time.Now().UTC()
	port, launchID := 0, ""
	if to == model.StateLaunched {
		port, launchID = tr.Port, tr.LaunchID
	}
	var exitedAt *time.Time
	if model.Terminal(to) {
		exitedAt = &now
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE environments SET state = ?, port = ?, launch_id = ?, error = ?, updated_at = ?, exited_at = ?
		WHERE name = ?`,
		to, port, launchID, tr.Error, now, exitedAt, name,
	)
	if err != nil {
		return fmt.Errorf("update environment state: %w", err)
	}

	detail := tr.Detail
	if detail == "" {
		detail = tr.Error
	}
	if err := insertEvent(ctx, tx, name, from, to, detail, now); err != nil {
		return err
	}

	return tx.Commit()
}

// ListEvents returns the lifecycle events of an environment, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, name string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, environment, from_state, to_state, detail, created_at
		FROM events WHERE environment = ? ORDER BY id ASC`, name,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(&ev.ID, &ev.Environment, &ev.From, &ev.To, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// InsertLogLine stores a single line drained from a worker.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, environment, launchID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO log_lines (environment, launch_id, seq, line, created_at) VALUES (?, ?, ?, ?, ?)`,
		environment, launchID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns an environment's log lines ordered by insertion.
func (s *SQLiteStore) GetLogLines(ctx context.Context, environment, launchID string) ([]model.LogLine, error) {
	query := `SELECT id, environment, launch_id, seq, line, created_at
		FROM log_lines WHERE environment = ?`
	args := []any{environment}
	if launchID != "" {
		query += " AND launch_id = ?"
		args = append(args, launchID)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	lines := []model.LogLine{}
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.Environment, &l.LaunchID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}

	return lines, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvironment(row scanner) (*model.Environment, error) {
	e := &model.Environment{}
	if err := row.Scan(
		&e.Name, &e.State, &e.Port, &e.LaunchID, &e.Error,
		&e.CreatedAt, &e.UpdatedAt, &e.ExitedAt,
	); err != nil {
		return nil, err
	}
	return e, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, environment, from, to, detail string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events (environment, from_state, to_state, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		environment, from, to, detail, at,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}
