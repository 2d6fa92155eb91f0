package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// NewRunID generates a new ULID-based run identifier.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// SQLiteStore implements RunStore backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// RecordRun inserts the run row and all of its attempt rows in one
// transaction. Re-recording the same run ID replaces its attempts.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *Run, attempts []*Attempt) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, started_at, finished_at, succeeded, jobs_total, jobs_failed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			succeeded = excluded.succeeded,
			jobs_total = excluded.jobs_total,
			jobs_failed = excluded.jobs_failed`,
		run.ID,
		formatTime(run.StartedAt),
		formatTimePtr(run.FinishedAt),
		boolInt(run.Succeeded),
		run.JobsTotal,
		run.JobsFailed,
		formatTime(run.CreatedAt),
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM attempts WHERE run_id = ?", run.ID); err != nil {
		return err
	}

	for _, a := range attempts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attempts (
				run_id, job_name, attempt, exit_code, timed_out, spawn_failed,
				started_at, finished_at, stdout_tail, stderr_tail, error_msg
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID,
			a.JobName,
			a.Number,
			a.ExitCode,
			boolInt(a.TimedOut),
			boolInt(a.SpawnFailed),
			formatTime(a.StartedAt),
			formatTime(a.FinishedAt),
			nullString(a.StdoutTail),
			nullString(a.StderrTail),
			nullString(a.ErrorMsg),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var startedAt, createdAt string
	var finishedAt sql.NullString
	var succeeded int

	err := row.Scan(
		&r.ID,
		&startedAt,
		&finishedAt,
		&succeeded,
		&r.JobsTotal,
		&r.JobsFailed,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	r.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	r.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	r.FinishedAt, err = parseTimePtr(finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	r.Succeeded = succeeded != 0

	return &r, nil
}

const selectRunCols = `id, started_at, finished_at, succeeded, jobs_total, jobs_failed, created_at`

// GetRun retrieves a single run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectRunCols+" FROM runs WHERE id = ?", id)
	run, err := s.scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns runs ordered by started_at descending.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error) {
	query := "SELECT " + selectRunCols + " FROM runs ORDER BY started_at DESC"
	var args []any

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListAttempts returns all attempts for a run, grouped by job and
// ordered by attempt number.
func (s *SQLiteStore) ListAttempts(ctx context.Context, runID string) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, job_name, attempt, exit_code, timed_out, spawn_failed,
			started_at, finished_at, stdout_tail, stderr_tail, error_msg
		FROM attempts
		WHERE run_id = ?
		ORDER BY job_name, attempt`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		var a Attempt
		var timedOut, spawnFailed int
		var startedAt string
		var finishedAt, stdoutTail, stderrTail, errorMsg sql.NullString
		var exitCode sql.NullInt64

		err := rows.Scan(
			&a.RunID,
			&a.JobName,
			&a.Number,
			&exitCode,
			&timedOut,
			&spawnFailed,
			&startedAt,
			&finishedAt,
			&stdoutTail,
			&stderrTail,
			&errorMsg,
		)
		if err != nil {
			return nil, err
		}

		a.StartedAt, err = parseTime(startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if finishedAt.Valid {
			a.FinishedAt, err = parseTime(finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse finished_at: %w", err)
			}
		}
		if exitCode.Valid {
			a.ExitCode = int(exitCode.Int64)
		}
		a.TimedOut = timedOut != 0
		a.SpawnFailed = spawnFailed != 0
		if stdoutTail.Valid {
			a.StdoutTail = stdoutTail.String
		}
		if stderrTail.Valid {
			a.StderrTail = stderrTail.String
		}
		if errorMsg.Valid {
			a.ErrorMsg = errorMsg.String
		}

		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
