package store

import "database/sql"

const migrationSQL = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    succeeded INTEGER NOT NULL DEFAULT 0,
    jobs_total INTEGER NOT NULL DEFAULT 0,
    jobs_failed INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS attempts (
    run_id TEXT NOT NULL,
    job_name TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    exit_code INTEGER,
    timed_out INTEGER NOT NULL DEFAULT 0,
    spawn_failed INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    stdout_tail TEXT,
    stderr_tail TEXT,
    error_msg TEXT,
    PRIMARY KEY (run_id, job_name, attempt)
);
CREATE INDEX IF NOT EXISTS idx_attempts_run_id ON attempts(run_id);
CREATE INDEX IF NOT EXISTS idx_attempts_job_name ON attempts(job_name);
`

// RunMigrations applies the database schema migrations.
func RunMigrations(db *sql.DB) error {
	_, err := db.Exec(migrationSQL)
	return err
}
