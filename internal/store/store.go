package store

import (
	"context"
	"time"
)

// Run is the persisted record of one backup run covering all jobs.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Succeeded  bool
	JobsTotal  int
	JobsFailed int
	CreatedAt  time.Time
}

// Attempt is the persisted record of one execution attempt of one job
// within a run.
type Attempt struct {
	RunID       string
	JobName     string
	Number      int
	ExitCode    int
	TimedOut    bool
	SpawnFailed bool
	StartedAt   time.Time
	FinishedAt  time.Time
	StdoutTail  string
	StderrTail  string
	ErrorMsg    string
}

// ListOpts controls filtering and pagination for run queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// RunStore is the interface for persisting and querying backup runs.
type RunStore interface {
	RecordRun(ctx context.Context, run *Run, attempts []*Attempt) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)
	ListAttempts(ctx context.Context, runID string) ([]*Attempt, error)
}
