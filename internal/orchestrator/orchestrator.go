package orchestrator

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/patrickspencer/backrun/internal/retry"
	"github.com/patrickspencer/backrun/internal/runner"
)

// Job is one configured backup unit: a transfer command plus its
// arguments and per-job limits. Jobs are immutable once constructed.
type Job struct {
	Name        string
	Command     string
	Args        []string
	Timeout     time.Duration
	MaxAttempts int
	WorkDir     string
	Env         map[string]string
}

// JobResult is the aggregate outcome of one job across all its attempts.
type JobResult struct {
	JobName   string
	Succeeded bool
	Attempts  []*runner.Attempt
	Duration  time.Duration
}

// LastAttempt returns the final attempt of the job. Attempts is never
// empty for a result produced by RunAll.
func (r *JobResult) LastAttempt() *runner.Attempt {
	return r.Attempts[len(r.Attempts)-1]
}

// Summary is the aggregate outcome of one run covering all jobs.
// Results preserve job submission order regardless of completion order.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []JobResult
}

// Succeeded reports whether every job in the run succeeded.
func (s *Summary) Succeeded() bool {
	for i := range s.Results {
		if !s.Results[i].Succeeded {
			return false
		}
	}
	return true
}

// FailedCount returns the number of failed jobs.
func (s *Summary) FailedCount() int {
	n := 0
	for i := range s.Results {
		if !s.Results[i].Succeeded {
			n++
		}
	}
	return n
}

// Duration returns the wall-clock time of the whole run.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// LogOpener provides optional persistent writers for attempt output.
// An implementation may return an error to skip persistence for the
// attempt; execution proceeds without it.
type LogOpener interface {
	OpenAttempt(jobName, runID string, attempt int) (stdout, stderr io.Writer, closer io.Closer, err error)
}

// Orchestrator runs a set of jobs through the retry policy with bounded
// concurrency and collects their results.
type Orchestrator struct {
	Runner      *runner.Runner
	Policy      retry.Policy // MaxAttempts acts as the default; jobs may override
	Concurrency int
	Logs        LogOpener // optional
}

// RunAll executes all jobs with at most Concurrency running at once and
// returns a Summary whose Results match the input order of jobs. A
// failing job never aborts the others. When ctx is canceled, in-flight
// subprocesses are killed, their attempts recorded as failures, and the
// Summary still covers every job.
func (o *Orchestrator) RunAll(ctx context.Context, runID string, jobs []Job) *Summary {
	startedAt := time.Now()
	results := make([]JobResult, len(jobs))

	limit := o.Concurrency
	if limit <= 0 || limit > len(jobs) {
		limit = len(jobs)
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for i := range jobs {
		wg.Add(1)
		go func(idx int, job Job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = o.runJob(ctx, runID, job)
		}(i, jobs[i])
	}
	wg.Wait()

	return &Summary{
		RunID:      runID,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Results:    results,
	}
}

// runJob executes one job's full retried lifetime inside a worker slot.
func (o *Orchestrator) runJob(ctx context.Context, runID string, job Job) JobResult {
	pol := o.Policy
	if job.MaxAttempts > 0 {
		pol.MaxAttempts = job.MaxAttempts
	}

	log.Printf("executing job %q (max_attempts=%d)", job.Name, pol.MaxAttempts)
	start := time.Now()

	attempts := pol.Execute(ctx, func(ctx context.Context, attempt int) *runner.Attempt {
		opts := &runner.RunOptions{
			WorkDir: job.WorkDir,
			Env:     job.Env,
			JobName: job.Name,
			RunID:   runID,
		}

		var closer io.Closer
		if o.Logs != nil {
			stdout, stderr, c, err := o.Logs.OpenAttempt(job.Name, runID, attempt)
			if err != nil {
				log.Printf("WARN: failed to open attempt log for job %q: %v", job.Name, err)
			} else {
				opts.ExtraStdout = stdout
				opts.ExtraStderr = stderr
				closer = c
			}
		}

		att := o.Runner.Run(ctx, job.Command, job.Args, job.Timeout, opts)
		if closer != nil {
			_ = closer.Close()
		}

		if !att.Succeeded() {
			log.Printf("WARN: job %q attempt %d failed: exit=%d timed_out=%v err=%q",
				job.Name, attempt, att.ExitCode, att.TimedOut, att.Error)
		}
		return att
	})

	last := attempts[len(attempts)-1]
	result := JobResult{
		JobName:   job.Name,
		Succeeded: last.Succeeded(),
		Attempts:  attempts,
		Duration:  time.Since(start),
	}

	status := "success"
	if !result.Succeeded {
		status = "failure"
	}
	log.Printf("job %q completed: status=%s attempts=%d duration=%s",
		job.Name, status, len(attempts), result.Duration.Round(time.Millisecond))
	return result
}
