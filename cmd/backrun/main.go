package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/patrickspencer/backrun/internal/config"
	"github.com/patrickspencer/backrun/internal/notify"
	"github.com/patrickspencer/backrun/internal/orchestrator"
	"github.com/patrickspencer/backrun/internal/retry"
	"github.com/patrickspencer/backrun/internal/runlog"
	"github.com/patrickspencer/backrun/internal/runner"
	"github.com/patrickspencer/backrun/internal/store"
)

// Process exit codes. Startup problems (bad configuration, no jobs) are
// distinguished from runs in which one or more jobs failed.
const (
	exitOK           = 0
	exitJobsFailed   = 1
	exitStartupError = 2
)

var errNoJobs = errors.New("no enabled jobs found")

func main() {
	// Check for subcommands before flag parsing.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "daemon":
			os.Exit(runDaemon(os.Args[2:]))
		case "history":
			os.Exit(runHistory(os.Args[2:]))
		}
	}
	os.Exit(runOnce(os.Args[1:]))
}

// runOnce performs a single backup run covering all configured jobs.
func runOnce(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "backrun.yaml", "path to configuration file")
	envFile := fs.String("env-file", "", "path to a .env file to load")
	fs.Parse(args)

	a, err := newApp(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitStartupError
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary := a.executeRun(ctx)
	if summary.Succeeded() {
		return exitOK
	}
	return exitJobsFailed
}

// app holds the wired components for one backrun process.
type app struct {
	cfg      *config.Config
	jobs     []orchestrator.Job
	orch     *orchestrator.Orchestrator
	st       *store.SQLiteStore
	notifier *notify.Notifier
	logs     *runlog.Manager
}

// newApp loads the .env file and configuration, validates the job
// definitions, and wires the store, attempt logs, orchestrator and
// notifier. Any error here means the run could not start.
func newApp(configPath, envFile string) (*app, error) {
	loaded, err := config.LoadDotenv(envFile)
	if err != nil {
		return nil, err
	}
	if !loaded {
		log.Printf("no .env file detected")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}

	defs, err := config.LoadJobs(cfg.JobsDir)
	if err != nil {
		return nil, fmt.Errorf("loading jobs from %s: %w", cfg.JobsDir, err)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w in %s", errNoJobs, cfg.JobsDir)
	}

	jobs := make([]orchestrator.Job, 0, len(defs))
	for _, d := range defs {
		jobs = append(jobs, d.Spec())
	}
	log.Printf("loaded %d job(s) from %s", len(jobs), cfg.JobsDir)

	dbPath := filepath.Join(cfg.DataDir, "backrun.db")
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	a := &app{
		cfg:  cfg,
		jobs: jobs,
		st:   st,
	}

	if cfg.RunLogs.IsEnabled() {
		a.logs = runlog.NewManager(
			cfg.RunLogs.Dir,
			cfg.RunLogs.MaxBytesPerStream,
			cfg.RunLogs.RetentionDays,
			cfg.RunLogs.MaxTotalMB*1024*1024,
		)
		if err := os.MkdirAll(a.logs.BaseDir(), 0755); err != nil {
			st.Close()
			return nil, fmt.Errorf("creating run logs directory %s: %w", a.logs.BaseDir(), err)
		}
		if err := a.logs.Cleanup(); err != nil {
			log.Printf("WARN: attempt log cleanup failed: %v", err)
		}
	} else {
		log.Printf("attempt log storage disabled")
	}

	backoffBase, _ := cfg.Retry.ParseBackoffBase()
	backoffMax, _ := cfg.Retry.ParseBackoffMax()
	a.orch = &orchestrator.Orchestrator{
		Runner: runner.NewRunner(),
		Policy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     retry.Backoff{Base: backoffBase, Max: backoffMax},
		},
		Concurrency: cfg.Concurrency,
	}
	if a.logs != nil {
		a.orch.Logs = a.logs
	}

	if cfg.Notify.Enabled() {
		notifyBackoff, _ := cfg.Notify.ParseBackoff()
		a.notifier = notify.New(cfg.Notify.URL, cfg.Notify.Topic)
		a.notifier.Username = cfg.Notify.Username
		a.notifier.Password = cfg.Notify.Password
		a.notifier.Token = cfg.Notify.Token
		a.notifier.MaxAttempts = cfg.Notify.MaxAttempts
		a.notifier.Backoff = notifyBackoff
	}

	return a, nil
}

// Close releases the app's resources.
func (a *app) Close() {
	if a.st != nil {
		a.st.Close()
	}
}

// executeRun runs all jobs, records the outcome, and sends the summary
// notification. The returned summary covers every job even when ctx was
// canceled mid-run.
func (a *app) executeRun(ctx context.Context) *orchestrator.Summary {
	runID := store.NewRunID()
	log.Printf("starting backup run %s (%d job(s), concurrency=%d)",
		runID, len(a.jobs), a.cfg.Concurrency)

	summary := a.orch.RunAll(ctx, runID, a.jobs)

	a.recordRun(summary)

	log.Printf("backup run %s completed: succeeded=%v failed=%d/%d duration=%s",
		runID, summary.Succeeded(), summary.FailedCount(), len(summary.Results),
		summary.Duration().Round(time.Millisecond))

	if a.notifier != nil {
		// The run context may already be canceled; the summary still
		// has to go out, so delivery gets its own deadline.
		nctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.notifier.Notify(nctx, summary); err != nil {
			log.Printf("ERROR: summary notification not delivered: %v", err)
		} else {
			log.Printf("summary notification delivered to %s", a.cfg.Notify.URL)
		}
	}

	return summary
}

// recordRun persists the run and its attempts. Best-effort: storage
// errors never change the run outcome.
func (a *app) recordRun(summary *orchestrator.Summary) {
	finishedAt := summary.FinishedAt
	run := &store.Run{
		ID:         summary.RunID,
		StartedAt:  summary.StartedAt,
		FinishedAt: &finishedAt,
		Succeeded:  summary.Succeeded(),
		JobsTotal:  len(summary.Results),
		JobsFailed: summary.FailedCount(),
	}

	var attempts []*store.Attempt
	for i := range summary.Results {
		r := &summary.Results[i]
		for _, att := range r.Attempts {
			attempts = append(attempts, &store.Attempt{
				RunID:       summary.RunID,
				JobName:     r.JobName,
				Number:      att.Number,
				ExitCode:    att.ExitCode,
				TimedOut:    att.TimedOut,
				SpawnFailed: att.SpawnFailed,
				StartedAt:   att.StartedAt,
				FinishedAt:  att.FinishedAt,
				StdoutTail:  att.Stdout,
				StderrTail:  att.Stderr,
				ErrorMsg:    att.Error,
			})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.st.RecordRun(ctx, run, attempts); err != nil {
		log.Printf("ERROR: failed to record run %s: %v", summary.RunID, err)
	}
}
