package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/patrickspencer/backrun/internal/config"
	"github.com/patrickspencer/backrun/internal/store"
)

// runHistory prints recent backup runs recorded in the store, or the
// per-attempt detail of one run.
func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "backrun.yaml", "path to configuration file")
	runID := fs.String("run", "", "show attempt detail for one run ID")
	limit := fs.Int("limit", 20, "maximum number of runs to list")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return exitStartupError
	}

	st, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "backrun.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening store: %v\n", err)
		return exitStartupError
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *runID != "" {
		return printRunDetail(ctx, st, *runID)
	}
	return printRunList(ctx, st, *limit)
}

func printRunList(ctx context.Context, st *store.SQLiteStore, limit int) int {
	runs, err := st.ListRuns(ctx, store.ListOpts{Limit: limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listing runs: %v\n", err)
		return exitStartupError
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return exitOK
	}

	for _, r := range runs {
		status := "ok"
		if !r.Succeeded {
			status = "FAIL"
		}
		duration := ""
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("%s  %s  %-4s  %d/%d jobs  %s\n",
			r.ID,
			r.StartedAt.Local().Format(time.RFC3339),
			status,
			r.JobsTotal-r.JobsFailed,
			r.JobsTotal,
			duration,
		)
	}
	return exitOK
}

func printRunDetail(ctx context.Context, st *store.SQLiteStore, runID string) int {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading run: %v\n", err)
		return exitStartupError
	}
	if run == nil {
		fmt.Fprintf(os.Stderr, "run not found: %s\n", runID)
		return exitStartupError
	}

	attempts, err := st.ListAttempts(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listing attempts: %v\n", err)
		return exitStartupError
	}

	status := "ok"
	if !run.Succeeded {
		status = "FAIL"
	}
	fmt.Printf("run %s  %s  %s  %d/%d jobs succeeded\n\n",
		run.ID, run.StartedAt.Local().Format(time.RFC3339), status,
		run.JobsTotal-run.JobsFailed, run.JobsTotal)

	for _, a := range attempts {
		outcome := fmt.Sprintf("exit=%d", a.ExitCode)
		switch {
		case a.TimedOut:
			outcome = "timed out"
		case a.SpawnFailed:
			outcome = "spawn failed: " + a.ErrorMsg
		case a.ErrorMsg != "":
			outcome = a.ErrorMsg
		}
		fmt.Printf("%-20s attempt %d  %-24s %s\n",
			a.JobName, a.Number, outcome,
			a.FinishedAt.Sub(a.StartedAt).Round(time.Millisecond))
	}
	return exitOK
}
