package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/patrickspencer/backrun/internal/scheduler"
)

// runDaemon keeps the process alive and fires a full backup run on
// the configured cron schedule.
func runDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", "backrun.yaml", "path to configuration file")
	envFile := fs.String("env-file", "", "path to a .env file to load")
	fs.Parse(args)

	a, err := newApp(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitStartupError
	}
	defer a.Close()

	if a.cfg.Schedule == "" {
		fmt.Fprintln(os.Stderr, "error: schedule is required in daemon mode")
		return exitStartupError
	}
	schedule, err := scheduler.ParseSchedule(a.cfg.Schedule)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid schedule %q: %v\n", a.cfg.Schedule, err)
		return exitStartupError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var running atomic.Bool
	var wg sync.WaitGroup

	var sched *scheduler.Scheduler
	sched = scheduler.NewScheduler(schedule, func() {
		if !running.CompareAndSwap(false, true) {
			log.Printf("WARN: previous run still in progress, skipping this fire")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer running.Store(false)
			a.executeRun(ctx)
			log.Printf("next run at %s", sched.NextRunTime().Format(time.RFC3339))
		}()
	})
	sched.Start()
	log.Printf("backrun daemon started, next run at %s", sched.NextRunTime().Format(time.RFC3339))

	var cleanupWG sync.WaitGroup
	if a.logs != nil {
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := a.logs.Cleanup(); err != nil {
						log.Printf("WARN: attempt log cleanup failed: %v", err)
					}
				}
			}
		}()
	}

	<-ctx.Done()
	log.Println("shutting down...")

	sched.Stop()
	wg.Wait()
	cleanupWG.Wait()

	log.Println("backrun stopped")
	return exitOK
}
