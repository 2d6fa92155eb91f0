package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	valid := []string{
		"* * * * *",
		"0 3 * * *",
		"*/15 * * * 1-5",
		"@daily",
		"@every 30m",
	}
	for _, expr := range valid {
		if _, err := ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q) failed: %v", expr, err)
		}
	}

	invalid := []string{
		"",
		"* * * *",
		"* * * * * *",
		"61 * * * *",
		"not a schedule",
	}
	for _, expr := range invalid {
		if _, err := ParseSchedule(expr); err == nil {
			t.Errorf("ParseSchedule(%q) should have failed", expr)
		}
	}
}

// fixedIntervalSchedule fires at a constant interval, letting tests run
// without waiting for real cron boundaries.
type fixedIntervalSchedule struct {
	interval time.Duration
}

func (s fixedIntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.interval)
}

func TestSchedulerFires(t *testing.T) {
	t.Parallel()

	var fires atomic.Int64
	sched := NewScheduler(fixedIntervalSchedule{interval: 20 * time.Millisecond}, func() {
		fires.Add(1)
	})
	sched.Start()

	deadline := time.After(2 * time.Second)
	for fires.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("scheduler fired %d times, want at least 2", fires.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	sched.Stop()
}

func TestSchedulerStopPreventsFurtherFires(t *testing.T) {
	t.Parallel()

	var fires atomic.Int64
	sched := NewScheduler(fixedIntervalSchedule{interval: 30 * time.Millisecond}, func() {
		fires.Add(1)
	})
	sched.Start()
	sched.Stop()

	seen := fires.Load()
	time.Sleep(100 * time.Millisecond)
	if got := fires.Load(); got != seen {
		t.Fatalf("scheduler fired after Stop: %d -> %d", seen, got)
	}
}

func TestNextRunTimeAdvances(t *testing.T) {
	t.Parallel()

	sched := NewScheduler(fixedIntervalSchedule{interval: time.Hour}, func() {})
	sched.Start()
	defer sched.Stop()

	next := sched.NextRunTime()
	if next.IsZero() {
		t.Fatal("NextRunTime should be set after Start")
	}
	if until := time.Until(next); until < 59*time.Minute || until > 61*time.Minute {
		t.Fatalf("next run %v from now, want about an hour", until)
	}
}
