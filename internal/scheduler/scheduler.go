package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler fires full backup runs on a cron schedule using a single
// timer goroutine. Overlapping runs are the caller's concern; the fire
// callback is invoked synchronously from the scheduler goroutine.
type Scheduler struct {
	mu       sync.Mutex
	schedule cron.Schedule
	timer    *time.Timer
	nextRun  time.Time
	done     chan struct{}
	wg       sync.WaitGroup
	fire     func()
}

// NewScheduler creates a Scheduler that calls fire whenever the
// schedule is due.
func NewScheduler(schedule cron.Schedule, fire func()) *Scheduler {
	return &Scheduler{
		schedule: schedule,
		fire:     fire,
		done:     make(chan struct{}),
	}
}

// NextRunTime returns the next scheduled fire time.
func (s *Scheduler) NextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// Start launches the scheduler goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.nextRun = s.schedule.Next(time.Now())
	s.timer = time.NewTimer(time.Until(s.nextRun))
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// Stop signals the scheduler goroutine to exit and waits for it.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
}

// run is the main scheduler loop.
func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			s.mu.Lock()
			s.timer.Stop()
			s.mu.Unlock()
			return
		case <-s.timer.C:
			s.mu.Lock()
			now := time.Now()
			if s.nextRun.After(now) {
				// Spurious wake; reset and wait again.
				s.timer.Reset(time.Until(s.nextRun))
				s.mu.Unlock()
				continue
			}
			s.nextRun = s.schedule.Next(now)
			s.timer.Reset(time.Until(s.nextRun))
			s.mu.Unlock()

			s.fire()
		}
	}
}
