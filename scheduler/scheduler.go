// Package scheduler runs screening passes on a fixed interval while the
// market is open, plus one end-of-day pass after the close.
package scheduler

import (
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"twse-screener/config"
	"twse-screener/services/screener"
)

// Scheduler owns the cron loop driving the pass runner.
type Scheduler struct {
	cron   *gocron.Scheduler
	cfg    *config.Config
	runner *screener.Runner

	mu      sync.RWMutex
	lastRun time.Time
	lastErr error
}

// New builds a scheduler around the pass runner. Jobs run in Taipei
// time so the market-hours gate and the cron clock agree.
func New(cfg *config.Config, runner *screener.Runner) *Scheduler {
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		loc = time.FixedZone("CST", 8*60*60)
	}
	return &Scheduler{
		cron:   gocron.NewScheduler(loc),
		cfg:    cfg,
		runner: runner,
	}
}

// Start registers the jobs and launches the cron loop asynchronously.
func (s *Scheduler) Start() {
	log.Println("Starting scheduler...")

	// Intraday passes only while the market trades.
	s.cron.Every(s.cfg.UpdateInterval).Do(func() {
		if !s.cfg.IsMarketOpen(time.Now()) {
			return
		}
		s.runPass("intraday")
	})

	// One pass after the close picks up the final daily bars.
	s.cron.Every(1).Day().At("14:30").Do(func() {
		s.runPass("end-of-day")
	})

	s.cron.StartAsync()
	log.Println("Scheduler started")
}

// Stop halts the cron loop. Running jobs finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("Scheduler stopped")
}

func (s *Scheduler) runPass(kind string) {
	start := time.Now()
	results, err := s.runner.RunOnePass()

	s.mu.Lock()
	s.lastRun = start
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		log.Printf("Scheduled %s pass failed: %v", kind, err)
		return
	}
	log.Printf("Scheduled %s pass finished in %s with %d matches",
		kind, time.Since(start).Round(time.Millisecond), len(results))
}

// Status reports the last pass time, its error if any, and the next
// scheduled fire time.
func (s *Scheduler) Status() (lastRun time.Time, lastErr error, nextRun time.Time) {
	s.mu.RLock()
	lastRun = s.lastRun
	lastErr = s.lastErr
	s.mu.RUnlock()

	for _, job := range s.cron.Jobs() {
		next := job.NextRun()
		if nextRun.IsZero() || (!next.IsZero() && next.Before(nextRun)) {
			nextRun = next
		}
	}
	return lastRun, lastErr, nextRun
}
