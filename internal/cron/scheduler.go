// Package cron fires scheduled proactive scans on a 5-field cron expression.
package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-inquest/internal/orchestrator"
	"github.com/basket/go-inquest/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Scanner runs scans. *orchestrator.Orchestrator implements it.
type Scanner interface {
	RunScan(ctx context.Context, trigger string) persistence.Scan
	Running() bool
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Schedule string
	Scanner  Scanner
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30 seconds if zero
	Now      func() time.Time
}

// Scheduler checks the schedule on every tick and starts a scan when it is
// due. A due run is skipped while a scan is still in progress.
type Scheduler struct {
	expr     string
	sched    cronlib.Schedule
	scanner  Scanner
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	next    time.Time
	firing  atomic.Bool
	fired   atomic.Int64
	skipped atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the expression and computes the first run time.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Scanner == nil {
		return nil, errors.New("cron: scanner is required")
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		expr:     cfg.Schedule,
		sched:    sched,
		scanner:  cfg.Scanner,
		logger:   logger.With("component", "cron"),
		interval: interval,
		now:      now,
	}
	s.next = sched.Next(now())
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "schedule", s.expr, "next_run_at", s.Next())
}

// Stop cancels the scheduler loop and waits for it and any scan it
// started to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// Next returns the next time a scan is due.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Fired and Skipped count scheduled runs started and skipped for overlap.
func (s *Scheduler) Fired() int64   { return s.fired.Load() }
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts a scan if one is due. It returns true when a scan was started.
func (s *Scheduler) Tick(ctx context.Context) bool {
	now := s.now()
	s.mu.Lock()
	if now.Before(s.next) {
		s.mu.Unlock()
		return false
	}
	due := s.next
	s.next = s.sched.Next(now)
	next := s.next
	s.mu.Unlock()

	if s.scanner.Running() || !s.firing.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Info("cron: scheduled scan skipped, previous scan still running",
			"due_at", due, "next_run_at", next)
		return false
	}
	s.fired.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.firing.Store(false)
		sc := s.scanner.RunScan(context.WithoutCancel(ctx), orchestrator.TriggerSchedule)
		s.logger.Info("cron: scheduled scan finished",
			"scan_id", sc.ID, "status", sc.Status, "next_run_at", next)
	}()
	return true
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
