package cron_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-inquest/internal/cron"
	"github.com/basket/go-inquest/internal/orchestrator"
	"github.com/basket/go-inquest/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeScanner struct {
	runs     atomic.Int32
	running  atomic.Bool
	release  chan struct{}
	mu       sync.Mutex
	triggers []string
}

func (f *fakeScanner) RunScan(ctx context.Context, trigger string) persistence.Scan {
	f.running.Store(true)
	defer f.running.Store(false)
	f.runs.Add(1)
	f.mu.Lock()
	f.triggers = append(f.triggers, trigger)
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	return persistence.Scan{ID: "scan-1", Trigger: trigger, Status: persistence.ScanCompleted}
}

func (f *fakeScanner) Running() bool { return f.running.Load() }

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var base = time.Date(2026, 10, 18, 6, 59, 0, 0, time.UTC)

func TestNextRunTime(t *testing.T) {
	next, err := cron.NextRunTime("0 7 * * *", base)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 10, 18, 7, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	next, err = cron.NextRunTime("*/15 * * * *", time.Date(2026, 10, 18, 7, 14, 59, 0, time.UTC))
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if next.Minute() != 15 {
		t.Fatalf("next minute = %d, want 15", next.Minute())
	}
}

func TestNextRunTime_Invalid(t *testing.T) {
	for _, expr := range []string{"", "every day", "0 7 * *", "0 0 7 * * *"} {
		if _, err := cron.NextRunTime(expr, base); err == nil {
			t.Fatalf("expected error for %q", expr)
		}
	}
}

func TestNewScheduler_RejectsBadConfig(t *testing.T) {
	if _, err := cron.NewScheduler(cron.Config{Schedule: "nope", Scanner: &fakeScanner{}}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if _, err := cron.NewScheduler(cron.Config{Schedule: "0 7 * * *"}); err == nil {
		t.Fatal("expected error for missing scanner")
	}
}

func TestScheduler_TickFiresWhenDue(t *testing.T) {
	clk := &clock{now: base}
	scanner := &fakeScanner{}
	s, err := cron.NewScheduler(cron.Config{Schedule: "0 7 * * *", Scanner: scanner, Now: clk.Now})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if got := s.Next(); !got.Equal(base.Add(time.Minute)) {
		t.Fatalf("first run = %v", got)
	}

	if s.Tick(context.Background()) {
		t.Fatal("tick before due must not fire")
	}
	clk.Set(base.Add(90 * time.Second))
	if !s.Tick(context.Background()) {
		t.Fatal("tick after due must fire")
	}
	waitFor(t, 2*time.Second, func() bool { return scanner.runs.Load() == 1 })
	s.Stop()

	if want := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC); !s.Next().Equal(want) {
		t.Fatalf("next = %v, want %v", s.Next(), want)
	}
	scanner.mu.Lock()
	defer scanner.mu.Unlock()
	if scanner.triggers[0] != orchestrator.TriggerSchedule {
		t.Fatalf("trigger = %q", scanner.triggers[0])
	}
}

func TestScheduler_SkipsOverlap(t *testing.T) {
	clk := &clock{now: base}
	scanner := &fakeScanner{release: make(chan struct{})}
	s, err := cron.NewScheduler(cron.Config{Schedule: "* * * * *", Scanner: scanner, Now: clk.Now})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	clk.Set(base.Add(time.Minute))
	if !s.Tick(context.Background()) {
		t.Fatal("first due tick must fire")
	}
	waitFor(t, 2*time.Second, scanner.Running)

	clk.Set(base.Add(2 * time.Minute))
	if s.Tick(context.Background()) {
		t.Fatal("tick during a running scan must be skipped")
	}
	if s.Skipped() != 1 {
		t.Fatalf("skipped = %d, want 1", s.Skipped())
	}

	close(scanner.release)
	waitFor(t, 2*time.Second, func() bool { return !scanner.Running() })
	s.Stop()

	clk.Set(base.Add(3 * time.Minute))
	scanner.release = nil
	if !s.Tick(context.Background()) {
		t.Fatal("tick after the scan finished must fire")
	}
	waitFor(t, 2*time.Second, func() bool { return scanner.runs.Load() == 2 })
	s.Stop()
	if s.Fired() != 2 {
		t.Fatalf("fired = %d, want 2", s.Fired())
	}
}

func TestScheduler_StartStop(t *testing.T) {
	clk := &clock{now: base}
	scanner := &fakeScanner{}
	s, err := cron.NewScheduler(cron.Config{
		Schedule: "* * * * *",
		Scanner:  scanner,
		Interval: 10 * time.Millisecond,
		Now:      clk.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	clk.Set(base.Add(2 * time.Minute))
	s.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return scanner.runs.Load() >= 1 })
	s.Stop()
}
