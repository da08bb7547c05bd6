package tui

import (
	"strings"
	"testing"
	"time"
)

func fixedFeed(at time.Time) *ActivityFeed {
	f := NewActivityFeed()
	f.now = func() time.Time { return at }
	return f
}

func TestActivityFeed_StartAndLen(t *testing.T) {
	f := NewActivityFeed()
	if f.Len() != 0 {
		t.Fatal("new feed should be empty")
	}
	f.Start("run-1", "dq", "reason (iteration 1)")
	f.Start("run-1", "dq", "plan (iteration 1)")
	if f.Len() != 1 {
		t.Fatalf("len = %d, want 1", f.Len())
	}
	if got := f.Items()[0].Detail; got != "plan (iteration 1)" {
		t.Fatalf("detail = %q", got)
	}
}

func TestActivityFeed_MaxItems(t *testing.T) {
	f := NewActivityFeed()
	f.maxItems = 3
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.Start(id, id, "")
	}
	if f.Len() != 3 {
		t.Fatalf("expected 3, got %d", f.Len())
	}
	if f.Items()[0].ID != "c" {
		t.Fatalf("oldest kept = %q, want c", f.Items()[0].ID)
	}
}

func TestActivityFeed_Complete(t *testing.T) {
	f := NewActivityFeed()
	f.Start("t1", "dq", "reason")
	if !f.HasActive() {
		t.Fatal("should have active")
	}
	f.Complete("t1", "dq", iconDone, "2 findings")
	if f.HasActive() {
		t.Fatal("should have no active")
	}
	it := f.Items()[0]
	if it.Icon != iconDone || it.Detail != "2 findings" || it.DoneAt == nil {
		t.Fatalf("unexpected item: %+v", it)
	}
}

func TestActivityFeed_CompleteUnknownAddsItem(t *testing.T) {
	f := NewActivityFeed()
	f.Start("t1", "dq", "")
	f.Complete("t2", "sp", iconFailed, "boom")
	if f.Len() != 2 {
		t.Fatalf("len = %d, want 2", f.Len())
	}
	if !f.HasActive() {
		t.Fatal("original should still be active")
	}
}

func TestActivityFeed_HasActiveEmpty(t *testing.T) {
	if NewActivityFeed().HasActive() {
		t.Fatal("empty feed not active")
	}
}

func TestActivityFeed_ViewShowsDuration(t *testing.T) {
	start := time.Date(2026, 10, 18, 7, 0, 0, 0, time.UTC)
	f := fixedFeed(start)
	f.Start("t1", "enrollment", "act (iteration 2)")
	f.now = func() time.Time { return start.Add(1500 * time.Millisecond) }
	view := f.View()
	for _, want := range []string{iconRunning, "enrollment", "act (iteration 2)", "1.5s"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestActivityFeed_ViewEmpty(t *testing.T) {
	if NewActivityFeed().View() != "" {
		t.Fatal("empty feed should render nothing")
	}
}
