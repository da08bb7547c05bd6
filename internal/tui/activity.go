package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const (
	iconRunning = "⏳"
	iconDone    = "✅"
	iconFailed  = "❌"
)

// ActivityItem is one agent run or scan execution shown in the feed.
type ActivityItem struct {
	ID        string
	Icon      string
	Label     string
	Detail    string
	StartedAt time.Time
	DoneAt    *time.Time
}

// ActivityFeed keeps the most recent items in start order.
type ActivityFeed struct {
	mu       sync.Mutex
	items    []ActivityItem
	maxItems int
	now      func() time.Time
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 12, now: time.Now}
}

// Start adds a running item, or refreshes its detail if the ID is known.
func (f *ActivityFeed) Start(id, label, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := f.indexLocked(id); i >= 0 {
		f.items[i].Detail = detail
		return
	}
	f.items = append(f.items, ActivityItem{
		ID:        id,
		Icon:      iconRunning,
		Label:     label,
		Detail:    detail,
		StartedAt: f.now(),
	})
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

// Complete marks an item finished. Unknown IDs are added already finished.
func (f *ActivityFeed) Complete(id, label, icon, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	i := f.indexLocked(id)
	if i < 0 {
		f.items = append(f.items, ActivityItem{ID: id, Label: label, StartedAt: now})
		if len(f.items) > f.maxItems {
			f.items = f.items[1:]
		}
		i = len(f.items) - 1
	}
	f.items[i].Icon = icon
	f.items[i].Detail = detail
	f.items[i].DoneAt = &now
}

func (f *ActivityFeed) indexLocked(id string) int {
	for i := range f.items {
		if f.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (f *ActivityFeed) HasActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.DoneAt == nil {
			return true
		}
	}
	return false
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Items returns a copy of the feed.
func (f *ActivityFeed) Items() []ActivityItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ActivityItem(nil), f.items...)
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	labelS := lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true)
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	var out strings.Builder
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s", it.Icon, labelS.Render(it.Label))
		if it.Detail != "" {
			line += " " + it.Detail
		}
		end := f.now()
		if it.DoneAt != nil {
			end = *it.DoneAt
		}
		line += dim.Render(fmt.Sprintf(" (%s)", end.Sub(it.StartedAt).Truncate(100*time.Millisecond)))
		out.WriteString(line + "\n")
	}
	return out.String()
}
