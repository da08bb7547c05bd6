package config_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-inquest/internal/config"
)

func TestWatcher_DetectsDirectiveChange(t *testing.T) {
	home := t.TempDir()
	if err := config.WriteStarter(home); err != nil {
		t.Fatalf("starter: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	path := cfg.DirectivesPath()

	w := config.NewWatcher(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	rewrite := func() {
		_ = config.WriteDirectives(path, config.StarterDirectives()[:1])
	}
	rewrite()

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "directives.yaml" && filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("unexpected event path %s", ev.Path)
			}
			return
		case <-writeTick.C:
			rewrite()
		case <-deadline:
			t.Fatalf("timed out waiting for directives change event")
		}
	}
}

