package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports writes to config.yaml, the directive catalog and prompt
// overrides so a long-running daemon picks them up before its next scan.
type Watcher struct {
	files  []string
	dirs   []string
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		files:  []string{ConfigPath(cfg.HomeDir), cfg.DirectivesPath()},
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
	if cfg.PromptsDir != "" {
		w.dirs = append(w.dirs, cfg.PromptsDir)
	}
	return w
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, path := range append(append([]string{}, w.files...), w.dirs...) {
		if err := fsw.Add(path); err != nil {
			w.logger.Debug("config watcher: path not watched", "path", path, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", filepath.Base(ev.Name), "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
