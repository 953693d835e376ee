package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/castellan-dev/castellan/internal/bus"
)

// debounceWindow coalesces the editor write-rename-chmod burst into
// one reload.
const debounceWindow = 500 * time.Millisecond

// Watcher reloads castellan.yaml when it changes on disk. Only the
// hot-reloadable knobs apply live (log level, per-plugin watchdog
// toggles); everything else waits for a restart. A reload that fails
// validation is rejected and the running config stays in effect.
type Watcher struct {
	path  string
	apply func(*Config)

	bus *bus.Bus
	log *slog.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher starts watching the directory containing path. apply is
// called with each validated config.
func NewWatcher(path string, apply func(*Config), b *bus.Bus, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by
	// rename, which drops a watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	w := &Watcher{
		path:  path,
		apply: apply,
		bus:   b,
		log:   logger,
		fsw:   fsw,
		done:  make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	var timer *time.Timer
	var fire <-chan time.Time

	base := filepath.Base(w.path)
	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				fire = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-fire:
			timer = nil
			fire = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload rejected", "error", err)
		return
	}

	w.log.Info("configuration reloaded", "path", w.path)
	w.apply(cfg)
	if w.bus != nil {
		w.bus.Fire(bus.EventConfigReloaded, w.path)
	}
}
