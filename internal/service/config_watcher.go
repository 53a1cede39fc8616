package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fileSettle coalesces the burst of events an editor emits for one save.
const fileSettle = 250 * time.Millisecond

// Start performs the startup load and begins hot-reloading: file events in
// the config directory and a periodic reload as a fallback for missed events
// and store-side changes. A failed startup load is returned; the service then
// serves safe defaults until a later reload succeeds.
func (s *ConfigService) Start(ctx context.Context, interval time.Duration) error {
	loadErr := s.Reload(ctx, ReloadStartup)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config file watcher unavailable, periodic reload only", "error", err)
		watcher = nil
	} else {
		s.watch(watcher, s.dir)
		s.watch(watcher, filepath.Join(s.dir, DealershipsDir))
	}

	wctx, cancel := context.WithCancel(ctx)
	s.watchStop = cancel
	s.watchDone = make(chan struct{})
	go s.watchLoop(wctx, watcher, interval)

	return loadErr
}

// Close stops hot-reloading and waits for the loop to exit.
func (s *ConfigService) Close() {
	if s.watchStop == nil {
		return
	}
	s.watchStop()
	<-s.watchDone
}

func (s *ConfigService) watch(w *fsnotify.Watcher, dir string) {
	if _, err := os.Stat(dir); err != nil {
		return
	}
	if err := w.Add(dir); err != nil {
		slog.Warn("config watch failed", "dir", dir, "error", err)
		return
	}
	slog.Debug("watching config dir", "dir", dir)
}

func (s *ConfigService) watchLoop(ctx context.Context, w *fsnotify.Watcher, interval time.Duration) {
	defer close(s.watchDone)

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w != nil {
		defer func() { _ = w.Close() }()
		events, errs = w.Events, w.Errors
	}

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	settle := time.NewTimer(fileSettle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) && filepath.Base(ev.Name) == DealershipsDir {
				s.watch(w, ev.Name)
			}
			if !isConfigFile(ev.Name) && filepath.Base(ev.Name) != DealershipsDir {
				continue
			}
			settle.Reset(fileSettle)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("config watcher error", "error", err)

		case <-settle.C:
			if err := s.Reload(ctx, ReloadFile); err != nil {
				slog.Error("config reload after file change failed, keeping previous", "error", err)
			}

		case <-tick:
			if err := s.Reload(ctx, ReloadPeriodic); err != nil {
				slog.Error("periodic config reload failed, keeping previous", "error", err)
			}
		}
	}
}

func isConfigFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
