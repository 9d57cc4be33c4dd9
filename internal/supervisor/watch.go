package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"workbench/internal/logging"
)

// DefaultWatchPatterns are the manifest files whose change warrants a dev
// server restart.
var DefaultWatchPatterns = []string{"package.json", "vite.config.*", ".env.example"}

// Restarter is the part of Supervisor the watcher drives.
type Restarter interface {
	Restart(ctx context.Context, reason string) (RestartResult, error)
}

// Watcher restarts the dev server when watched manifest files change. Bursts
// of events are coalesced into one restart after the debounce interval, and
// every restart still goes through the breaker.
type Watcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	target    Restarter
	dir       string
	patterns  []string
	debounce  time.Duration
	pending   map[string]time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
	triggered int
}

// NewWatcher watches dir (non-recursively) for files matching patterns.
func NewWatcher(dir string, target Restarter, patterns []string, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		patterns = DefaultWatchPatterns
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		watcher:  fw,
		target:   target,
		dir:      dir,
		patterns: patterns,
		debounce: debounce,
		pending:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. It is non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Supervisor("Watching %s for %v", w.dir, w.patterns)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		logging.SupervisorError("Watcher close: %v", err)
	}
}

// Triggered returns how many restarts the watcher has requested.
func (w *Watcher) Triggered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.triggered
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(w.debounce / 4)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.SupervisorError("Watcher error: %v", err)
		case <-tick.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if !w.matches(filepath.Base(event.Name)) {
		return
	}
	logging.SupervisorDebug("Watched file changed: %s (%s)", event.Name, event.Op)

	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) matches(name string) bool {
	for _, p := range w.patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// flush issues one restart for all files that have been quiet for the
// debounce interval.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	var ready []string
	for name, at := range w.pending {
		if time.Since(at) >= w.debounce {
			ready = append(ready, filepath.Base(name))
			delete(w.pending, name)
		}
	}
	if len(ready) > 0 {
		w.triggered++
	}
	w.mu.Unlock()

	if len(ready) == 0 {
		return
	}

	sort.Strings(ready)
	_, err := w.target.Restart(ctx, "watched files changed: "+strings.Join(ready, ", "))
	var cooldown *CooldownActiveError
	switch {
	case err == nil:
	case errors.As(err, &cooldown), errors.Is(err, ErrMaxRestartsExceeded):
		logging.SupervisorWarn("Watcher restart refused: %v", err)
	default:
		logging.SupervisorError("Watcher restart failed: %v", err)
	}
}
