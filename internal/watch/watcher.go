// Package watch monitors a problem directory and re-verifies PDDL files as
// they change, so hand-edited problems get oracle feedback on save.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"planverd/internal/classify"
	"planverd/internal/logging"
	"planverd/internal/oracle"
)

// Result is one verification triggered by a file change.
type Result struct {
	Path   string
	Valid  bool
	Parsed classify.ErrorRecord
	Output string
}

// Stats tracks watcher activity.
type Stats struct {
	FilesChanged   int
	Validations    int
	ValidResults   int
	InvalidResults int
	Errors         int
	LastEventPath  string
	LastEventTime  time.Time
}

// Watcher re-verifies changed .pddl files against a fixed domain. Rapid
// saves are debounced so editors writing in bursts trigger one verification.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	verifier    *oracle.Verifier
	domainFile  string
	watchDir    string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	stats       Stats

	// OnResult, when set, receives every verification outcome.
	OnResult func(Result)
}

// New creates a watcher for the given directory.
func New(watchDir, domainFile string, verifier *oracle.Verifier) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fsw,
		verifier:    verifier,
		domainFile:  domainFile,
		watchDir:    watchDir,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.watchDir, 0755); err != nil {
		logging.WatchDebug("failed to create watch dir %s: %v", w.watchDir, err)
	}
	if err := w.watcher.Add(w.watchDir); err != nil {
		logging.WatchDebug("initial watch failed: %v", err)
	} else {
		logging.Watch("watching directory: %s", w.watchDir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.WatchDebug("error closing watcher: %v", err)
	}
	logging.Watch("stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watch("context cancelled")
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
			logging.WatchDebug("watch error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebounced(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".pddl") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	logging.WatchDebug("change detected: %s", event.Name)

	w.mu.Lock()
	w.stats.FilesChanged++
	w.stats.LastEventPath = event.Name
	w.stats.LastEventTime = time.Now()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processDebounced(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.verify(ctx, path)
	}
}

func (w *Watcher) verify(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			logging.WatchDebug("file removed before verification: %s", path)
			return
		}
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	logging.Watch("verifying %s", filepath.Base(path))
	taskID := strings.TrimSuffix(filepath.Base(path), ".pddl")
	run := w.verifier.Run(ctx, taskID, w.domainFile, path, "")
	valid := oracle.ProblemValid(run)

	result := Result{
		Path:   path,
		Valid:  valid,
		Output: run.RawOutput,
	}
	if valid {
		result.Parsed = classify.ErrorRecord{Success: true, Kind: classify.KindValid}
	} else {
		result.Parsed = classify.Classify(run.RawOutput)
	}

	w.mu.Lock()
	w.stats.Validations++
	if valid {
		w.stats.ValidResults++
	} else {
		w.stats.InvalidResults++
	}
	cb := w.OnResult
	w.mu.Unlock()

	if valid {
		logging.Watch("%s: valid", filepath.Base(path))
	} else {
		logging.Watch("%s: %s", filepath.Base(path), result.Parsed.Kind)
	}

	if cb != nil {
		cb(result)
	}
}

// GetStats returns a snapshot of watcher activity.
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// IsWatching reports whether the event loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
