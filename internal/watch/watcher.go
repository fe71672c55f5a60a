// Package watch runs the question inbox: a watched directory where each
// dropped .txt or .md file becomes the root question of a new investigation.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"deepnerd/internal/logging"
)

// RunFunc starts an investigation for one root question and blocks until it
// reaches a terminal state.
type RunFunc func(ctx context.Context, question string) error

// Config wires an InboxWatcher.
type Config struct {
	InboxDir string
	Debounce time.Duration // settle window for rapid saves; default 500ms
	Run      RunFunc
}

// InboxStats tracks watcher activity for tests and debugging.
type InboxStats struct {
	FilesSeen   int
	RunsStarted int
	RunFailures int
	Errors      int
}

// InboxWatcher watches the inbox directory and triggers one investigation
// per settled question file. Runs execute sequentially on a worker
// goroutine so a long investigation never blocks event intake.
type InboxWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	inboxDir    string
	runFunc     RunFunc
	debounceMap map[string]time.Time
	debounceDur time.Duration
	queue       chan string
	stopCh      chan struct{}
	loopDone    chan struct{}
	workerDone  chan struct{}
	running     bool
	stats       InboxStats
}

// NewInboxWatcher creates a watcher for the configured inbox directory.
func NewInboxWatcher(cfg Config) (*InboxWatcher, error) {
	if cfg.InboxDir == "" {
		return nil, fmt.Errorf("inbox directory not configured")
	}
	if cfg.Run == nil {
		return nil, fmt.Errorf("run callback not configured")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}

	return &InboxWatcher{
		watcher:     watcher,
		inboxDir:    cfg.InboxDir,
		runFunc:     cfg.Run,
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
		queue:       make(chan string, 32),
		stopCh:      make(chan struct{}),
		loopDone:    make(chan struct{}),
		workerDone:  make(chan struct{}),
	}, nil
}

// Start creates the inbox directory if needed, drains question files already
// sitting in it, and begins watching. Non-blocking.
func (w *InboxWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.inboxDir, 0755); err != nil {
		return fmt.Errorf("failed to create inbox dir: %w", err)
	}
	if err := w.watcher.Add(w.inboxDir); err != nil {
		return fmt.Errorf("failed to watch inbox dir: %w", err)
	}
	logging.Watcher("Watching inbox: %s", w.inboxDir)

	w.drainExisting()

	go w.loop(ctx)
	go w.worker(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop and the worker. A run
// already in flight finishes first.
func (w *InboxWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.loopDone
	<-w.workerDone

	if err := w.watcher.Close(); err != nil {
		logging.WatcherError("Error closing fs watcher: %v", err)
	}
	logging.Watcher("Inbox watcher stopped")
}

// Stats returns a snapshot of watcher activity.
func (w *InboxWatcher) Stats() InboxStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// drainExisting backdates files already in the inbox so the first debounce
// tick picks them up.
func (w *InboxWatcher) drainExisting() {
	entries, err := os.ReadDir(w.inboxDir)
	if err != nil {
		logging.WatcherError("Failed to scan inbox: %v", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !isQuestionFile(entry.Name()) {
			continue
		}
		w.debounceMap[filepath.Join(w.inboxDir, entry.Name())] = time.Now().Add(-w.debounceDur)
		w.stats.FilesSeen++
	}
	if n := len(w.debounceMap); n > 0 {
		logging.Watcher("Found %d question file(s) already in the inbox", n)
	}
}

func (w *InboxWatcher) loop(ctx context.Context) {
	defer close(w.loopDone)

	settleTicker := time.NewTicker(100 * time.Millisecond)
	defer settleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watcher("Inbox watcher context cancelled")
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
			logging.WatcherError("Inbox watch error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-settleTicker.C:
			w.enqueueSettled()
		}
	}
}

// handleEvent records question-file writes for debounced processing.
func (w *InboxWatcher) handleEvent(event fsnotify.Event) {
	if !isQuestionFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	logging.WatcherDebug("Inbox event %s for %s", event.Op, filepath.Base(event.Name))
	w.mu.Lock()
	if _, seen := w.debounceMap[event.Name]; !seen {
		w.stats.FilesSeen++
	}
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// enqueueSettled moves files that have settled past the debounce window onto
// the worker queue.
func (w *InboxWatcher) enqueueSettled() {
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
		select {
		case w.queue <- path:
		default:
			// Queue full; push the file back for the next tick.
			w.mu.Lock()
			w.debounceMap[path] = time.Now()
			w.mu.Unlock()
		}
	}
}

func (w *InboxWatcher) worker(ctx context.Context) {
	defer close(w.workerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case path := <-w.queue:
			w.processFile(ctx, path)
		}
	}
}

// processFile reads one settled question file and runs the investigation.
// The file is renamed with a .done suffix only after a successful run, so a
// failed question survives for retry on the next start.
func (w *InboxWatcher) processFile(ctx context.Context, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		logging.WatcherError("Failed to read %s: %v", filepath.Base(path), err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	question := parseQuestion(string(content))
	if question == "" {
		logging.WatcherDebug("Ignoring empty question file: %s", filepath.Base(path))
		return
	}

	logging.Watcher("Starting investigation from %s: %.80s", filepath.Base(path), question)
	w.mu.Lock()
	w.stats.RunsStarted++
	w.mu.Unlock()

	if err := w.runFunc(ctx, question); err != nil {
		logging.WatcherError("Investigation failed for %s: %v", filepath.Base(path), err)
		w.mu.Lock()
		w.stats.RunFailures++
		w.mu.Unlock()
		return
	}

	if err := os.Rename(path, path+".done"); err != nil {
		logging.WatcherError("Failed to mark %s done: %v", filepath.Base(path), err)
	}
}

// parseQuestion flattens file content into a single-line question, dropping
// a leading markdown heading marker.
func parseQuestion(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimLeft(content, "#")
	return strings.Join(strings.Fields(content), " ")
}

func isQuestionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md":
		return true
	}
	return false
}
