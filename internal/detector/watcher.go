package detector

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codesync-hq/codesyncd/internal/pathspec"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// pendingEvent is a debounced change waiting to be processed.
type pendingEvent struct {
	op       EventOp
	queuedAt time.Time
}

// Watcher feeds live filesystem events into a Detector. It watches every
// tracked repo recursively, debounces rapid writes, and converts fsnotify
// events into the detector's entry points. fsnotify reports a rename as a
// Rename on the old path and a Create on the new one, so renames surface
// as delete+create here; the reconciliation scan re-pairs them later.
type Watcher struct {
	detector *Detector
	debounce time.Duration
	logger   *log.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]pendingEvent
	running bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a Watcher. It must be started with Start.
func NewWatcher(d *Detector, debounce time.Duration, logger *log.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}
	return &Watcher{
		detector: d,
		debounce: debounce,
		logger:   logger,
		watcher:  fw,
		pending:  map[string]pendingEvent{},
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the given repo roots and all their subdirectories.
func (w *Watcher) Start(repoPaths []string) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	for _, repo := range repoPaths {
		if err := w.addRecursive(repo, repo); err != nil {
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return fmt.Errorf("failed to watch %s: %w", repo, err)
		}
	}

	w.wg.Add(2)
	go w.processEvents()
	go w.flushLoop()
	return nil
}

// Stop stops watching and blocks until the event goroutines exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

// addRecursive adds dir and every non-ignored subdirectory to the watch.
func (w *Watcher) addRecursive(repoPath, dir string) error {
	matcher := w.detector.matcher(repoPath)

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			return nil
		}
		rel, rerr := pathspec.RelPath(repoPath, path)
		if rerr == nil && rel != "." && matcher.Match(rel) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// processEvents converts fsnotify events into debounced pending entries.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
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
			w.logger.Printf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		// New directories need a watch before their contents change.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			repo := w.detector.RepoForPath(event.Name)
			if repo != "" {
				if err := w.addRecursive(repo, event.Name); err != nil {
					w.logger.Printf("Failed to watch new directory %s: %v", event.Name, err)
				}
			}
			return
		}
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename shows up as delete here plus a create on the new name.
		op = OpDelete
	default:
		// Ignore chmod and other events.
		return
	}

	w.mu.Lock()
	// A delete supersedes a queued create/modify for the same path.
	if prev, ok := w.pending[event.Name]; !ok || op == OpDelete || prev.op != OpCreate {
		w.pending[event.Name] = pendingEvent{op: op, queuedAt: time.Now()}
	} else {
		prev.queuedAt = time.Now()
		w.pending[event.Name] = prev
	}
	w.mu.Unlock()
}

// flushLoop hands debounced events to the detector.
func (w *Watcher) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) flush() {
	now := time.Now()

	w.mu.Lock()
	var ready []string
	events := map[string]pendingEvent{}
	for path, ev := range w.pending {
		if now.Sub(ev.queuedAt) < w.debounce {
			continue
		}
		ready = append(ready, path)
		events[path] = ev
		delete(w.pending, path)
	}
	w.mu.Unlock()

	for _, path := range ready {
		var err error
		switch events[path].op {
		case OpCreate:
			err = w.detector.HandleNewFile(path)
		case OpModify:
			err = w.detector.HandleChange(path)
		case OpDelete:
			err = w.detector.HandleDelete(path)
		}
		if err != nil {
			w.logger.Printf("Failed to process %s %s: %v", events[path].op, path, err)
		}
	}
}

// IsRunning reports whether the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
