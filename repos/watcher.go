package repos

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler is invoked with the workspace path that changed
type ChangeHandler func(path string)

// Watcher watches workspace directories for file changes and reports
// them debounced per top-level directory
type Watcher struct {
	baseDir string
	watcher *fsnotify.Watcher

	debounce time.Duration

	mu      sync.Mutex
	handler ChangeHandler
	pending map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher over the repos directory
func NewWatcher(baseDir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		baseDir:  baseDir,
		watcher:  fw,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]struct{}),
	}

	if err := fw.Add(baseDir); err != nil {
		fw.Close()
		return nil, err
	}

	// fsnotify is not recursive; watch each existing workspace directory
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		fw.Close()
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			fw.Add(filepath.Join(baseDir, entry.Name()))
		}
	}

	return w, nil
}

// SetChangeHandler registers the callback for debounced change events
func (w *Watcher) SetChangeHandler(handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = handler
}

// Start begins processing filesystem events
func (w *Watcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.eventLoop(ctx)
}

// Stop shuts down the watcher
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
	if w.done != nil {
		<-w.done
	}
}

// eventLoop processes fsnotify events with debouncing
func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.done)

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C // drain initial timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			if w.shouldIgnore(event.Name) {
				continue
			}

			// New top-level directories get watched too, so changes
			// inside freshly cloned repos are seen
			if event.Op&fsnotify.Create != 0 {
				if rel, err := filepath.Rel(w.baseDir, event.Name); err == nil && !strings.Contains(rel, string(filepath.Separator)) {
					w.watcher.Add(event.Name)
				}
			}

			w.mu.Lock()
			w.pending[w.topLevelDir(event.Name)] = struct{}{}
			w.mu.Unlock()

			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			w.flush()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("fsnotify error")

		case <-ctx.Done():
			return
		}
	}
}

// flush invokes the handler once per pending directory
func (w *Watcher) flush() {
	w.mu.Lock()
	handler := w.handler
	dirs := make([]string, 0, len(w.pending))
	for dir := range w.pending {
		dirs = append(dirs, dir)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if handler == nil {
		return
	}
	for _, dir := range dirs {
		handler(dir)
	}
}

// topLevelDir maps an event path to the workspace directory it belongs to
func (w *Watcher) topLevelDir(path string) string {
	rel, err := filepath.Rel(w.baseDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	parts := strings.SplitN(rel, string(filepath.Separator), 2)
	return filepath.Join(w.baseDir, parts[0])
}

// shouldIgnore filters out git internals and editor noise
func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if base == ".git" || strings.Contains(path, string(filepath.Separator)+".git"+string(filepath.Separator)) {
		return true
	}
	if strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, "~") {
		return true
	}
	return false
}
