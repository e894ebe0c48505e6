package service

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses bursts of file events into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher watches service directories and calls a callback after
// descriptors change. The callback runs on the watcher goroutine; the daemon
// uses it to post a reload into its own loop.
type Watcher struct {
	mu     sync.Mutex
	logger *slog.Logger

	dirs     []string
	debounce time.Duration
	onChange func()

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewWatcher creates a watcher for dirs.
func NewWatcher(dirs []string, onChange func(), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		logger:   logger,
		dirs:     append([]string(nil), dirs...),
		debounce: DefaultDebounce,
		onChange: onChange,
	}
}

// SetDebounce sets the quiet period before the callback fires.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start begins watching. Directories that do not exist are skipped.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	watched := 0
	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			w.logger.Debug("not watching service directory", "dir", dir, "error", err)
			continue
		}
		watched++
	}

	w.watcher = fw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	go w.watchLoop(ctx, fw, w.debounce)

	w.logger.Debug("service watcher started", "dirs", watched)
	return nil
}

// Stop stops watching and waits for the watch goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	fw := w.watcher
	done := w.doneCh
	w.mu.Unlock()

	<-done
	_ = fw.Close()
	w.logger.Debug("service watcher stopped")
}

func (w *Watcher) watchLoop(ctx context.Context, fw *fsnotify.Watcher, debounce time.Duration) {
	defer close(w.doneCh)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(filepath.Base(event.Name), ".service") {
				continue
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			w.logger.Debug("service file changed", "path", event.Name, "op", event.Op.String())
			timer.Reset(debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("service watcher error", "error", err)

		case <-timer.C:
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}
