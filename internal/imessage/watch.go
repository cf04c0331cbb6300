package imessage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher observes the chat.db directory and invokes a callback, debounced,
// whenever Messages writes to it. The UI still polls; this only lets the
// server refresh its conversation snapshot promptly between polls.
type Watcher struct {
	dbPath   string
	debounce time.Duration
	log      *zap.Logger
}

// NewWatcher creates a watcher over the given chat.db path.
func NewWatcher(dbPath string, debounce time.Duration, log *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{dbPath: dbPath, debounce: debounce, log: log}
}

// Run blocks until ctx is cancelled, calling onChange after each debounced
// burst of filesystem events. The watch covers the whole directory because
// SQLite writes land in the -wal file, not chat.db itself.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.dbPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.log.Info("watching for message database changes",
		zap.String("dir", dir), zap.Duration("debounce", w.debounce))

	base := filepath.Base(w.dbPath)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", zap.Error(err))
		case <-timerC:
			timer = nil
			timerC = nil
			onChange()
		}
	}
}
