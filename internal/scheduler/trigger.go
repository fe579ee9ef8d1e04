package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// FileTrigger fires a callback when files under a path change. Bursts of
// events within the debounce window fire once.
type FileTrigger struct {
	path     string
	fire     func()
	debounce time.Duration
	log      *zap.Logger
}

// NewFileTrigger watches path (a file or directory) and calls fire after
// changes settle.
func NewFileTrigger(path string, fire func(), log *zap.Logger) *FileTrigger {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileTrigger{path: path, fire: fire, debounce: defaultDebounce, log: log.Named("trigger")}
}

// Run watches until ctx is done.
func (f *FileTrigger) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(f.path); err != nil {
		return fmt.Errorf("watch %s: %w", f.path, err)
	}
	f.log.Info("watching for changes", zap.String("path", f.path))

	var timer *time.Timer
	var fired <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			f.log.Debug("change", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.NewTimer(f.debounce)
			} else {
				timer.Reset(f.debounce)
			}
			fired = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.Warn("watch error", zap.Error(err))
		case <-fired:
			fired = nil
			f.fire()
		}
	}
}
