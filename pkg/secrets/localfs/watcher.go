package localfs

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/suhlabs/kvshare/pkg/dlogger"
	"go.uber.org/zap"
)

// DefaultDebounce is the default quiet period before a change callback
// fires
const DefaultDebounce = 250 * time.Millisecond

// Watcher invokes a callback when a watched key file changes.
//
// Provisioning tools rotate key files by writing a temp file and renaming
// it into place, which surfaces as a burst of file system events. The
// watcher coalesces each burst into a single callback.
type Watcher struct {
	w        *fsnotify.Watcher
	path     string
	debounce time.Duration
	onChange func()
	l        *zap.Logger

	done chan struct{}
	wg   sync.WaitGroup
	stop sync.Once
}

// WatcherOption is a functional option for the key file watcher
type WatcherOption func(*Watcher)

// Debounce sets the quiet period before the change callback fires
func Debounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WatcherLogger sets a logger for this watcher
func WatcherLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.l = l
		}
	}
}

// WatchFile watches the key file at path and invokes onChange after it is
// written, replaced or removed.
//
// The parent directory is watched rather than the file itself, so
// rotations that replace the file are seen as well.
func WatchFile(path string, onChange func(), opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		w:        fsw,
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		onChange: onChange,
		l:        dlogger.MustGetLogger(dlogger.LogLevelInfo),
		done:     make(chan struct{}),
	}
	for _, apply := range opts {
		apply(w)
	}

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.l.Debug("key file event", zap.String("event", ev.String()))
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.l.Warn("key file watcher error", zap.Error(err))
		case <-fire:
			timer, fire = nil, nil
			w.l.Info("key file changed", zap.String("path", w.path))
			w.onChange()
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Stop ends the watch. No callback fires after Stop returns.
func (w *Watcher) Stop() {
	w.stop.Do(func() {
		close(w.done)
		_ = w.w.Close()
		w.wg.Wait()
	})
}
