package driver

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ppbuild/ppremake/internal/debug"
)

// Watcher re-runs generation whenever one of the interesting .pp files
// changes.  Parent directories are watched rather than the files
// themselves, so editors that replace files on save are still seen;
// events are debounced so a burst of saves triggers one re-run.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	files    map[string]bool
}

// NewWatcher creates a watcher with the given debounce interval.
func NewWatcher(debounce time.Duration) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  w,
		debounce: debounce,
		files:    make(map[string]bool),
	}, nil
}

// Add registers a file of interest.  Its parent directory joins the watch
// set; adding the same directory twice is harmless.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.files[abs] = true
	return w.watcher.Add(filepath.Dir(abs))
}

// Run blocks until the context is canceled, invoking onChange after each
// debounced burst of events on registered files.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !w.files[abs] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debug.Logf("Watch: %s (%s)", event.Name, event.Op)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			debug.Logf("Watch error: %v", err)

		case <-fire:
			fire = nil
			onChange()
		}
	}
}

// Close releases the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
