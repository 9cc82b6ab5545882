package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigChange describes one push-notified configuration reload.
type ConfigChange struct {
	Files     []string
	ChangedAt time.Time
}

// Watcher layers push-based invalidation on top of Service's pull-based
// CheckForUpdates: a filesystem write to the config directory triggers an
// immediate ReloadConfiguration instead of waiting for the next poll.
type Watcher struct {
	svc     *Service
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	started bool
}

// NewWatcher attaches an fsnotify watcher to svc's configuration directory.
func NewWatcher(svc *Service) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{svc: svc, watcher: fw}, nil
}

// Start begins watching the configuration directory, emitting a
// ConfigChange on changes channel for every write that triggers a reload.
// It returns immediately; call Close to stop.
func (w *Watcher) Start() (<-chan ConfigChange, <-chan error, error) {
	changes := make(chan ConfigChange, 10)
	errs := make(chan error, 10)

	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		close(changes)
		close(errs)
		return changes, errs, nil
	}
	if err := w.watcher.Add(w.svc.configDir); err != nil {
		w.mu.Unlock()
		return nil, nil, err
	}
	w.started = true
	w.mu.Unlock()

	go func() {
		defer close(changes)
		defer close(errs)
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				w.svc.ReloadConfiguration()
				changes <- ConfigChange{Files: []string{filepath.Base(event.Name)}, ChangedAt: time.Now()}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			}
		}
	}()

	return changes, errs, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
