package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events editors emit on save.
const watchDebounce = 200 * time.Millisecond

// WatchOption configures Watch.
type WatchOption func(*watchOptions)

type watchOptions struct {
	recover func()
}

// WithWatchRecover defers fn in the watcher goroutine.
func WithWatchRecover(fn func()) WatchOption {
	return func(o *watchOptions) { o.recover = fn }
}

// Watch calls onChange whenever the file at path is written, created or
// replaced. The parent directory is watched so that editors which save via
// rename are still observed. Watch returns once the watcher is running; the
// watcher goroutine exits when ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(path string), opts ...WatchOption) error {
	o := watchOptions{recover: func() {}}
	for _, opt := range opts {
		opt(&o)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving watch path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		defer o.recover()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					pending = time.After(watchDebounce)
				}
			case <-pending:
				pending = nil
				onChange(abs)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return nil
}
