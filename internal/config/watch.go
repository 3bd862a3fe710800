package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vango-dev/deltacast/internal/errors"
)

// DefaultDebounce coalesces the burst of events a single save produces.
const DefaultDebounce = 100 * time.Millisecond

type watchOptions struct {
	logger   *slog.Logger
	debounce time.Duration
}

// WatchOption configures Watch.
type WatchOption func(*watchOptions)

// WithWatchLogger sets the logger for reload messages.
func WithWatchLogger(l *slog.Logger) WatchOption {
	return func(o *watchOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatchOption {
	return func(o *watchOptions) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// Watch reloads path whenever it changes and calls fn with each config that
// loads and validates. Invalid files are logged and skipped, so fn only ever
// sees usable settings. Watch blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file so editors that save
// by renaming a temporary file over the original keep triggering reloads.
func Watch(ctx context.Context, path string, fn func(*Config), opts ...WatchOption) error {
	o := watchOptions{logger: slog.Default(), debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "config", "path", path)

	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.New("D103").Wrap(err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.New("D103").Wrap(err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return errors.New("D103").Wrap(err)
	}

	debounce := time.NewTimer(0)
	<-debounce.C
	pending := false

	for {
		select {
		case <-ctx.Done():
			debounce.Stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending = true
			debounce.Reset(o.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)

		case <-debounce.C:
			if !pending {
				continue
			}
			pending = false
			cfg, err := Load(path)
			if err != nil {
				var e *errors.Error
				if errors.As(err, &e) {
					logger.Warn("config reload rejected", "error", e.FormatCompact(), "detail", e.Detail)
				} else {
					logger.Warn("config reload rejected", "error", err)
				}
				continue
			}
			logger.Info("config reloaded")
			fn(cfg)
		}
	}
}
