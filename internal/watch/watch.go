// Package watch triggers route source reloads when a file changes on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last event before a reload.
const DefaultDebounce = 250 * time.Millisecond

// File watches a single file. The parent directory is watched rather than
// the file itself so that editors and config managers that replace the file
// by rename keep triggering reloads.
type File struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// New starts watching path. debounce <= 0 uses DefaultDebounce.
func New(path string, debounce time.Duration, logger *slog.Logger) (*File, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %q: %w", filepath.Dir(abs), err)
	}

	return &File{path: abs, debounce: debounce, logger: logger, watcher: w}, nil
}

// Run calls reload once per burst of changes to the file until ctx is done.
// reload reports its own failures. The watcher is closed when Run returns.
func (f *File) Run(ctx context.Context, reload func(context.Context)) error {
	defer f.watcher.Close()

	f.logger.Info("watching route source", "path", f.path, "debounce_ms", f.debounce.Milliseconds())

	timer := time.NewTimer(f.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-f.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !f.relevant(ev) {
				continue
			}
			f.logger.Debug("route source changed", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(f.debounce)

		case <-timer.C:
			reload(ctx)

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			f.logger.Error("file watcher error", "error", err)
		}
	}
}

func (f *File) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != f.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}
