package stack

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrLogMissing means logs were requested for a service that has never
// written any.
type ErrLogMissing struct {
	Service string
	Path    string
}

func (e *ErrLogMissing) Error() string {
	return fmt.Sprintf("no log file for %s at %s (was it ever started?)", e.Service, e.Path)
}

// TailLog copies the service log to w. With follow set it keeps
// streaming appended output until ctx is cancelled; cancellation stops
// only the reader, never the service. A missing file is an error and is
// not created as a side effect.
func (o *Orchestrator) TailLog(ctx context.Context, service string, w io.Writer, follow bool) error {
	if _, err := o.serviceConfig(service); err != nil {
		return err
	}
	path := o.LogPath(service)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ErrLogMissing{Service: service, Path: path}
		}
		return fmt.Errorf("open log %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(w, f); err != nil {
		return err
	}
	if !follow {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create log watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch log %s: %w", path, err)
	}

	// Ticker fallback catches writers fsnotify misses (e.g. renames).
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	drain := func() error {
		_, err := io.Copy(w, f)
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Write) {
				if err := drain(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := drain(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.logger.Warn("log watcher error", "error", err)
		}
	}
}
