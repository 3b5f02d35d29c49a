// Package queuewatch observes the worker's waiting directory and reports when
// pointer files appear and when the worker takes them away.
package queuewatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Kind string

const (
	Queued   Kind = "queued"
	PickedUp Kind = "picked-up"
)

type Event struct {
	JobID string
	Kind  Kind
	At    time.Time
}

type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// New starts watching dir immediately; events are buffered until Watch is
// called.
func New(dir string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{dir: dir, watcher: w, logger: logger}, nil
}

// Watch delivers pointer-file events until ctx ends. The channel is closed
// afterwards and the watcher released.
func (w *Watcher) Watch(ctx context.Context) <-chan Event {
	events := make(chan Event, 64)
	go w.run(ctx, events)
	return events
}

func (w *Watcher) run(ctx context.Context, events chan<- Event) {
	defer close(events)
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			// temp files and lock leftovers
			if strings.HasPrefix(name, ".") {
				continue
			}

			var kind Kind
			switch {
			case ev.Has(fsnotify.Create):
				kind = Queued
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				kind = PickedUp
			default:
				continue
			}

			out := Event{JobID: name, Kind: kind, At: time.Now()}
			w.logger.Debug("waiting queue changed", "job_id", out.JobID, "event", out.Kind)
			select {
			case events <- out:
			case <-ctx.Done():
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("queue watcher error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
