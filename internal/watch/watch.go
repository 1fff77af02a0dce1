// Package watch re-triggers work when image directories settle.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"panostitch/internal/fsutil"
)

// Event is an image file change seen in a watched directory.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
}

// Watcher debounces image file events per directory.
type Watcher struct {
	dirs     []string
	debounce time.Duration
	log      *slog.Logger
	// Events, when set, receives every accepted event without blocking.
	Events chan<- Event
}

func New(dirs []string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dirs: dirs, debounce: debounce, log: logger}
}

// Run watches until ctx is done. settle is called on the Run goroutine once a
// directory has seen no image event for the debounce interval, so calls never
// overlap.
func (w *Watcher) Run(ctx context.Context, settle func(ctx context.Context, dir string)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.log.Info("watching directory", "dir", dir, "debounce", w.debounce)
	}

	timers := make(map[string]*time.Timer)
	fired := make(chan string, len(w.dirs)+1)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			op := operation(event.Op)
			if op == "" || !fsutil.IsImageFile(event.Name) {
				continue
			}
			w.emit(Event{Path: event.Name, Operation: op, Time: time.Now()})

			dir := filepath.Dir(event.Name)
			if t, ok := timers[dir]; ok {
				t.Reset(w.debounce)
				continue
			}
			timers[dir] = time.AfterFunc(w.debounce, func() {
				select {
				case fired <- dir:
				case <-ctx.Done():
				}
			})

		case dir := <-fired:
			delete(timers, dir)
			w.log.Info("directory settled", "dir", dir)
			settle(ctx, dir)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) emit(e Event) {
	if w.Events == nil {
		return
	}
	select {
	case w.Events <- e:
	default:
		w.log.Debug("event buffer full, dropping event", "path", e.Path)
	}
}

func operation(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	case op.Has(fsnotify.Remove):
		return "deleted"
	case op.Has(fsnotify.Rename):
		return "renamed"
	}
	return ""
}
