// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of change a Watcher reports.
type Op int

const (
	// Acquired means a lock record appeared.
	Acquired Op = iota + 1

	// Released means a lock record disappeared.
	Released
)

// String returns the string representation of the Op.
func (o Op) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// MarshalText encodes the Op as its string form.
func (o Op) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Event reports a change to one room's lock.
type Event struct {
	Room string `json:"room"`
	Op   Op     `json:"op"`
}

// watcherBuffer is the capacity of the event channel.
const watcherBuffer = 64

// Watcher reports lock records appearing and disappearing in a FileStore
// directory.
//
// # Description
//
// Events are hints for tooling: a worker waiting on a busy room can retry
// Checkout when it sees Released. They are not part of the lock protocol;
// Checkout never waits on them.
//
// # Thread Safety
//
// Events and Errors may be read from any goroutine. Close is idempotent.
type Watcher struct {
	fw     *fsnotify.Watcher
	events chan Event
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

// NewWatcher starts watching the lock directory of store.
//
// # Outputs
//
//   - *Watcher: Running watcher. Call Close to stop its goroutine.
//   - error: Non-nil if the directory cannot be watched.
func NewWatcher(store *FileStore, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(store.Dir()); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching lock directory %s: %w", store.Dir(), err)
	}

	w := &Watcher{
		fw:     fw,
		events: make(chan Event, watcherBuffer),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Events returns the event channel. It is closed by Close.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns watcher errors. Errors are dropped if nobody reads them.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fw.Close()
		w.wg.Wait()
		close(w.events)
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			out, ok := translate(ev)
			if !ok {
				continue
			}
			select {
			case w.events <- out:
			case <-w.done:
				return
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("lock watcher error", slog.String("error", err.Error()))
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// translate maps a file event in the lock directory to a room event.
func translate(ev fsnotify.Event) (Event, bool) {
	room, ok := roomFromFileName(filepath.Base(ev.Name))
	if !ok {
		return Event{}, false
	}
	switch {
	case ev.Has(fsnotify.Create):
		return Event{Room: room, Op: Acquired}, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return Event{Room: room, Op: Released}, true
	default:
		return Event{}, false
	}
}
