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
	"context"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/goleak"
)

func waitEvent(t *testing.T, w *Watcher, want Event) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatalf("event channel closed before %+v", want)
			}
			if ev == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %+v", want)
		}
	}
}

func TestWatcher_ReportsAcquireAndRelease(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := newTestFileStore(t)
	w, err := NewWatcher(store, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx := context.Background()
	if ok, err := store.TryAcquire(ctx, testLock("src/a.py", "p1")); err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}
	waitEvent(t, w, Event{Room: "src/a.py", Op: Acquired})

	if err := store.Release(ctx, "src/a.py", "p1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	waitEvent(t, w, Event{Room: "src/a.py", Op: Released})

	if err := w.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	// Idempotent.
	if err := w.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Error("expected closed event channel")
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	store := &FileStore{dir: t.TempDir() + "/missing"}
	if _, err := NewWatcher(store, nil); err == nil {
		t.Error("expected error watching a missing directory")
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		ev   fsnotify.Event
		want Event
		ok   bool
	}{
		{"create", fsnotify.Event{Name: "/l/r1", Op: fsnotify.Create}, Event{"r1", Acquired}, true},
		{"remove", fsnotify.Event{Name: "/l/src%2Fa.py", Op: fsnotify.Remove}, Event{"src/a.py", Released}, true},
		{"rename", fsnotify.Event{Name: "/l/r1", Op: fsnotify.Rename}, Event{"r1", Released}, true},
		{"write ignored", fsnotify.Event{Name: "/l/r1", Op: fsnotify.Write}, Event{}, false},
		{"hidden ignored", fsnotify.Event{Name: "/l/.tmp", Op: fsnotify.Create}, Event{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := translate(tt.ev)
			if ok != tt.ok || got != tt.want {
				t.Errorf("translate(%v) = %+v, %v; want %+v, %v", tt.ev, got, ok, tt.want, tt.ok)
			}
		})
	}
}
