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
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	bstore "github.com/AleutianAI/causal/services/causal/storage/badger"
)

type storeFactory struct {
	name string
	new  func(t *testing.T) Store
}

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "locks"), nil)
	require.NoError(t, err)
	return s
}

func newTestBadgerStore(t *testing.T) (*BadgerStore, *bstore.DB) {
	t.Helper()
	db, err := bstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBadgerStore(db, nil), db
}

func allStores() []storeFactory {
	return []storeFactory{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"file", func(t *testing.T) Store { return newTestFileStore(t) }},
		{"badger", func(t *testing.T) Store { s, _ := newTestBadgerStore(t); return s }},
	}
}

func testLock(room, pkg string) RoomLock {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(2 * time.Hour)
	return RoomLock{RoomID: room, PackageID: pkg, WorkerID: "w-" + pkg, LockedAt: now, ExpiresAt: &exp}
}

func TestStore_AcquireAndRelease(t *testing.T) {
	for _, f := range allStores() {
		t.Run(f.name, func(t *testing.T) {
			s := f.new(t)
			ctx := context.Background()

			ok, err := s.TryAcquire(ctx, testLock("r1", "p1"))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.TryAcquire(ctx, testLock("r1", "p2"))
			require.NoError(t, err)
			assert.False(t, ok, "second acquire on held room must fail")

			got, err := s.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "p1", got.PackageID)

			// Only the holder may release.
			assert.ErrorIs(t, s.Release(ctx, "r1", "p2"), ErrNotHolder)
			_, err = s.Get(ctx, "r1")
			require.NoError(t, err)

			require.NoError(t, s.Release(ctx, "r1", "p1"))
			_, err = s.Get(ctx, "r1")
			assert.ErrorIs(t, err, ErrNotFound)

			// Releasing again is a no-op.
			require.NoError(t, s.Release(ctx, "r1", "p1"))

			ok, err = s.TryAcquire(ctx, testLock("r1", "p2"))
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for _, f := range allStores() {
		t.Run(f.name, func(t *testing.T) {
			s := f.new(t)
			ctx := context.Background()

			want := testLock("src/app/main.py", "p1")
			ok, err := s.TryAcquire(ctx, want)
			require.NoError(t, err)
			require.True(t, ok)

			got, err := s.Get(ctx, want.RoomID)
			require.NoError(t, err)
			if diff := cmp.Diff(want, *got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStore_List(t *testing.T) {
	for _, f := range allStores() {
		t.Run(f.name, func(t *testing.T) {
			s := f.new(t)
			ctx := context.Background()

			for _, room := range []string{"c", "a/b", "b"} {
				ok, err := s.TryAcquire(ctx, testLock(room, "p1"))
				require.NoError(t, err)
				require.True(t, ok)
			}

			locks, err := s.List(ctx)
			require.NoError(t, err)
			var rooms []string
			for _, l := range locks {
				rooms = append(rooms, l.RoomID)
			}
			assert.Equal(t, []string{"a/b", "b", "c"}, rooms)
		})
	}
}

func TestStore_RejectsInvalidRecord(t *testing.T) {
	for _, f := range allStores() {
		t.Run(f.name, func(t *testing.T) {
			s := f.new(t)

			_, err := s.TryAcquire(context.Background(), RoomLock{RoomID: "r1"})
			assert.Error(t, err)

			locks, err := s.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, locks)
		})
	}
}

// TestStore_ConcurrentAcquire races many acquirers on one room; exactly one
// may win.
func TestStore_ConcurrentAcquire(t *testing.T) {
	for _, f := range allStores() {
		t.Run(f.name, func(t *testing.T) {
			s := f.new(t)
			ctx := context.Background()

			var wins atomic.Int32
			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < 32; i++ {
				pkg := fmt.Sprintf("p%d", i)
				g.Go(func() error {
					ok, err := s.TryAcquire(gctx, testLock("shared", pkg))
					if ok {
						wins.Add(1)
					}
					return err
				})
			}
			require.NoError(t, g.Wait())
			assert.Equal(t, int32(1), wins.Load())

			locks, err := s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, locks, 1)
		})
	}
}

func TestFileStore_CorruptRecordIsHeld(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	path := filepath.Join(s.Dir(), roomFileName("r1"))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	ok, err := s.TryAcquire(ctx, testLock("r1", "p1"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrMalformedRecord)

	// Never force-removed.
	assert.ErrorIs(t, s.Release(ctx, "r1", "p1"), ErrMalformedRecord)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)

	locks, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []RoomLock{{RoomID: "r1"}}, locks)
}

func TestBadgerStore_CorruptRecordIsHeld(t *testing.T) {
	s, db := newTestBadgerStore(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, lockKeyPrefix+"r1", []byte("garbage")))

	ok, err := s.TryAcquire(ctx, testLock("r1", "p1"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Release(ctx, "r1", "p1"), ErrMalformedRecord)

	locks, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []RoomLock{{RoomID: "r1"}}, locks)
}

func TestFileStore_SharedDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	a, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	b, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx, testLock("r1", "p1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(ctx, testLock("r1", "p2"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Release(ctx, "r1", "p1"))
	ok, err = a.TryAcquire(ctx, testLock("r1", "p3"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRoomFileName(t *testing.T) {
	tests := []struct {
		room string
		want string
	}{
		{"main.py", "main.py"},
		{"src/app/main.py", "src%2Fapp%2Fmain.py"},
		{".", "%2E"},
		{"..", "%2E."},
		{".env", "%2Eenv"},
		{"100%", "100%25"},
	}
	for _, tt := range tests {
		t.Run(tt.room, func(t *testing.T) {
			name := roomFileName(tt.room)
			assert.Equal(t, tt.want, name)
			assert.Equal(t, name, filepath.Base(name))

			back, ok := roomFromFileName(name)
			require.True(t, ok)
			assert.Equal(t, tt.room, back)
		})
	}
}

func TestDecode_RoomMismatch(t *testing.T) {
	data, err := Encode(testLock("r1", "p1"))
	require.NoError(t, err)

	_, err = Decode("r2", data)
	assert.ErrorIs(t, err, ErrMalformedRecord)

	var recErr *RecordError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, "r2", recErr.RoomID)
}
