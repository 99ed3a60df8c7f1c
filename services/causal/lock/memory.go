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
	"sort"
	"sync"
)

// MemoryStore is a Store backed by a map guarded by a single mutex.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]RoomLock
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]RoomLock)}
}

// TryAcquire implements Store.
func (s *MemoryStore) TryAcquire(ctx context.Context, l RoomLock) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := recordValidate.Struct(&l); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.locks[l.RoomID]; held {
		return false, nil
	}
	s.locks[l.RoomID] = l
	return true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(ctx context.Context, roomID, packageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, held := s.locks[roomID]
	if !held {
		return nil
	}
	if cur.PackageID != packageID {
		return ErrNotHolder
	}
	delete(s.locks, roomID)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, roomID string) (*RoomLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, held := s.locks[roomID]
	if !held {
		return nil, ErrNotFound
	}
	return &cur, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]RoomLock, error) {
	s.mu.Lock()
	out := make([]RoomLock, 0, len(s.locks))
	for _, l := range s.locks {
		out = append(out, l)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}
