// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package work

import (
	"context"
	"sort"
	"sync"
)

// Store persists package records, diff payloads and result snapshots.
//
// Description:
//
//	Records are keyed by package id:
//
//	  packages/{id}  current record
//	  diffs/{id}     last submitted diff, raw
//	  results/{id}   record snapshot taken at completion
//
//	Stores hand out copies; mutating a returned Package does not change
//	the stored record.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use. Serialising updates
//	to one package is the Coordinator's job.
type Store interface {
	SavePackage(ctx context.Context, p *Package) error

	// LoadPackage returns ErrNotFound for an unknown id.
	LoadPackage(ctx context.Context, id string) (*Package, error)

	// ListPackages returns every readable record. Unreadable records are
	// skipped and logged.
	ListPackages(ctx context.Context) ([]*Package, error)

	// SaveDiff stores the payload and returns its location.
	SaveDiff(ctx context.Context, id string, diff []byte) (string, error)

	// LoadDiff returns ErrNotFound if no diff was submitted.
	LoadDiff(ctx context.Context, id string) ([]byte, error)

	// SaveResult stores a snapshot of p and returns its location.
	SaveResult(ctx context.Context, p *Package) (string, error)

	// LoadResult returns ErrNotFound if the package was never completed.
	LoadResult(ctx context.Context, id string) (*Package, error)

	// DiffLocation and ResultLocation name where SaveDiff and SaveResult
	// put the payloads for id, whether or not they exist yet.
	DiffLocation(id string) string
	ResultLocation(id string) string
}

// MemoryStore is a Store that keeps everything in maps.
type MemoryStore struct {
	mu       sync.RWMutex
	packages map[string]*Package
	diffs    map[string][]byte
	results  map[string]*Package
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		packages: make(map[string]*Package),
		diffs:    make(map[string][]byte),
		results:  make(map[string]*Package),
	}
}

func (s *MemoryStore) SavePackage(ctx context.Context, p *Package) error {
	if err := recordValidate.Struct(p); err != nil {
		return err
	}
	s.mu.Lock()
	s.packages[p.ID] = p.clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadPackage(ctx context.Context, id string) (*Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

func (s *MemoryStore) ListPackages(ctx context.Context) ([]*Package, error) {
	s.mu.RLock()
	out := make([]*Package, 0, len(s.packages))
	for _, p := range s.packages {
		out = append(out, p.clone())
	}
	s.mu.RUnlock()
	sortPackages(out)
	return out, nil
}

func (s *MemoryStore) SaveDiff(ctx context.Context, id string, diff []byte) (string, error) {
	buf := make([]byte, len(diff))
	copy(buf, diff)
	s.mu.Lock()
	s.diffs[id] = buf
	s.mu.Unlock()
	return s.DiffLocation(id), nil
}

func (s *MemoryStore) LoadDiff(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.diffs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(d))
	copy(out, d)
	return out, nil
}

func (s *MemoryStore) SaveResult(ctx context.Context, p *Package) (string, error) {
	s.mu.Lock()
	s.results[p.ID] = p.clone()
	s.mu.Unlock()
	return s.ResultLocation(p.ID), nil
}

func (s *MemoryStore) LoadResult(ctx context.Context, id string) (*Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.results[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

func (s *MemoryStore) DiffLocation(id string) string   { return "memory:diffs/" + id }
func (s *MemoryStore) ResultLocation(id string) string { return "memory:results/" + id }

// sortPackages orders packages by creation time, then id.
func sortPackages(ps []*Package) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
