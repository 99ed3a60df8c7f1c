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
	"errors"
	"log/slog"
	"strings"

	bstore "github.com/AleutianAI/causal/services/causal/storage/badger"
)

// BadgerStore keeps records in BadgerDB under "packages/", "diffs/" and
// "results/" key prefixes. The caller owns the database.
type BadgerStore struct {
	db     *bstore.DB
	logger *slog.Logger
}

// NewBadgerStore creates a Store over db.
func NewBadgerStore(db *bstore.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger}
}

func (s *BadgerStore) SavePackage(ctx context.Context, p *Package) error {
	data, err := EncodePackage(p)
	if err != nil {
		return err
	}
	return s.db.Put(ctx, key(packagesDir, p.ID), data)
}

func (s *BadgerStore) LoadPackage(ctx context.Context, id string) (*Package, error) {
	return s.loadRecord(ctx, packagesDir, id)
}

func (s *BadgerStore) ListPackages(ctx context.Context) ([]*Package, error) {
	prefix := packagesDir + "/"
	out := make([]*Package, 0)
	err := s.db.Scan(ctx, prefix, func(k string, value []byte) error {
		id := strings.TrimPrefix(k, prefix)
		p, err := DecodePackage(id, value)
		if err != nil {
			s.logger.Warn("skipping unreadable work package",
				slog.String("id", id),
				slog.String("error", err.Error()))
			return nil
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortPackages(out)
	return out, nil
}

func (s *BadgerStore) SaveDiff(ctx context.Context, id string, diff []byte) (string, error) {
	if err := s.db.Put(ctx, key(diffsDir, id), diff); err != nil {
		return "", err
	}
	return s.DiffLocation(id), nil
}

func (s *BadgerStore) LoadDiff(ctx context.Context, id string) ([]byte, error) {
	data, err := s.db.Get(ctx, key(diffsDir, id))
	if errors.Is(err, bstore.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *BadgerStore) SaveResult(ctx context.Context, p *Package) (string, error) {
	data, err := EncodePackage(p)
	if err != nil {
		return "", err
	}
	if err := s.db.Put(ctx, key(resultsDir, p.ID), data); err != nil {
		return "", err
	}
	return s.ResultLocation(p.ID), nil
}

func (s *BadgerStore) LoadResult(ctx context.Context, id string) (*Package, error) {
	return s.loadRecord(ctx, resultsDir, id)
}

func (s *BadgerStore) DiffLocation(id string) string   { return "badger:" + key(diffsDir, id) }
func (s *BadgerStore) ResultLocation(id string) string { return "badger:" + key(resultsDir, id) }

func (s *BadgerStore) loadRecord(ctx context.Context, dir, id string) (*Package, error) {
	data, err := s.db.Get(ctx, key(dir, id))
	if err != nil {
		if errors.Is(err, bstore.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return DecodePackage(id, data)
}

func key(dir, id string) string {
	return dir + "/" + id
}
