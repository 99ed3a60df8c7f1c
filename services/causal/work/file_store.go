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
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Directory names under a FileStore root.
const (
	packagesDir = "packages"
	diffsDir    = "diffs"
	resultsDir  = "results"
)

// FileStore keeps records as files under a root directory:
// {root}/packages/{id}, {root}/diffs/{id} and {root}/results/{id}.
//
// Every write goes to a temp file in the target directory and is renamed
// into place, so readers never see a partial record.
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore creates the store directories under root.
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range []string{packagesDir, diffsDir, resultsDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0755); err != nil {
			return nil, fmt.Errorf("creating %s directory: %w", d, err)
		}
	}
	return &FileStore{root: root, logger: logger}, nil
}

// Root returns the store root.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) SavePackage(ctx context.Context, p *Package) error {
	if !validID(p.ID) {
		return fmt.Errorf("invalid package id %q", p.ID)
	}
	data, err := EncodePackage(p)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path(packagesDir, p.ID), data)
}

func (s *FileStore) LoadPackage(ctx context.Context, id string) (*Package, error) {
	return s.loadRecord(ctx, packagesDir, id)
}

func (s *FileStore) ListPackages(ctx context.Context) ([]*Package, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, packagesDir))
	if err != nil {
		return nil, fmt.Errorf("reading packages directory: %w", err)
	}

	out := make([]*Package, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p, err := s.LoadPackage(ctx, e.Name())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			s.logger.Warn("skipping unreadable work package",
				slog.String("id", e.Name()),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, p)
	}
	sortPackages(out)
	return out, nil
}

func (s *FileStore) SaveDiff(ctx context.Context, id string, diff []byte) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("invalid package id %q", id)
	}
	path := s.path(diffsDir, id)
	if err := writeFileAtomic(path, diff); err != nil {
		return "", err
	}
	return path, nil
}

func (s *FileStore) LoadDiff(ctx context.Context, id string) ([]byte, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.path(diffsDir, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading diff %s: %w", id, err)
	}
	return data, nil
}

func (s *FileStore) SaveResult(ctx context.Context, p *Package) (string, error) {
	if !validID(p.ID) {
		return "", fmt.Errorf("invalid package id %q", p.ID)
	}
	data, err := EncodePackage(p)
	if err != nil {
		return "", err
	}
	path := s.path(resultsDir, p.ID)
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func (s *FileStore) LoadResult(ctx context.Context, id string) (*Package, error) {
	return s.loadRecord(ctx, resultsDir, id)
}

func (s *FileStore) DiffLocation(id string) string   { return s.path(diffsDir, id) }
func (s *FileStore) ResultLocation(id string) string { return s.path(resultsDir, id) }

func (s *FileStore) loadRecord(ctx context.Context, dir, id string) (*Package, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validID(id) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.path(dir, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &RecordError{ID: id, Err: err}
	}
	return DecodePackage(id, data)
}

func (s *FileStore) path(dir, id string) string {
	return filepath.Join(s.root, dir, id)
}

// validID reports whether id is usable as a single file name.
func validID(id string) bool {
	return id != "" && id != "." && id != ".." &&
		!strings.ContainsAny(id, `/\`) && !strings.HasPrefix(id, ".")
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}

	success = true
	return nil
}
