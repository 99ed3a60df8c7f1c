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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps one lock file per room in a directory.
//
// # Description
//
// The lock file for a room is created with O_CREATE|O_EXCL, so the kernel
// guarantees at most one creator wins. The file holds the JSON RoomLock.
// Room ids are path-escaped to form file names.
//
// # Thread Safety
//
// Safe for concurrent use, including from several processes sharing Dir.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates the lock directory if needed and returns a store
// rooted at it.
//
// # Inputs
//
//   - dir: Lock directory, typically {workRoot}/locks.
//   - logger: Logger for corrupt-record warnings. nil uses slog.Default().
//
// # Outputs
//
//   - *FileStore: Ready-to-use store.
//   - error: Non-nil if the directory cannot be created.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the lock directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// TryAcquire implements Store.
//
// # Description
//
// Creates the room's lock file exclusively and writes the record. If the
// write fails the half-written file is removed so the room is not left
// locked by a record nobody owns.
func (s *FileStore) TryAcquire(ctx context.Context, l RoomLock) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := Encode(l)
	if err != nil {
		return false, err
	}
	if err := s.ensureDir(); err != nil {
		return false, err
	}

	path := s.lockPath(l.RoomID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("creating lock file for room %q: %w", l.RoomID, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return false, fmt.Errorf("writing lock file for room %q: %w", l.RoomID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("closing lock file for room %q: %w", l.RoomID, err)
	}

	s.logger.Debug("acquired room lock",
		slog.String("room", l.RoomID),
		slog.String("package_id", l.PackageID))
	return true, nil
}

// Release implements Store.
//
// # Limitations
//
// The holder check and the removal are two steps. Another process can only
// slip between them by removing the same record first, which requires the
// same package id.
func (s *FileStore) Release(ctx context.Context, roomID, packageID string) error {
	cur, err := s.Get(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if cur.PackageID != packageID {
		return ErrNotHolder
	}

	if err := os.Remove(s.lockPath(roomID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing lock file for room %q: %w", roomID, err)
	}

	s.logger.Debug("released room lock",
		slog.String("room", roomID),
		slog.String("package_id", packageID))
	return nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, roomID string) (*RoomLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.lockPath(roomID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &RecordError{RoomID: roomID, Err: err}
	}
	return Decode(roomID, data)
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]RoomLock, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []RoomLock{}, nil
		}
		return nil, fmt.Errorf("reading lock directory: %w", err)
	}

	out := make([]RoomLock, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		roomID, ok := roomFromFileName(entry.Name())
		if !ok {
			continue
		}

		l, err := s.Get(ctx, roomID)
		switch {
		case err == nil:
			out = append(out, *l)
		case errors.Is(err, ErrNotFound):
			// Released since ReadDir.
		case errors.Is(err, ErrMalformedRecord):
			s.logger.Warn("unreadable room lock treated as held",
				slog.String("room", roomID),
				slog.String("error", err.Error()))
			out = append(out, RoomLock{RoomID: roomID})
		default:
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

func (s *FileStore) ensureDir() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	return nil
}

func (s *FileStore) lockPath(roomID string) string {
	return filepath.Join(s.dir, roomFileName(roomID))
}

// roomFileName maps a room id to a single path element. A leading dot is
// escaped too, so "." and ".." stay inside the directory and no record is
// hidden.
func roomFileName(roomID string) string {
	name := url.PathEscape(roomID)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name
}

// roomFromFileName reverses roomFileName. Hidden files are not lock records.
func roomFromFileName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	roomID, err := url.PathUnescape(name)
	if err != nil || roomID == "" {
		return "", false
	}
	return roomID, true
}
