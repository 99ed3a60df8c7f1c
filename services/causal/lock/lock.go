// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock stores room locks for the work coordinator.
//
// A room is an opaque resource id. The existence of a RoomLock record for a
// room IS the lock; there is no separate held flag. Every Store must provide
// an atomic create-if-absent for records: two concurrent TryAcquire calls for
// the same room can never both succeed.
//
// # Backends
//
//   - FileStore: one file per room created with O_CREATE|O_EXCL. Safe across
//     processes sharing a directory.
//   - BadgerStore: a transaction that reads then writes the key; a commit
//     conflict means the race was lost.
//   - MemoryStore: a map behind one mutex, for tests and single-process use.
//
// # Corrupt Records
//
// A record that exists but cannot be read or decoded is treated as held. It
// is never removed automatically, because a transient read failure looks the
// same as a corrupt file and removing it could break a live lock.
//
// # Expiry
//
// ExpiresAt is recorded but never evaluated. Stale locks from crashed workers
// must be released explicitly.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrNotFound is returned by Get when a room has no lock record.
	ErrNotFound = errors.New("room lock not found")

	// ErrNotHolder is returned by Release when the record belongs to a
	// different package. The record is left in place.
	ErrNotHolder = errors.New("room lock held by another package")

	// ErrMalformedRecord is returned when a lock record exists but cannot
	// be decoded or validated. The room is still considered locked.
	ErrMalformedRecord = errors.New("malformed room lock record")
)

// RoomLock is the record whose presence locks a room.
type RoomLock struct {
	RoomID    string     `json:"room_id" validate:"required"`
	PackageID string     `json:"package_id" validate:"required"`
	WorkerID  string     `json:"worker_id" validate:"required"`
	LockedAt  time.Time  `json:"locked_at" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Store is the room-lock namespace.
//
// # Description
//
// All methods are safe for concurrent use. Implementations never block
// waiting for a lock; TryAcquire either creates the record or reports that
// one exists.
type Store interface {
	// TryAcquire atomically creates a record for l.RoomID if none exists.
	// Returns false, nil when the room is already locked, including by a
	// corrupt record.
	TryAcquire(ctx context.Context, l RoomLock) (bool, error)

	// Release removes the record for roomID if it belongs to packageID.
	// Releasing an unlocked room is not an error.
	Release(ctx context.Context, roomID, packageID string) error

	// Get returns the record for roomID, ErrNotFound if there is none.
	Get(ctx context.Context, roomID string) (*RoomLock, error)

	// List returns every held lock sorted by RoomID. Corrupt records
	// appear with only RoomID set.
	List(ctx context.Context) ([]RoomLock, error)
}

// recordValidate validates lock records on encode and decode.
var recordValidate *validator.Validate

func init() {
	recordValidate = validator.New()
}

// RecordError describes a lock record that could not be decoded.
type RecordError struct {
	RoomID string
	Err    error
}

// Error implements the error interface.
func (e *RecordError) Error() string {
	return fmt.Sprintf("malformed room lock record for %q: %v", e.RoomID, e.Err)
}

// Unwrap allows errors.Is(err, ErrMalformedRecord).
func (e *RecordError) Unwrap() []error {
	return []error{ErrMalformedRecord, e.Err}
}

// Encode validates l and serialises it.
func Encode(l RoomLock) ([]byte, error) {
	if err := recordValidate.Struct(&l); err != nil {
		return nil, fmt.Errorf("invalid room lock: %w", err)
	}
	return json.MarshalIndent(l, "", "  ")
}

// Decode parses and validates a lock record stored for roomID.
func Decode(roomID string, data []byte) (*RoomLock, error) {
	var l RoomLock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, &RecordError{RoomID: roomID, Err: err}
	}
	if err := recordValidate.Struct(&l); err != nil {
		return nil, &RecordError{RoomID: roomID, Err: err}
	}
	if l.RoomID != roomID {
		return nil, &RecordError{RoomID: roomID, Err: fmt.Errorf("record names room %q", l.RoomID)}
	}
	return &l, nil
}
