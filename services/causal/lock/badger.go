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
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"

	bstore "github.com/AleutianAI/causal/services/causal/storage/badger"
)

// lockKeyPrefix namespaces room locks inside a shared database.
const lockKeyPrefix = "locks/"

// releaseRetries bounds retries of Release after a transaction conflict.
const releaseRetries = 3

// BadgerStore keeps room locks under "locks/{roomId}" in BadgerDB.
//
// # Description
//
// TryAcquire reads the key and writes it in one transaction. Badger's
// optimistic concurrency check fails the commit with ErrConflict if another
// transaction wrote the key after the read, so two acquirers can never
// both commit.
//
// # Thread Safety
//
// Safe for concurrent use within the process that owns the database.
type BadgerStore struct {
	db     *bstore.DB
	logger *slog.Logger
}

// NewBadgerStore creates a lock store over db. The caller owns db.
func NewBadgerStore(db *bstore.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger}
}

// errHeld aborts an acquire transaction when the key already exists.
var errHeld = errors.New("room held")

// TryAcquire implements Store.
func (s *BadgerStore) TryAcquire(ctx context.Context, l RoomLock) (bool, error) {
	data, err := Encode(l)
	if err != nil {
		return false, err
	}

	key := lockKeyPrefix + l.RoomID
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		_, err := bstore.GetValue(txn, key)
		switch {
		case err == nil:
			return errHeld
		case !errors.Is(err, bstore.ErrKeyNotFound):
			return err
		}
		return txn.Set([]byte(key), data)
	})

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errHeld), bstore.IsConflict(err):
		return false, nil
	default:
		return false, fmt.Errorf("acquiring room %q: %w", l.RoomID, err)
	}
}

// Release implements Store.
func (s *BadgerStore) Release(ctx context.Context, roomID, packageID string) error {
	key := lockKeyPrefix + roomID

	var err error
	for attempt := 0; attempt < releaseRetries; attempt++ {
		err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			data, err := bstore.GetValue(txn, key)
			if errors.Is(err, bstore.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			cur, err := Decode(roomID, data)
			if err != nil {
				return err
			}
			if cur.PackageID != packageID {
				return ErrNotHolder
			}
			return txn.Delete([]byte(key))
		})
		if !bstore.IsConflict(err) {
			break
		}
	}
	return err
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, roomID string) (*RoomLock, error) {
	data, err := s.db.Get(ctx, lockKeyPrefix+roomID)
	if err != nil {
		if errors.Is(err, bstore.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return Decode(roomID, data)
}

// List implements Store. Keys are iterated in order, so the result is
// sorted by room id.
func (s *BadgerStore) List(ctx context.Context) ([]RoomLock, error) {
	out := make([]RoomLock, 0)
	err := s.db.Scan(ctx, lockKeyPrefix, func(key string, value []byte) error {
		roomID := strings.TrimPrefix(key, lockKeyPrefix)
		l, err := Decode(roomID, value)
		if err != nil {
			s.logger.Warn("unreadable room lock treated as held",
				slog.String("room", roomID),
				slog.String("error", err.Error()))
			out = append(out, RoomLock{RoomID: roomID})
			return nil
		}
		out = append(out, *l)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
