// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Put(ctx, "packages/p1", []byte("v1")))

	got, err := db.Get(ctx, "packages/p1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
	assert.True(t, db.InMemory())
	assert.Equal(t, "", db.Path())
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = time.Hour

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Put(context.Background(), "locks/r1", []byte("held")))
	require.NoError(t, db.Close())
	// Second close is a no-op.
	require.NoError(t, db.Close())

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get(context.Background(), "locks/r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("held"), got)
	assert.Equal(t, dir, db2.Path())
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestConfigFunctions(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.SyncWrites)
	assert.False(t, cfg.InMemory)
	assert.Equal(t, 5*time.Minute, cfg.GCInterval)

	mem := InMemoryConfig()
	assert.True(t, mem.InMemory)
	assert.Equal(t, time.Duration(0), mem.GCInterval)
}

func TestGet_Missing(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestWithTxn_RollbackOnError(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	boom := errors.New("boom")
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = db.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestWithTxn_ConflictDetected(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	// Two transactions read the same absent key and both write it; the
	// second to commit must conflict.
	first := db.NewTransaction(true)
	defer first.Discard()
	_, err = GetValue(first, "locks/r1")
	require.ErrorIs(t, err, ErrKeyNotFound)

	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := GetValue(txn, "locks/r1"); !errors.Is(err, ErrKeyNotFound) {
			return err
		}
		return txn.Set([]byte("locks/r1"), []byte("second"))
	})
	require.NoError(t, err)

	require.NoError(t, first.Set([]byte("locks/r1"), []byte("first")))
	err = first.Commit()
	assert.True(t, IsConflict(err), "got %v", err)
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScan_Prefix(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	for _, k := range []string{"locks/b", "locks/a", "packages/x"} {
		require.NoError(t, db.Put(ctx, k, []byte(k)))
	}

	var keys []string
	err = db.Scan(ctx, "locks/", func(key string, value []byte) error {
		keys = append(keys, key)
		assert.Equal(t, key, string(value))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"locks/a", "locks/b"}, keys)
}
