// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph loads call-graph snapshots and traverses them.
//
// A snapshot is produced by an external static-analysis tool and consumed
// here read-only. The package contains two layers:
//
//   - The store: CallGraph, an indexed, immutable view of the snapshot
//     (node lookup, module index, human-query resolution via FindNode).
//   - The traversal engine: BFS, DFS and FindPaths over the calls /
//     called_by adjacency lists.
//
// # Dangling References
//
// Adjacency lists may name ids that are not part of the snapshot (calls into
// libraries, stale data). Loading accepts them and traversals skip them.
//
// # Ownership Model
//
// A CallGraph is an explicit value owned by whoever loaded it. There is no
// process-global graph; several snapshots can coexist.
//
// # Thread Safety
//
// CallGraph is immutable after Load and safe for concurrent reads. Nodes
// returned by lookups MUST NOT be mutated.
package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph operations.
var (
	// ErrMalformedSnapshot is returned when a snapshot fails to parse or
	// validate. Use errors.As with *SnapshotError for details.
	ErrMalformedSnapshot = errors.New("malformed call-graph snapshot")

	// ErrNodeNotFound is returned when a required node id is absent.
	ErrNodeNotFound = errors.New("node not found")
)

// SnapshotError describes why a snapshot was rejected.
type SnapshotError struct {
	// NodeKey is the key of the offending entry in "nodes", if any.
	NodeKey string

	// Reason is a human-readable description.
	Reason string

	// Err is the underlying decode or validation error, if any.
	Err error
}

// Error implements the error interface.
func (e *SnapshotError) Error() string {
	msg := "malformed call-graph snapshot"
	if e.NodeKey != "" {
		msg += fmt.Sprintf(": node %q", e.NodeKey)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns ErrMalformedSnapshot so errors.Is works on the sentinel.
func (e *SnapshotError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedSnapshot, e.Err}
	}
	return []error{ErrMalformedSnapshot}
}
