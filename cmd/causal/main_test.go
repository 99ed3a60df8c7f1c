// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/causal/services/causal/lock"
	"github.com/AleutianAI/causal/services/causal/work"
)

const cliSnapshot = `{
  "project": "shop",
  "nodes": {
    "api.Handler": {"name": "api.Handler", "simple_name": "Handler", "module": "api", "file": "api/handler.go", "line": 10, "calls": ["svc.Retry"], "called_by": []},
    "svc.Retry": {"name": "svc.Retry", "simple_name": "Retry", "module": "svc", "file": "svc/retry.go", "line": 4, "calls": ["db.Exec"], "called_by": ["api.Handler"]},
    "db.Exec": {"name": "db.Exec", "simple_name": "Exec", "module": "db", "file": "db/exec.go", "line": 22, "calls": [], "called_by": ["svc.Retry"]}
  }
}`

const cliDiff = `diff --git a/svc/retry.go b/svc/retry.go
--- a/svc/retry.go
+++ b/svc/retry.go
@@ -1,2 +1,2 @@
 package svc
-const attempts = 3
+const attempts = 5
`

// cli is a sandbox with a snapshot and a file-backed work root, so state
// persists across run calls.
type cli struct {
	t      *testing.T
	dir    string
	config string
}

func newCLI(t *testing.T, backend string) *cli {
	t.Helper()
	t.Setenv("CAUSAL_GRAPH", "")
	t.Setenv("CAUSAL_WORK_ROOT", "")

	dir := t.TempDir()
	graphPath := filepath.Join(dir, "graph.json")
	require.NoError(t, os.WriteFile(graphPath, []byte(cliSnapshot), 0644))

	body := "graph:\n  path: " + graphPath + "\n" +
		"work:\n  backend: " + backend + "\n  root: " + filepath.Join(dir, "work") + "\n" +
		"  outbox: " + filepath.Join(dir, "outbox") + "\n" +
		"logging:\n  quiet: true\n"
	config := filepath.Join(dir, "causal.yaml")
	require.NoError(t, os.WriteFile(config, []byte(body), 0644))
	return &cli{t: t, dir: dir, config: config}
}

func (c *cli) run(args ...string) (int, string, string) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"--config", c.config}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (c *cli) mustJSON(v any, args ...string) {
	c.t.Helper()
	code, out, errOut := c.run(args...)
	require.Equal(c.t, exitOK, code, "stderr: %s", errOut)
	require.NoError(c.t, json.Unmarshal([]byte(out), v), "stdout: %s", out)
}

func TestRun_Node(t *testing.T) {
	c := newCLI(t, "memory")

	var n struct {
		ID   string `json:"id"`
		File string `json:"file"`
	}
	c.mustJSON(&n, "node", "Retry")
	assert.Equal(t, "svc.Retry", n.ID)
	assert.Equal(t, "svc/retry.go", n.File)
}

func TestRun_NodeNotFound(t *testing.T) {
	c := newCLI(t, "memory")
	code, _, errOut := c.run("node", "Missing")
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "Missing")
}

func TestRun_Callers(t *testing.T) {
	c := newCLI(t, "memory")

	var out struct {
		Total int      `json:"total"`
		Files []string `json:"files"`
	}
	c.mustJSON(&out, "callers", "db.Exec", "--depth", "5")
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, []string{"api/handler.go", "svc/retry.go"}, out.Files)
}

func TestRun_Paths(t *testing.T) {
	c := newCLI(t, "memory")

	var out struct {
		Paths [][]string `json:"paths"`
	}
	c.mustJSON(&out, "paths", "api.Handler", "db.Exec")
	assert.Equal(t, [][]string{{"api.Handler", "svc.Retry", "db.Exec"}}, out.Paths)
}

func TestRun_SliceText(t *testing.T) {
	c := newCLI(t, "memory")
	code, out, errOut := c.run("--output", "text", "slice", "svc.Retry")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "svc.Retry")
	assert.Contains(t, out, "api.Handler")
	assert.Contains(t, out, "db.Exec")
}

func TestRun_UnknownOutput(t *testing.T) {
	c := newCLI(t, "memory")
	code, _, errOut := c.run("--output", "yaml", "node", "Retry")
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "--output")
}

func TestRun_WorkLifecycle(t *testing.T) {
	c := newCLI(t, "file")

	var p work.Package
	c.mustJSON(&p, "work", "create", "--title", "Tune retries", "--from-slice", "svc.Retry")
	require.NotEmpty(t, p.ID)
	assert.Equal(t, work.StatusPending, p.Status)
	assert.Equal(t, []string{"api/handler.go", "db/exec.go", "svc/retry.go"}, p.Rooms)
	assert.Equal(t, 3, p.ImpactRadius)

	c.mustJSON(&p, "work", "checkout", p.ID, "--worker", "alice")
	assert.Equal(t, work.StatusCheckedOut, p.Status)
	assert.Equal(t, "alice", p.WorkerID)

	var locks []struct {
		RoomID    string `json:"room_id"`
		PackageID string `json:"package_id"`
	}
	c.mustJSON(&locks, "work", "locks")
	assert.Len(t, locks, 3)

	diffPath := filepath.Join(c.dir, "change.diff")
	require.NoError(t, os.WriteFile(diffPath, []byte(cliDiff), 0644))
	c.mustJSON(&p, "work", "diff", p.ID, diffPath)
	assert.Equal(t, []string{"svc/retry.go"}, p.DiffFiles)

	c.mustJSON(&p, "work", "complete", p.ID, "--summary", "raised to 5")
	assert.Equal(t, work.StatusCompleted, p.Status)
	c.mustJSON(&locks, "work", "locks")
	assert.Empty(t, locks)

	c.mustJSON(&p, "work", "merge", p.ID)
	assert.Equal(t, work.StatusMerged, p.Status)

	var listed []work.Package
	c.mustJSON(&listed, "work", "list", "--status", "merged")
	require.Len(t, listed, 1)
	assert.Equal(t, p.ID, listed[0].ID)
}

func TestRun_CheckoutConflictExitsRejected(t *testing.T) {
	c := newCLI(t, "file")

	var first, second work.Package
	c.mustJSON(&first, "work", "create", "--title", "one", "--room", "shared.go")
	c.mustJSON(&second, "work", "create", "--title", "two", "--room", "other.go", "--room", "shared.go")
	c.mustJSON(&first, "work", "checkout", first.ID, "--worker", "alice")

	code, _, errOut := c.run("work", "checkout", second.ID, "--worker", "bob")
	assert.Equal(t, exitRejected, code)
	assert.Contains(t, errOut, "rejected")

	var conflicts []struct {
		RoomID    string `json:"room_id"`
		PackageID string `json:"package_id"`
	}
	c.mustJSON(&conflicts, "work", "conflicts", "other.go", "shared.go")
	require.Len(t, conflicts, 1)
	assert.Equal(t, "shared.go", conflicts[0].RoomID)
	assert.Equal(t, first.ID, conflicts[0].PackageID)

	c.mustJSON(&second, "work", "get", second.ID)
	assert.Equal(t, work.StatusPending, second.Status)
}

func TestRun_WorkRejections(t *testing.T) {
	c := newCLI(t, "file")

	var p work.Package
	c.mustJSON(&p, "work", "create", "--title", "t", "--room", "a.go")

	code, _, _ := c.run("work", "complete", p.ID)
	assert.Equal(t, exitRejected, code, "complete from PENDING")

	code, _, _ = c.run("work", "checkout", "no-such-id", "--worker", "w")
	assert.Equal(t, exitRejected, code)

	code, _, _ = c.run("work", "get", "no-such-id")
	assert.Equal(t, exitError, code)

	code, _, _ = c.run("work", "checkout", p.ID)
	assert.Equal(t, exitError, code, "missing --worker")

	code, _, _ = c.run("work", "list", "--status", "bogus")
	assert.Equal(t, exitError, code)
}

func TestRun_ExportDispatch(t *testing.T) {
	c := newCLI(t, "file")

	var p work.Package
	c.mustJSON(&p, "work", "create", "--title", "Tune", "--room", "svc/retry.go", "--priority", "4")

	var h work.Handoff
	c.mustJSON(&h, "work", "export", p.ID, "--slice", "svc.Retry", "--dispatch")
	assert.Equal(t, p.ID, h.ID)
	assert.Equal(t, 4, h.Priority)
	assert.Equal(t, "Tune", h.Description)
	assert.True(t, strings.Contains(h.Inputs.CausalSliceText, "svc.Retry"))

	published, err := os.ReadFile(filepath.Join(c.dir, "outbox", p.ID+".json"))
	require.NoError(t, err)
	var got work.Handoff
	require.NoError(t, json.Unmarshal(published, &got))
	assert.Equal(t, h, got)
}

// lockedBuffer is a bytes.Buffer safe for one writer and one reader.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchLocks_StreamsEvents(t *testing.T) {
	store, err := lock.NewFileStore(filepath.Join(t.TempDir(), "locks"), nil)
	require.NoError(t, err)
	watcher, err := lock.NewWatcher(store, nil)
	require.NoError(t, err)
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var out lockedBuffer
	done := make(chan error, 1)
	go func() { done <- watchLocks(ctx, &out, watcher, true) }()

	bg := context.Background()
	ok, err := store.TryAcquire(bg, lock.RoomLock{
		RoomID: "svc/retry.go", PackageID: "p1", WorkerID: "alice", LockedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `{"room":"svc/retry.go","op":"acquired"}`)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, store.Release(bg, "svc/retry.go", "p1"))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `{"room":"svc/retry.go","op":"released"}`)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watchLocks did not return after cancel")
	}
}

func TestWatchLocks_TextAndClosedWatcher(t *testing.T) {
	store, err := lock.NewFileStore(filepath.Join(t.TempDir(), "locks"), nil)
	require.NoError(t, err)
	watcher, err := lock.NewWatcher(store, nil)
	require.NoError(t, err)

	var out lockedBuffer
	done := make(chan error, 1)
	go func() { done <- watchLocks(context.Background(), &out, watcher, false) }()

	ok, err := store.TryAcquire(context.Background(), lock.RoomLock{
		RoomID: "a.go", PackageID: "p1", WorkerID: "w", LockedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "acquired  a.go\n")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, watcher.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watchLocks did not return after Close")
	}
}

func TestRun_WatchNeedsFileBackend(t *testing.T) {
	c := newCLI(t, "memory")
	code, _, errOut := c.run("work", "locks", "--watch")
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "--watch")
}
