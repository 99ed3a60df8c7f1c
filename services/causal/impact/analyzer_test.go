// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package impact

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/causal/services/causal/graph"
)

// main -> handler -> service -> repo -> external.db (dangling)
// worker -> service
const impactSnapshot = `{"nodes": {
  "app.main":    {"simple_name": "main", "module": "app", "file": "app/main.py",
                  "calls": ["app.api.handler"]},
  "app.api.handler": {"simple_name": "handler", "module": "app.api", "file": "app/api.py",
                  "calls": ["app.svc.service"], "called_by": ["app.main"]},
  "app.jobs.worker": {"simple_name": "worker", "module": "app.jobs", "file": "app/jobs.py",
                  "calls": ["app.svc.service"]},
  "app.svc.service": {"simple_name": "service", "module": "app.svc", "file": "app/svc.py",
                  "calls": ["app.db.repo"], "called_by": ["app.api.handler", "app.jobs.worker", "ghost.caller"]},
  "app.db.repo": {"simple_name": "repo", "module": "app.db", "file": "app/db.py",
                  "calls": ["external.db"], "called_by": ["app.svc.service"]}
}}`

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	g, err := graph.Load(strings.NewReader(impactSnapshot))
	require.NoError(t, err)
	return New(g)
}

func TestCallers(t *testing.T) {
	a := newTestAnalyzer(t)
	ctx := context.Background()

	r, err := a.Callers(ctx, "app.svc.service", 5, false)
	require.NoError(t, err)

	assert.Equal(t, "app.svc.service", r.NodeID)
	assert.Equal(t, graph.Backward, r.Direction)
	assert.Equal(t, map[string]int{
		"app.api.handler": 1,
		"app.jobs.worker": 1,
		"app.main":        2,
	}, r.Depths)
	assert.Equal(t, []string{"app.api.handler", "app.jobs.worker"}, r.ByDepth[1])
	assert.Equal(t, []string{"app.main"}, r.ByDepth[2])
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, []string{"app.api.handler", "app.jobs.worker", "app.main"}, r.IDs())
}

func TestCallers_IncludeSelf(t *testing.T) {
	a := newTestAnalyzer(t)

	r, err := a.Callers(context.Background(), "app.svc.service", 1, true)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Depths["app.svc.service"])
	assert.Equal(t, []string{"app.svc.service"}, r.ByDepth[0])
	assert.Equal(t, 3, r.Total)
}

func TestCallees(t *testing.T) {
	a := newTestAnalyzer(t)

	r, err := a.Callees(context.Background(), "app.main", 2, false)
	require.NoError(t, err)
	assert.Equal(t, graph.Forward, r.Direction)
	assert.Equal(t, map[string]int{"app.api.handler": 1, "app.svc.service": 2}, r.Depths)
	assert.Equal(t, 2, r.MaxDepth)
}

func TestAnalyze_UnknownNode(t *testing.T) {
	a := newTestAnalyzer(t)

	r, err := a.Callers(context.Background(), "nope", 3, true)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Total)
	assert.Empty(t, r.ByDepth)
	assert.Empty(t, a.AffectedFiles(r))
}

func TestAnalyze_MaxDepthClamped(t *testing.T) {
	a := newTestAnalyzer(t)

	r, err := a.Callees(context.Background(), "app.main", 1000, false)
	require.NoError(t, err)
	assert.Equal(t, graph.MaxTraversalDepth, r.MaxDepth)
	assert.Equal(t, 3, r.Total)
}

func TestBlastRadius(t *testing.T) {
	a := newTestAnalyzer(t)

	b, err := a.BlastRadius(context.Background(), "app.svc.service", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Callers.Total)
	assert.Equal(t, 1, b.Callees.Total)
	assert.Equal(t, 4, b.Total())
	assert.Equal(t, []string{
		"app/api.py", "app/db.py", "app/jobs.py", "app/main.py", "app/svc.py",
	}, a.Files(b))
}

func TestAffectedFilesAndModules(t *testing.T) {
	a := newTestAnalyzer(t)

	r, err := a.Callers(context.Background(), "app.db.repo", 2, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"app/api.py", "app/db.py", "app/jobs.py", "app/svc.py"}, a.AffectedFiles(r))
	assert.Equal(t, []string{"app.api", "app.db", "app.jobs", "app.svc"}, a.AffectedModules(r))
}

func TestAffectedFiles_SkipsDanglingIDs(t *testing.T) {
	a := newTestAnalyzer(t)

	r := &Result{Depths: map[string]int{"app.db.repo": 1, "ghost.caller": 1}}
	assert.Equal(t, []string{"app/db.py"}, a.AffectedFiles(r))
	assert.Equal(t, []string{"app.db"}, a.AffectedModules(r))
}

func TestAnalyze_Cancelled(t *testing.T) {
	a := newTestAnalyzer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The graph is smaller than the context check interval, so the query
	// completes before cancellation is observed.
	r, err := a.Callers(ctx, "app.db.repo", 5, false)
	require.NoError(t, err)
	assert.Equal(t, 4, r.Total)
}
