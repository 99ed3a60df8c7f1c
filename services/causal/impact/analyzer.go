// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package impact answers "what does a change to this node affect?".
//
// An Analyzer is bound to one call-graph snapshot and projects bounded BFS
// results onto depth buckets, files and modules. It holds no state beyond the
// graph, so one Analyzer may serve concurrent requests.
package impact

import (
	"context"
	"sort"
	"time"

	"github.com/AleutianAI/causal/services/causal/graph"
)

// Result is the outcome of a single-direction impact query.
type Result struct {
	// NodeID is the id the query started from.
	NodeID string `json:"node_id"`

	// Direction is Backward for callers, Forward for callees.
	Direction graph.Direction `json:"direction"`

	// MaxDepth is the effective depth limit.
	MaxDepth int `json:"max_depth"`

	// Depths maps each reached node id to its BFS depth.
	Depths map[string]int `json:"depths"`

	// ByDepth groups reached ids by depth, each bucket sorted.
	ByDepth map[int][]string `json:"by_depth"`

	// Total is len(Depths).
	Total int `json:"total"`
}

// IDs returns the reached ids ordered by depth, then id.
func (r *Result) IDs() []string {
	ids := make([]string, 0, len(r.Depths))
	for id := range r.Depths {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		di, dj := r.Depths[ids[i]], r.Depths[ids[j]]
		if di != dj {
			return di < dj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Blast is the combined callers and callees of a node.
type Blast struct {
	Callers *Result `json:"callers"`
	Callees *Result `json:"callees"`
}

// Total returns the number of distinct nodes reached in either direction.
func (b *Blast) Total() int {
	seen := make(map[string]struct{}, b.Callers.Total+b.Callees.Total)
	for id := range b.Callers.Depths {
		seen[id] = struct{}{}
	}
	for id := range b.Callees.Depths {
		seen[id] = struct{}{}
	}
	return len(seen)
}

// Analyzer runs impact queries against one graph.
type Analyzer struct {
	g *graph.CallGraph
}

// New creates an Analyzer for g.
func New(g *graph.CallGraph) *Analyzer {
	return &Analyzer{g: g}
}

// Graph returns the graph the analyzer is bound to.
func (a *Analyzer) Graph() *graph.CallGraph {
	return a.g
}

// Callers returns every node that transitively calls id.
//
// Description:
//
//	Runs a backward BFS up to maxDepth hops. BFS always records the source
//	at depth 0; when includeSelf is false it is removed afterwards.
//
// Inputs:
//
//	ctx - Context for cancellation
//	id - Exact node id
//	maxDepth - Hop limit (clamped to [0, 100])
//	includeSelf - Keep the source at depth 0 in the result
//
// Outputs:
//
//	*Result - An empty result if id is unknown.
//	error - Non-nil only on cancellation.
func (a *Analyzer) Callers(ctx context.Context, id string, maxDepth int, includeSelf bool) (*Result, error) {
	return a.analyze(ctx, id, graph.Backward, maxDepth, includeSelf)
}

// Callees returns every node transitively called by id. See Callers.
func (a *Analyzer) Callees(ctx context.Context, id string, maxDepth int, includeSelf bool) (*Result, error) {
	return a.analyze(ctx, id, graph.Forward, maxDepth, includeSelf)
}

// BlastRadius returns callers and callees of id, both excluding id itself.
func (a *Analyzer) BlastRadius(ctx context.Context, id string, maxDepth int) (*Blast, error) {
	callers, err := a.Callers(ctx, id, maxDepth, false)
	if err != nil {
		return nil, err
	}
	callees, err := a.Callees(ctx, id, maxDepth, false)
	if err != nil {
		return nil, err
	}
	return &Blast{Callers: callers, Callees: callees}, nil
}

// Files returns the sorted files touched by the blast radius, the source
// node's own file included.
func (a *Analyzer) Files(b *Blast) []string {
	set := make(map[string]struct{})
	a.collect(set, b.Callers, fileOf)
	a.collect(set, b.Callees, fileOf)
	if n, ok := a.g.Node(b.Callers.NodeID); ok && n.File != "" {
		set[n.File] = struct{}{}
	}
	return sortedKeys(set)
}

// AffectedFiles returns the sorted, de-duplicated files of the nodes in r.
// Ids that are not in the graph are skipped.
func (a *Analyzer) AffectedFiles(r *Result) []string {
	set := make(map[string]struct{})
	a.collect(set, r, fileOf)
	return sortedKeys(set)
}

// AffectedModules returns the sorted, de-duplicated modules of the nodes in r.
func (a *Analyzer) AffectedModules(r *Result) []string {
	set := make(map[string]struct{})
	a.collect(set, r, moduleOf)
	return sortedKeys(set)
}

func (a *Analyzer) analyze(ctx context.Context, id string, dir graph.Direction, maxDepth int, includeSelf bool) (*Result, error) {
	start := time.Now()
	kind := directionLabel(dir)

	ctx, span := startAnalysisSpan(ctx, id, kind, maxDepth)
	defer span.End()

	depths, err := a.g.BFS(ctx, id, dir, maxDepth, nil)
	if err != nil {
		setAnalysisSpanResult(span, len(depths), false)
		recordAnalysisMetrics(ctx, time.Since(start), kind, len(depths), false)
		return nil, err
	}
	if !includeSelf {
		delete(depths, id)
	}

	result := &Result{
		NodeID:    id,
		Direction: dir,
		MaxDepth:  clamp(maxDepth),
		Depths:    depths,
		ByDepth:   bucket(depths),
		Total:     len(depths),
	}

	setAnalysisSpanResult(span, result.Total, true)
	recordAnalysisMetrics(ctx, time.Since(start), kind, result.Total, true)
	return result, nil
}

func (a *Analyzer) collect(set map[string]struct{}, r *Result, pick func(*graph.Node) string) {
	if r == nil {
		return
	}
	for id := range r.Depths {
		n, ok := a.g.Node(id)
		if !ok {
			continue
		}
		if v := pick(n); v != "" {
			set[v] = struct{}{}
		}
	}
}

func bucket(depths map[string]int) map[int][]string {
	out := make(map[int][]string)
	for id, d := range depths {
		out[d] = append(out[d], id)
	}
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out
}

func clamp(d int) int {
	if d < 0 {
		return 0
	}
	if d > graph.MaxTraversalDepth {
		return graph.MaxTraversalDepth
	}
	return d
}

func directionLabel(dir graph.Direction) string {
	if dir == graph.Backward {
		return "callers"
	}
	return "callees"
}

func fileOf(n *graph.Node) string   { return n.File }
func moduleOf(n *graph.Node) string { return n.Module }

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
