// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package slice

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/causal/services/causal/graph"
	"github.com/AleutianAI/causal/services/causal/impact"
)

var tracer = otel.Tracer("causal.slice")

// Builder extracts slice bundles from one graph.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Builder struct {
	g        *graph.CallGraph
	analyzer *impact.Analyzer
	logger   *slog.Logger
}

// New creates a Builder over the analyzer's graph. A nil logger uses
// slog.Default().
func New(analyzer *impact.Analyzer, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		g:        analyzer.Graph(),
		analyzer: analyzer,
		logger:   logger,
	}
}

// Extract builds the causal slice around one focal point.
//
// Description:
//
//	The focal point is resolved as an exact id first, then through
//	graph.FindNode. Callers are collected up to backwardDepth hops and
//	callees up to forwardDepth hops; a node found in both directions is
//	kept as a caller. Affected files and modules include the focal node's
//	own. Finally every member's edges are restricted to the bundle.
//
// Inputs:
//
//	ctx - Context for cancellation
//	focalPoint - Node id or human query
//	backwardDepth - Caller hop limit
//	forwardDepth - Callee hop limit
//
// Outputs:
//
//	*Bundle - If focalPoint does not resolve, an empty bundle with only
//	FocalPoint set. Check TotalNodes() == 0.
//	error - Non-nil only on cancellation.
func (b *Builder) Extract(ctx context.Context, focalPoint string, backwardDepth, forwardDepth int) (*Bundle, error) {
	ctx, span := tracer.Start(ctx, "slice.Extract",
		trace.WithAttributes(
			attribute.String("slice.focal_point", focalPoint),
			attribute.Int("slice.backward_depth", backwardDepth),
			attribute.Int("slice.forward_depth", forwardDepth),
		),
	)
	defer span.End()

	bundle, err := b.extract(ctx, focalPoint, backwardDepth, forwardDepth)
	if err != nil {
		return nil, err
	}
	buildSliceRelationships(bundle)

	span.SetAttributes(attribute.Int("slice.total_nodes", bundle.TotalNodes()))
	return bundle, nil
}

func (b *Builder) extract(ctx context.Context, focalPoint string, backwardDepth, forwardDepth int) (*Bundle, error) {
	focal, ok := b.g.Node(focalPoint)
	if !ok {
		focal, ok = b.g.FindNode(focalPoint)
	}
	if !ok {
		b.logger.Debug("slice focal point not found", slog.String("focal_point", focalPoint))
		return newBundle(focalPoint, backwardDepth, forwardDepth), nil
	}

	callers, err := b.analyzer.Callers(ctx, focal.ID, backwardDepth, false)
	if err != nil {
		return nil, err
	}
	callees, err := b.analyzer.Callees(ctx, focal.ID, forwardDepth, false)
	if err != nil {
		return nil, err
	}

	bundle := newBundle(focalPoint, callers.MaxDepth, callees.MaxDepth)
	bundle.FocalPoints = append(bundle.FocalPoints, focal.ID)
	bundle.Focal[focal.ID] = &SliceNode{Node: focal, Depth: 0, Direction: RoleFocal}
	bundle.touch(focal)

	for depth, ids := range callers.ByDepth {
		for _, id := range ids {
			n, ok := b.g.Node(id)
			if !ok {
				continue
			}
			bundle.Callers[id] = &SliceNode{Node: n, Depth: depth, Direction: RoleCaller}
			bundle.touch(n)
		}
	}

	for depth, ids := range callees.ByDepth {
		for _, id := range ids {
			if _, isFocal := bundle.Focal[id]; isFocal {
				continue
			}
			if _, isCaller := bundle.Callers[id]; isCaller {
				continue
			}
			n, ok := b.g.Node(id)
			if !ok {
				continue
			}
			bundle.Callees[id] = &SliceNode{Node: n, Depth: depth, Direction: RoleCallee}
			bundle.touch(n)
		}
	}

	b.logger.Debug("slice extracted",
		slog.String("focal", focal.ID),
		slog.Int("callers", len(bundle.Callers)),
		slog.Int("callees", len(bundle.Callees)),
	)
	return bundle, nil
}

// ExtractMulti builds one bundle covering several focal points.
//
// Description:
//
//	Each point is extracted independently and the results are unioned.
//	A node present in several per-point bundles keeps its minimum depth.
//	Every resolved focal node is then placed in Callers at depth 0 with
//	RoleFocal (and in Focal); Callees never receives focal nodes. Nodes
//	that ended up as both caller and callee are kept as callers. Slice
//	relationships are rebuilt over the merged bundle.
//
// Inputs:
//
//	ctx - Context for cancellation
//	focalPoints - Node ids or human queries; unresolved ones are skipped
//	backwardDepth - Caller hop limit
//	forwardDepth - Callee hop limit
//
// Outputs:
//
//	*Bundle - FocalPoint is the first query that resolved, or the first
//	          query when none did (the bundle is then empty).
//	error - Non-nil only on cancellation.
func (b *Builder) ExtractMulti(ctx context.Context, focalPoints []string, backwardDepth, forwardDepth int) (*Bundle, error) {
	ctx, span := tracer.Start(ctx, "slice.ExtractMulti",
		trace.WithAttributes(attribute.Int("slice.focal_points", len(focalPoints))),
	)
	defer span.End()

	first := ""
	if len(focalPoints) > 0 {
		first = focalPoints[0]
	}
	merged := newBundle(first, backwardDepth, forwardDepth)

	resolved := false
	for _, fp := range focalPoints {
		part, err := b.extract(ctx, fp, backwardDepth, forwardDepth)
		if err != nil {
			return nil, err
		}
		if len(part.FocalPoints) == 0 {
			continue
		}
		if !resolved {
			merged.FocalPoint = fp
			resolved = true
		}
		merged.BackwardDepth = part.BackwardDepth
		merged.ForwardDepth = part.ForwardDepth

		for _, id := range part.FocalPoints {
			if _, dup := merged.Focal[id]; dup {
				continue
			}
			merged.FocalPoints = append(merged.FocalPoints, id)
			merged.Focal[id] = &SliceNode{Node: part.Focal[id].Node, Depth: 0, Direction: RoleFocal}
		}
		mergeMin(merged.Callers, part.Callers)
		mergeMin(merged.Callees, part.Callees)
		for f := range part.AffectedFiles {
			merged.AffectedFiles[f] = struct{}{}
		}
		for m := range part.AffectedModules {
			merged.AffectedModules[m] = struct{}{}
		}
	}

	for id, sn := range merged.Focal {
		merged.Callers[id] = sn
	}
	for id := range merged.Callees {
		if _, isCaller := merged.Callers[id]; isCaller {
			delete(merged.Callees, id)
		}
	}

	buildSliceRelationships(merged)

	span.SetAttributes(attribute.Int("slice.total_nodes", merged.TotalNodes()))
	return merged, nil
}

// buildSliceRelationships restricts every member's calls and called_by to
// ids that are themselves bundle members.
func buildSliceRelationships(b *Bundle) {
	inSlice := func(id string) bool {
		_, ok := b.Member(id)
		return ok
	}
	filter := func(ids []string) []string {
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if inSlice(id) {
				out = append(out, id)
			}
		}
		return out
	}

	for _, group := range []map[string]*SliceNode{b.Focal, b.Callers, b.Callees} {
		for _, sn := range group {
			sn.CallsInSlice = filter(sn.Calls)
			sn.CalledByInSlice = filter(sn.CalledBy)
		}
	}
}

// touch records a member's file and module.
func (b *Bundle) touch(n *graph.Node) {
	if n.File != "" {
		b.AffectedFiles[n.File] = struct{}{}
	}
	if n.Module != "" {
		b.AffectedModules[n.Module] = struct{}{}
	}
}

// mergeMin copies src into dst, keeping the shallower node on collision.
func mergeMin(dst, src map[string]*SliceNode) {
	for id, sn := range src {
		if cur, ok := dst[id]; ok && cur.Depth <= sn.Depth {
			continue
		}
		copied := *sn
		dst[id] = &copied
	}
}
