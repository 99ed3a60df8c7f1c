// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package slice builds causal slices: the bounded callers and callees around
// one or more focal nodes, packaged with the subgraph they induce.
//
// # Roles
//
// Every node in a Bundle has exactly one role: focal, caller or callee. A
// node reachable both ways is kept as a caller. In bundles built by
// ExtractMulti the focal nodes are also entered into Callers at depth 0 with
// RoleFocal, so that callers-first lookups find them; Callees never receives
// focal nodes.
//
// # Thread Safety
//
// Bundles are immutable once returned by the Builder.
package slice

import (
	"encoding/json"
	"sort"

	"github.com/AleutianAI/causal/services/causal/graph"
)

// Role is the position of a node relative to the focal points.
type Role string

const (
	RoleFocal  Role = "focal"
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// SliceNode is a graph node decorated with its place in a slice.
type SliceNode struct {
	*graph.Node

	// Depth is the hop distance from the nearest focal point, 0 for focal.
	Depth int `json:"depth"`

	// Direction is the node's role in the bundle.
	Direction Role `json:"direction"`

	// CallsInSlice and CalledByInSlice are Calls and CalledBy restricted
	// to bundle members, in the node's original order.
	CallsInSlice    []string `json:"calls_in_slice"`
	CalledByInSlice []string `json:"called_by_in_slice"`
}

// Bundle is the result of a slice extraction.
type Bundle struct {
	// FocalPoint is the query as given (the first query for multi bundles).
	FocalPoint string

	// FocalPoints holds the resolved focal ids in query order.
	FocalPoints []string

	// Focal, Callers and Callees map node id to slice node.
	Focal   map[string]*SliceNode
	Callers map[string]*SliceNode
	Callees map[string]*SliceNode

	// AffectedFiles and AffectedModules are the sets touched by the slice.
	AffectedFiles   map[string]struct{}
	AffectedModules map[string]struct{}

	BackwardDepth int
	ForwardDepth  int
}

func newBundle(focalPoint string, backwardDepth, forwardDepth int) *Bundle {
	return &Bundle{
		FocalPoint:      focalPoint,
		FocalPoints:     make([]string, 0, 1),
		Focal:           make(map[string]*SliceNode),
		Callers:         make(map[string]*SliceNode),
		Callees:         make(map[string]*SliceNode),
		AffectedFiles:   make(map[string]struct{}),
		AffectedModules: make(map[string]struct{}),
		BackwardDepth:   backwardDepth,
		ForwardDepth:    forwardDepth,
	}
}

// Member returns the slice node for id in whichever role it holds.
func (b *Bundle) Member(id string) (*SliceNode, bool) {
	if n, ok := b.Focal[id]; ok {
		return n, true
	}
	if n, ok := b.Callers[id]; ok {
		return n, true
	}
	n, ok := b.Callees[id]
	return n, ok
}

// TotalNodes returns the number of distinct node ids in the bundle. Zero
// means the focal point did not resolve.
func (b *Bundle) TotalNodes() int {
	n := len(b.Callers) + len(b.Callees)
	for id := range b.Focal {
		if _, dup := b.Callers[id]; !dup {
			n++
		}
	}
	return n
}

// Files returns the affected files, sorted.
func (b *Bundle) Files() []string {
	return sortedSet(b.AffectedFiles)
}

// Modules returns the affected modules, sorted.
func (b *Bundle) Modules() []string {
	return sortedSet(b.AffectedModules)
}

// Rooms returns the default lock rooms for work on this slice: one room per
// affected file.
func (b *Bundle) Rooms() []string {
	return b.Files()
}

// Nodes returns every bundle member once: focal nodes in FocalPoints order,
// then callers, then callees, each group ordered by depth and id.
func (b *Bundle) Nodes() []*SliceNode {
	out := make([]*SliceNode, 0, b.TotalNodes())
	seen := make(map[string]bool, b.TotalNodes())
	for _, id := range b.FocalPoints {
		if n, ok := b.Member(id); ok && !seen[id] {
			seen[id] = true
			out = append(out, n)
		}
	}
	for _, group := range []map[string]*SliceNode{b.Callers, b.Callees} {
		for _, n := range sortedNodes(group) {
			if !seen[n.ID] {
				seen[n.ID] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// bundleJSON is the wire form of a Bundle; sets become sorted arrays.
type bundleJSON struct {
	FocalPoint      string                `json:"focal_point"`
	FocalPoints     []string              `json:"focal_points"`
	Focal           map[string]*SliceNode `json:"focal"`
	Callers         map[string]*SliceNode `json:"callers"`
	Callees         map[string]*SliceNode `json:"callees"`
	AffectedFiles   []string              `json:"affected_files"`
	AffectedModules []string              `json:"affected_modules"`
	BackwardDepth   int                   `json:"backward_depth"`
	ForwardDepth    int                   `json:"forward_depth"`
	TotalNodes      int                   `json:"total_nodes"`
}

// MarshalJSON implements json.Marshaler.
func (b *Bundle) MarshalJSON() ([]byte, error) {
	return json.Marshal(bundleJSON{
		FocalPoint:      b.FocalPoint,
		FocalPoints:     b.FocalPoints,
		Focal:           b.Focal,
		Callers:         b.Callers,
		Callees:         b.Callees,
		AffectedFiles:   b.Files(),
		AffectedModules: b.Modules(),
		BackwardDepth:   b.BackwardDepth,
		ForwardDepth:    b.ForwardDepth,
		TotalNodes:      b.TotalNodes(),
	})
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedNodes(m map[string]*SliceNode) []*SliceNode {
	out := make([]*SliceNode, 0, len(m))
	for _, n := range m {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].ID < out[j].ID
	})
	return out
}
