// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"sort"
	"strings"
)

// Node kinds emitted by the graph producer. The set is open; producers may
// emit other kinds and they are kept verbatim.
const (
	KindFunction = "function"
	KindMethod   = "method"
	KindClass    = "class"
)

// Direction selects which adjacency list a traversal follows.
type Direction int

const (
	// Forward follows Calls (towards callees).
	Forward Direction = iota

	// Backward follows CalledBy (towards callers).
	Backward
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return "unknown"
	}
}

// MarshalText encodes the direction by name.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Node is a single function, method or class in the call graph.
//
// Calls and CalledBy keep the producer's order. Entries may reference ids
// that are not present in the snapshot.
type Node struct {
	ID         string   `json:"id" validate:"required"`
	Name       string   `json:"name"`
	SimpleName string   `json:"simple_name"`
	Type       string   `json:"type"`
	Module     string   `json:"module"`
	File       string   `json:"file"`
	Line       int      `json:"line" validate:"gte=0"`
	Signature  string   `json:"signature"`
	Docstring  string   `json:"docstring,omitempty"`
	Calls      []string `json:"calls"`
	CalledBy   []string `json:"called_by"`
}

// neighbors returns the adjacency list followed in the given direction.
func (n *Node) neighbors(dir Direction) []string {
	if dir == Backward {
		return n.CalledBy
	}
	return n.Calls
}

// CallGraph is an indexed, immutable call-graph snapshot.
//
// Thread Safety:
//
//	Safe for concurrent reads. There are no mutating methods.
type CallGraph struct {
	// Project is the project name reported by the producer.
	Project string

	// Stats is the producer's opaque statistics block.
	Stats map[string]any

	// nodes maps node ID to Node.
	nodes map[string]*Node

	// order holds node IDs in snapshot document order.
	order []string

	// byModule maps module name to the node IDs it contains (load order).
	byModule map[string][]string
}

// newCallGraph creates an empty graph ready for population by the loader.
func newCallGraph(project string, sizeHint int) *CallGraph {
	return &CallGraph{
		Project:  project,
		nodes:    make(map[string]*Node, sizeHint),
		order:    make([]string, 0, sizeHint),
		byModule: make(map[string][]string),
	}
}

// add inserts a node. The caller guarantees id uniqueness.
func (g *CallGraph) add(n *Node) {
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	if n.Module != "" {
		g.byModule[n.Module] = append(g.byModule[n.Module], n.ID)
	}
}

// Len returns the number of nodes in the snapshot.
func (g *CallGraph) Len() int {
	return len(g.nodes)
}

// Node returns the node with the given id.
func (g *CallGraph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in snapshot order.
func (g *CallGraph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Modules returns the sorted list of module names present in the snapshot.
func (g *CallGraph) Modules() []string {
	mods := make([]string, 0, len(g.byModule))
	for m := range g.byModule {
		mods = append(mods, m)
	}
	sort.Strings(mods)
	return mods
}

// NodesInModule returns the ids of nodes declared in module, in load order.
func (g *CallGraph) NodesInModule(module string) []string {
	ids := g.byModule[module]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// FindNode resolves a human-entered query to a node.
//
// Description:
//
//	Resolution order:
//	  1. exact id match
//	  2. exact SimpleName match, first in snapshot order
//	  3. id suffix match on "." + query, first in snapshot order
//
// Inputs:
//
//	query - A node id, a simple name, or a dotted suffix such as "Type.method".
//
// Outputs:
//
//	*Node - The resolved node, nil if nothing matched.
//	bool - True if a node was found.
//
// Limitations:
//
//	When several nodes share a simple name or suffix the first one wins
//	silently. Callers that need an unambiguous answer should pass a full id.
func (g *CallGraph) FindNode(query string) (*Node, bool) {
	if query == "" {
		return nil, false
	}
	if n, ok := g.nodes[query]; ok {
		return n, true
	}
	for _, id := range g.order {
		if n := g.nodes[id]; n.SimpleName == query {
			return n, true
		}
	}
	suffix := "." + query
	for _, id := range g.order {
		if strings.HasSuffix(id, suffix) {
			return g.nodes[id], true
		}
	}
	return nil, false
}
