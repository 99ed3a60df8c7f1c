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
	"context"
	"time"
)

// Traversal limits.
const (
	// DefaultMaxDepth is the default hop limit callers pass to FindPaths.
	DefaultMaxDepth = 10

	// MaxTraversalDepth is the maximum allowed traversal depth.
	MaxTraversalDepth = 100

	// DefaultMaxPaths is the default result limit callers pass to FindPaths.
	DefaultMaxPaths = 10

	// MaxPaths is the largest maxPaths FindPaths accepts.
	MaxPaths = 1000

	// MaxPathFrontier caps the number of partial paths FindPaths keeps queued.
	// Dense graphs have exponentially many simple paths.
	MaxPathFrontier = 100_000

	// contextCheckInterval is how often to check context during traversal.
	contextCheckInterval = 100
)

// Filter decides whether a node may be visited. Returning false excludes
// the node and everything reachable only through it.
type Filter func(n *Node) bool

// PathResult holds the output of FindPaths.
type PathResult struct {
	// Source and Target are the endpoint ids as given.
	Source string `json:"source"`
	Target string `json:"target"`

	// Paths are node-id sequences from Source to Target, shortest first.
	Paths [][]string `json:"paths"`

	// ShortestLength is the hop count of the shortest path, -1 if none.
	ShortestLength int `json:"shortest_length"`

	// TotalPaths is len(Paths).
	TotalPaths int `json:"total_paths"`

	// Truncated is true if the partial-path frontier cap was hit.
	Truncated bool `json:"truncated,omitempty"`
}

// clampDepth normalises a depth limit to [0, MaxTraversalDepth].
func clampDepth(d int) int {
	if d < 0 {
		return 0
	}
	if d > MaxTraversalDepth {
		return MaxTraversalDepth
	}
	return d
}

// BFS computes breadth-first distances from start.
//
// Description:
//
//	Iterative BFS following Calls (Forward) or CalledBy (Backward) up to
//	maxDepth hops. The start node has depth 0. A node keeps the depth at
//	which it was first discovered and is never re-queued. Unknown ids in
//	adjacency lists are skipped. Nodes rejected by filter are neither
//	recorded nor expanded; the start node is not subject to filter.
//
// Inputs:
//
//	ctx - Context for cancellation (checked every 100 nodes)
//	start - Node id to start from
//	dir - Forward or Backward
//	maxDepth - Maximum hops (clamped to [0, 100])
//	filter - Optional visit predicate, nil admits every node
//
// Outputs:
//
//	map[string]int - Node id to depth. Empty if start is not in the graph.
//	error - ctx.Err() if cancelled; the partial map is still returned.
func (g *CallGraph) BFS(ctx context.Context, start string, dir Direction, maxDepth int, filter Filter) (map[string]int, error) {
	t0 := time.Now()
	ctx, span := startTraversalSpan(ctx, "graph.BFS", start, dir)
	defer span.End()

	depths := make(map[string]int)
	if _, ok := g.nodes[start]; !ok {
		recordTraversalMetrics(ctx, "bfs", time.Since(t0), 0)
		return depths, nil
	}
	maxDepth = clampDepth(maxDepth)

	type queueItem struct {
		id    string
		depth int
	}
	queue := []queueItem{{start, 0}}
	depths[start] = 0
	checkCounter := 0

	for len(queue) > 0 {
		checkCounter++
		if checkCounter%contextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return depths, err
			}
		}

		item := queue[0]
		queue = queue[1:]

		if item.depth >= maxDepth {
			continue
		}

		for _, next := range g.nodes[item.id].neighbors(dir) {
			if _, seen := depths[next]; seen {
				continue
			}
			n, ok := g.nodes[next]
			if !ok {
				continue // dangling reference
			}
			if filter != nil && !filter(n) {
				continue
			}
			depths[next] = item.depth + 1
			queue = append(queue, queueItem{next, item.depth + 1})
		}
	}

	recordTraversalMetrics(ctx, "bfs", time.Since(t0), len(depths))
	return depths, nil
}

// DFS returns node ids in depth-first preorder from start.
//
// Description:
//
//	Uses an explicit stack so arbitrarily deep or cyclic graphs cannot
//	exhaust the goroutine stack. Children are explored in adjacency order.
//	Each node appears at most once; a node first reached along a deep
//	branch is not revisited from a shallower one, matching recursive DFS
//	with a shared visited set.
//
// Inputs:
//
//	ctx - Context for cancellation (checked every 100 nodes)
//	start - Node id to start from
//	dir - Forward or Backward
//	maxDepth - Maximum hops (clamped to [0, 100])
//	filter - Optional visit predicate, nil admits every node
//
// Outputs:
//
//	[]string - Visited ids in preorder. Empty if start is not in the graph.
//	error - ctx.Err() if cancelled; the partial order is still returned.
func (g *CallGraph) DFS(ctx context.Context, start string, dir Direction, maxDepth int, filter Filter) ([]string, error) {
	t0 := time.Now()
	ctx, span := startTraversalSpan(ctx, "graph.DFS", start, dir)
	defer span.End()

	order := make([]string, 0)
	if _, ok := g.nodes[start]; !ok {
		recordTraversalMetrics(ctx, "dfs", time.Since(t0), 0)
		return order, nil
	}
	maxDepth = clampDepth(maxDepth)

	type stackItem struct {
		id    string
		depth int
	}
	stack := []stackItem{{start, 0}}
	visited := make(map[string]bool)
	checkCounter := 0

	for len(stack) > 0 {
		checkCounter++
		if checkCounter%contextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return order, err
			}
		}

		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[item.id] {
			continue
		}
		visited[item.id] = true
		order = append(order, item.id)

		if item.depth >= maxDepth {
			continue
		}

		// Push in reverse so the first neighbour is popped first.
		neighbors := g.nodes[item.id].neighbors(dir)
		for i := len(neighbors) - 1; i >= 0; i-- {
			next := neighbors[i]
			if visited[next] {
				continue
			}
			n, ok := g.nodes[next]
			if !ok {
				continue
			}
			if filter != nil && !filter(n) {
				continue
			}
			stack = append(stack, stackItem{next, item.depth + 1})
		}
	}

	recordTraversalMetrics(ctx, "dfs", time.Since(t0), len(order))
	return order, nil
}

// FindPaths enumerates simple paths from source to target.
//
// Description:
//
//	Breadth-first expansion of partial paths, so results come out shortest
//	first. A path never repeats a node. A branch stops growing once it has
//	maxDepth hops; the search stops once maxPaths complete paths are found.
//	If source == target and maxPaths > 0, the single zero-length path is
//	returned.
//
// Inputs:
//
//	ctx - Context for cancellation
//	source - Start node id
//	target - End node id
//	maxDepth - Maximum hops per path, clamped to [0, 100]. 0 admits only
//	           the zero-length source == target path.
//	maxPaths - Maximum paths returned, clamped to 1000. <= 0 returns none.
//	dir - Forward walks calls, Backward walks called_by
//
// Outputs:
//
//	*PathResult - Paths found. Empty if either endpoint is unknown.
//	error - ctx.Err() if cancelled; partial results are still returned.
//
// Limitations:
//
//	Worst case is exponential in maxDepth. The partial-path queue is capped
//	at MaxPathFrontier entries; hitting it sets Truncated.
func (g *CallGraph) FindPaths(ctx context.Context, source, target string, maxDepth, maxPaths int, dir Direction) (*PathResult, error) {
	t0 := time.Now()
	ctx, span := startTraversalSpan(ctx, "graph.FindPaths", source, dir)
	defer span.End()

	result := &PathResult{
		Source:         source,
		Target:         target,
		Paths:          make([][]string, 0),
		ShortestLength: -1,
	}

	_, okSource := g.nodes[source]
	_, okTarget := g.nodes[target]
	if !okSource || !okTarget {
		recordTraversalMetrics(ctx, "paths", time.Since(t0), 0)
		return result, nil
	}

	maxDepth = clampDepth(maxDepth)
	if maxPaths > MaxPaths {
		maxPaths = MaxPaths
	}
	if maxPaths <= 0 {
		recordTraversalMetrics(ctx, "paths", time.Since(t0), 0)
		return result, nil
	}

	defer func() {
		result.TotalPaths = len(result.Paths)
		for _, p := range result.Paths {
			if hops := len(p) - 1; result.ShortestLength < 0 || hops < result.ShortestLength {
				result.ShortestLength = hops
			}
		}
		recordTraversalMetrics(ctx, "paths", time.Since(t0), result.TotalPaths)
	}()

	if source == target {
		result.Paths = append(result.Paths, []string{source})
		return result, nil
	}

	queue := [][]string{{source}}
	checkCounter := 0

	for len(queue) > 0 && len(result.Paths) < maxPaths {
		checkCounter++
		if checkCounter%contextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return result, err
			}
		}

		path := queue[0]
		queue = queue[1:]

		if len(path)-1 >= maxDepth {
			continue
		}

		last := path[len(path)-1]
		for _, next := range g.nodes[last].neighbors(dir) {
			if _, ok := g.nodes[next]; !ok {
				continue
			}
			if containsID(path, next) {
				continue // simple paths only
			}

			extended := make([]string, len(path)+1)
			copy(extended, path)
			extended[len(path)] = next

			if next == target {
				result.Paths = append(result.Paths, extended)
				if len(result.Paths) >= maxPaths {
					return result, nil
				}
				continue
			}

			if len(queue) >= MaxPathFrontier {
				result.Truncated = true
				continue
			}
			queue = append(queue, extended)
		}
	}

	return result, nil
}

func containsID(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}
