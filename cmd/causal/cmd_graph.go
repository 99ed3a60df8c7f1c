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
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/causal/services/causal/graph"
	"github.com/AleutianAI/causal/services/causal/impact"
	"github.com/AleutianAI/causal/services/causal/slice"
)

func newNodeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "node <query>",
		Short: "Resolve a function by id, simple name or qualified suffix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			return a.emit(cmd, n, func(w io.Writer) error {
				fmt.Fprintf(w, "%s (%s:%d)\n", n.ID, n.File, n.Line)
				if n.Signature != "" {
					fmt.Fprintf(w, "  %s\n", n.Signature)
				}
				fmt.Fprintf(w, "  module: %s\n", n.Module)
				fmt.Fprintf(w, "  calls: %s\n", strings.Join(n.Calls, ", "))
				_, err := fmt.Fprintf(w, "  called by: %s\n", strings.Join(n.CalledBy, ", "))
				return err
			})
		},
	}
}

// impactOutput is the JSON shape of callers/callees.
type impactOutput struct {
	*impact.Result
	Files   []string `json:"files"`
	Modules []string `json:"modules"`
}

// newImpactCmd builds "callers" or "callees".
func newImpactCmd(a *app, kind string) *cobra.Command {
	var (
		depth       int
		includeSelf bool
	)
	short := "List transitive callers of a function"
	if kind == "callees" {
		short = "List transitive callees of a function"
	}

	cmd := &cobra.Command{
		Use:   kind + " <query>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			an, err := a.analyzer()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("depth") {
				depth = a.defaultDepth(kind)
			}

			var r *impact.Result
			if kind == "callers" {
				r, err = an.Callers(cmd.Context(), n.ID, depth, includeSelf)
			} else {
				r, err = an.Callees(cmd.Context(), n.ID, depth, includeSelf)
			}
			if err != nil {
				return err
			}

			out := impactOutput{Result: r, Files: an.AffectedFiles(r), Modules: an.AffectedModules(r)}
			return a.emit(cmd, out, func(w io.Writer) error {
				fmt.Fprintf(w, "%s of %s (depth %d): %d\n", kind, n.ID, r.MaxDepth, r.Total)
				return writeIDs(w, an.Graph(), r)
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "Maximum hops (default from config)")
	cmd.Flags().BoolVar(&includeSelf, "include-self", false, "Include the function itself at depth 0")
	return cmd
}

func (a *app) defaultDepth(kind string) int {
	if kind == "callers" {
		return a.cfg.Slice.BackwardDepth
	}
	return a.cfg.Slice.ForwardDepth
}

func writeIDs(w io.Writer, g *graph.CallGraph, r *impact.Result) error {
	for _, id := range r.IDs() {
		loc := "external"
		if n, ok := g.Node(id); ok {
			loc = fmt.Sprintf("%s:%d", n.File, n.Line)
		}
		if _, err := fmt.Fprintf(w, "  [%d] %s (%s)\n", r.Depths[id], id, loc); err != nil {
			return err
		}
	}
	return nil
}

type blastOutput struct {
	Node  string        `json:"node"`
	Blast *impact.Blast `json:"blast"`
	Total int           `json:"total"`
	Files []string      `json:"files"`
}

func newBlastCmd(a *app) *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "blast <query>",
		Short: "Show the blast radius (callers and callees) of a function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			an, err := a.analyzer()
			if err != nil {
				return err
			}
			b, err := an.BlastRadius(cmd.Context(), n.ID, depth)
			if err != nil {
				return err
			}

			out := blastOutput{Node: n.ID, Blast: b, Total: b.Total(), Files: an.Files(b)}
			return a.emit(cmd, out, func(w io.Writer) error {
				fmt.Fprintf(w, "Blast radius of %s: %d nodes, %d files\n", n.ID, out.Total, len(out.Files))
				fmt.Fprintf(w, "Callers (%d):\n", b.Callers.Total)
				if err := writeIDs(w, an.Graph(), b.Callers); err != nil {
					return err
				}
				fmt.Fprintf(w, "Callees (%d):\n", b.Callees.Total)
				if err := writeIDs(w, an.Graph(), b.Callees); err != nil {
					return err
				}
				fmt.Fprintln(w, "Files:")
				for _, f := range out.Files {
					fmt.Fprintf(w, "  %s\n", f)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 3, "Maximum hops in each direction")
	return cmd
}

func newPathsCmd(a *app) *cobra.Command {
	var (
		maxDepth int
		maxPaths int
		backward bool
	)
	cmd := &cobra.Command{
		Use:   "paths <source> <target>",
		Short: "Find call paths between two functions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			dst, err := a.resolve(args[1])
			if err != nil {
				return err
			}
			g, err := a.callGraph()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-depth") {
				maxDepth = a.cfg.Graph.MaxPathDepth
			}
			if !cmd.Flags().Changed("max-paths") {
				maxPaths = a.cfg.Graph.MaxPaths
			}
			dir := graph.Forward
			if backward {
				dir = graph.Backward
			}

			res, err := g.FindPaths(cmd.Context(), src.ID, dst.ID, maxDepth, maxPaths, dir)
			if err != nil {
				return err
			}
			return a.emit(cmd, res, func(w io.Writer) error {
				if res.TotalPaths == 0 {
					_, err := fmt.Fprintf(w, "No path from %s to %s\n", src.ID, dst.ID)
					return err
				}
				fmt.Fprintf(w, "%d path(s) from %s to %s, shortest %d hop(s)\n",
					res.TotalPaths, src.ID, dst.ID, res.ShortestLength)
				for _, p := range res.Paths {
					fmt.Fprintf(w, "  %s\n", strings.Join(p, " -> "))
				}
				if res.Truncated {
					fmt.Fprintln(w, "  (search truncated)")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "Maximum hops per path (default from config)")
	cmd.Flags().IntVar(&maxPaths, "max-paths", 0, "Maximum paths (default from config)")
	cmd.Flags().BoolVar(&backward, "backward", false, "Follow called_by edges instead of calls")
	return cmd
}

// sliceDepths are the --backward-depth/--forward-depth flags shared by
// slice and work create.
type sliceDepths struct {
	backward int
	forward  int
}

func (d *sliceDepths) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&d.backward, "backward-depth", -1, "Caller depth (default from config)")
	cmd.Flags().IntVar(&d.forward, "forward-depth", -1, "Callee depth (default from config)")
}

// extract builds a slice over one or more focal points.
func (a *app) extract(cmd *cobra.Command, focal []string, d sliceDepths) (*slice.Bundle, error) {
	b, err := a.sliceBuilder()
	if err != nil {
		return nil, err
	}
	if d.backward < 0 {
		d.backward = a.cfg.Slice.BackwardDepth
	}
	if d.forward < 0 {
		d.forward = a.cfg.Slice.ForwardDepth
	}

	var bundle *slice.Bundle
	if len(focal) == 1 {
		bundle, err = b.Extract(cmd.Context(), focal[0], d.backward, d.forward)
	} else {
		bundle, err = b.ExtractMulti(cmd.Context(), focal, d.backward, d.forward)
	}
	if err != nil {
		return nil, err
	}
	if bundle.TotalNodes() == 0 {
		return nil, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, strings.Join(focal, ", "))
	}
	return bundle, nil
}

func newSliceCmd(a *app) *cobra.Command {
	var depths sliceDepths
	cmd := &cobra.Command{
		Use:   "slice <query>...",
		Short: "Extract the causal slice around one or more functions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := a.extract(cmd, args, depths)
			if err != nil {
				return err
			}
			return a.emit(cmd, bundle, func(w io.Writer) error {
				return slice.Render(w, bundle)
			})
		},
	}
	depths.register(cmd)
	return cmd
}
