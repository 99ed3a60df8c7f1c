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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/causal/pkg/logging"
	"github.com/AleutianAI/causal/services/causal/config"
	"github.com/AleutianAI/causal/services/causal/graph"
	"github.com/AleutianAI/causal/services/causal/impact"
	"github.com/AleutianAI/causal/services/causal/lock"
	"github.com/AleutianAI/causal/services/causal/slice"
	bstore "github.com/AleutianAI/causal/services/causal/storage/badger"
	"github.com/AleutianAI/causal/services/causal/telemetry"
	"github.com/AleutianAI/causal/services/causal/work"
)

// Output modes for --output.
const (
	outputAuto = "auto"
	outputJSON = "json"
	outputText = "text"
)

// app holds per-invocation state shared by subcommands. Heavy resources
// (graph, stores) are opened on first use.
type app struct {
	configPath string
	graphPath  string
	output     string
	jsonOut    bool

	cfg    config.Config
	logger *logging.Logger

	snapshot  *graph.CallGraph
	coord     *work.Coordinator
	fileLocks *lock.FileStore
	closers   []func() error
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}

	root := &cobra.Command{
		Use:   "causal",
		Short: "Causal slices over call graphs and room-locked work packages",
		Long: `causal loads a call-graph snapshot produced by a static-analysis tool,
computes bounded caller/callee slices around focal functions, and coordinates
work packages whose rooms are locked all-or-nothing at checkout.

Examples:
  causal slice --graph graph.json pkg.Handler
  causal work create --title "Tighten retries" --from-slice retry --graph graph.json
  causal work checkout <id> --worker alice`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	defaultConfig := os.Getenv("CAUSAL_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "causal.yaml"
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", defaultConfig, "Config file (missing file uses defaults)")
	pf.StringVar(&a.graphPath, "graph", "", "Call-graph snapshot (overrides config)")
	pf.BoolVar(&a.jsonOut, "json", false, "Output JSON (same as --output json)")
	pf.StringVar(&a.output, "output", outputAuto, "Output format: auto, json, text")

	root.AddCommand(
		newNodeCmd(a),
		newImpactCmd(a, "callers"),
		newImpactCmd(a, "callees"),
		newBlastCmd(a),
		newPathsCmd(a),
		newSliceCmd(a),
		newWorkCmd(a),
	)
	return root, a
}

func (a *app) setup(cmd *cobra.Command) error {
	switch a.output {
	case outputAuto, outputJSON, outputText:
	default:
		return fmt.Errorf("unknown --output %q", a.output)
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.graphPath != "" {
		cfg.Graph.Path = a.graphPath
	}
	a.cfg = cfg

	logCfg := cfg.Logging
	logCfg.Output = cmd.ErrOrStderr()
	a.logger = logging.New(logCfg)
	a.closers = append(a.closers, a.logger.Close)

	shutdown, err := telemetry.Init(cmd.Context(), cfg.Telemetry)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })
	return nil
}

// close releases resources in reverse order. Safe to call twice.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// useJSON reports whether output should be JSON: forced by flag, or
// automatic when stdout is not a terminal.
func (a *app) useJSON(w io.Writer) bool {
	if a.jsonOut || a.output == outputJSON {
		return true
	}
	if a.output == outputText {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// emit writes v as JSON or calls text for the human form.
func (a *app) emit(cmd *cobra.Command, v any, text func(w io.Writer) error) error {
	w := cmd.OutOrStdout()
	if a.useJSON(w) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

func (a *app) callGraph() (*graph.CallGraph, error) {
	if a.snapshot != nil {
		return a.snapshot, nil
	}
	if a.cfg.Graph.Path == "" {
		return nil, fmt.Errorf("no call-graph snapshot: pass --graph or set %s", config.EnvGraph)
	}
	g, err := graph.LoadFile(a.cfg.Graph.Path)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("loaded call graph",
		"path", a.cfg.Graph.Path,
		"nodes", g.Len())
	a.snapshot = g
	return g, nil
}

// resolve maps a user query to a node: exact id first, then FindNode.
func (a *app) resolve(query string) (*graph.Node, error) {
	g, err := a.callGraph()
	if err != nil {
		return nil, err
	}
	if n, ok := g.Node(query); ok {
		return n, nil
	}
	if n, ok := g.FindNode(query); ok {
		return n, nil
	}
	return nil, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, query)
}

func (a *app) analyzer() (*impact.Analyzer, error) {
	g, err := a.callGraph()
	if err != nil {
		return nil, err
	}
	return impact.New(g), nil
}

func (a *app) sliceBuilder() (*slice.Builder, error) {
	an, err := a.analyzer()
	if err != nil {
		return nil, err
	}
	return slice.New(an, a.logger.Slog()), nil
}

// coordinator opens the configured work backend.
func (a *app) coordinator() (*work.Coordinator, error) {
	if a.coord != nil {
		return a.coord, nil
	}
	log := a.logger.Slog()
	root := a.cfg.Work.Root

	var (
		store work.Store
		locks lock.Store
	)
	switch a.cfg.Work.Backend {
	case config.BackendFile:
		fs, err := work.NewFileStore(root, log)
		if err != nil {
			return nil, err
		}
		ls, err := lock.NewFileStore(filepath.Join(root, "locks"), log)
		if err != nil {
			return nil, err
		}
		store, locks = fs, ls
		a.fileLocks = ls

	case config.BackendBadger:
		bcfg := bstore.DefaultConfig()
		bcfg.Path = filepath.Join(root, "badger")
		bcfg.Logger = log
		db, err := bstore.Open(bcfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		store, locks = work.NewBadgerStore(db, log), lock.NewBadgerStore(db, log)

	case config.BackendMemory:
		store, locks = work.NewMemoryStore(), lock.NewMemoryStore()

	default:
		return nil, fmt.Errorf("unknown work backend %q", a.cfg.Work.Backend)
	}

	opts := []work.Option{work.WithLogger(log)}
	if a.cfg.Work.Outbox != "" {
		bus, err := work.NewFileBus(a.cfg.Work.Outbox)
		if err != nil {
			return nil, err
		}
		opts = append(opts, work.WithBus(bus))
	}
	a.coord = work.NewCoordinator(store, locks, opts...)
	return a.coord, nil
}
