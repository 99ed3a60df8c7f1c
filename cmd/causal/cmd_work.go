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
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/causal/services/causal/config"
	"github.com/AleutianAI/causal/services/causal/lock"
	"github.com/AleutianAI/causal/services/causal/slice"
	"github.com/AleutianAI/causal/services/causal/work"
)

func newWorkCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Create, claim and finish work packages",
		Long: `Work packages group the rooms (usually files) a change touches. Checkout locks
every room or none; a held room makes checkout fail with exit code 2.

Lifecycle:
  PENDING -> CHECKED_OUT -> COMPLETED -> MERGED
  CHECKED_OUT -> PENDING (release)
  PENDING | CHECKED_OUT | COMPLETED -> ABANDONED`,
	}
	cmd.AddCommand(
		newWorkCreateCmd(a),
		newWorkCheckoutCmd(a),
		newWorkSimpleCmd(a, "release", "Return a checked-out package to PENDING", func(c *work.Coordinator, cmd *cobra.Command, id string) (bool, error) {
			return c.Release(cmd.Context(), id)
		}),
		newWorkDiffCmd(a),
		newWorkCompleteCmd(a),
		newWorkAbandonCmd(a),
		newWorkSimpleCmd(a, "merge", "Mark a completed package as merged", func(c *work.Coordinator, cmd *cobra.Command, id string) (bool, error) {
			return c.MarkMerged(cmd.Context(), id)
		}),
		newWorkGetCmd(a),
		newWorkListCmd(a),
		newWorkLocksCmd(a),
		newWorkConflictsCmd(a),
		newWorkExportCmd(a),
	)
	return cmd
}

// finish reports a lifecycle outcome: the updated package on success,
// errRejected when the coordinator said no.
func (a *app) finish(cmd *cobra.Command, c *work.Coordinator, op, id string, ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s %s", errRejected, op, id)
	}
	p, err := c.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	return a.emit(cmd, p, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s %s\n", p.ID, p.Status)
		return err
	})
}

func writePackage(w io.Writer, p *work.Package) error {
	fmt.Fprintf(w, "%s  %s  %s\n", p.ID, p.Status, p.Title)
	if p.Description != "" {
		fmt.Fprintf(w, "  %s\n", p.Description)
	}
	fmt.Fprintf(w, "  rooms: %s\n", strings.Join(p.Rooms, ", "))
	if p.WorkerID != "" {
		fmt.Fprintf(w, "  worker: %s\n", p.WorkerID)
	}
	if p.CheckedOutAt != nil {
		fmt.Fprintf(w, "  checked out: %s\n", p.CheckedOutAt.Format(time.RFC3339))
	}
	if p.DiffFile != "" {
		fmt.Fprintf(w, "  diff: %s (%s)\n", p.DiffFile, strings.Join(p.DiffFiles, ", "))
	}
	if p.ResultSummary != "" {
		fmt.Fprintf(w, "  result: %s\n", p.ResultSummary)
	}
	if p.AbandonReason != "" {
		fmt.Fprintf(w, "  abandoned: %s\n", p.AbandonReason)
	}
	return nil
}

func writeLocks(w io.Writer, locks []lock.RoomLock) error {
	if len(locks) == 0 {
		_, err := fmt.Fprintln(w, "No room locks")
		return err
	}
	for _, l := range locks {
		if l.PackageID == "" {
			fmt.Fprintf(w, "%s  (unreadable lock record)\n", l.RoomID)
			continue
		}
		fmt.Fprintf(w, "%s  %s  %s  since %s\n", l.RoomID, l.PackageID, l.WorkerID, l.LockedAt.Format(time.RFC3339))
	}
	return nil
}

func newWorkCreateCmd(a *app) *cobra.Command {
	var (
		req       work.CreateRequest
		fromSlice []string
		depths    sliceDepths
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a PENDING work package",
		Long: `Create a work package from explicit rooms, or from the causal slice around
one or more functions (--from-slice), in which case rooms and files are the
slice's affected files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}

			var p *work.Package
			if len(fromSlice) > 0 {
				bundle, err := a.extract(cmd, fromSlice, depths)
				if err != nil {
					return err
				}
				p, err = c.CreateFromBundle(cmd.Context(), req.Title, bundle)
				if err != nil {
					return err
				}
			} else {
				p, err = c.Create(cmd.Context(), req)
				if err != nil {
					return err
				}
			}
			return a.emit(cmd, p, func(w io.Writer) error { return writePackage(w, p) })
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Title, "title", "", "Package title (required)")
	f.StringVar(&req.Description, "description", "", "Package description")
	f.StringArrayVar(&req.Rooms, "room", nil, "Room to lock at checkout (repeatable, ordered)")
	f.StringArrayVar(&req.Files, "file", nil, "File in scope (repeatable)")
	f.IntVar(&req.ImpactRadius, "impact-radius", 0, "Number of affected nodes")
	f.StringArrayVar(&req.Routes, "route", nil, "Affected route (repeatable)")
	f.StringArrayVar(&req.Constraints, "constraint", nil, "Constraint for the worker (repeatable)")
	f.StringArrayVar(&req.TestFiles, "test-file", nil, "Test file to run (repeatable)")
	f.IntVar(&req.Priority, "priority", 0, "Priority, higher first")
	f.StringArrayVar(&fromSlice, "from-slice", nil, "Derive scope from the slice around this function (repeatable)")
	depths.register(cmd)
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newWorkCheckoutCmd(a *app) *cobra.Command {
	var (
		worker  string
		timeout float64
	)
	cmd := &cobra.Command{
		Use:   "checkout <id>",
		Short: "Lock every room of a package and claim it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("timeout-hours") {
				timeout = a.cfg.Work.TimeoutHours
			}
			ok, err := c.Checkout(cmd.Context(), args[0], worker, timeout)
			return a.finish(cmd, c, "checkout", args[0], ok, err)
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "Worker id (required)")
	cmd.Flags().Float64Var(&timeout, "timeout-hours", 0, "Lock expiry stamp in hours (default from config)")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

type lifecycleFunc func(c *work.Coordinator, cmd *cobra.Command, id string) (bool, error)

func newWorkSimpleCmd(a *app, name, short string, fn lifecycleFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			ok, err := fn(c, cmd, args[0])
			return a.finish(cmd, c, name, args[0], ok, err)
		},
	}
}

func newWorkDiffCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <id> <file|->",
		Short: "Submit a unified diff for a checked-out package",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			var content []byte
			if args[1] == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
			} else {
				content, err = os.ReadFile(args[1])
			}
			if err != nil {
				return fmt.Errorf("reading diff: %w", err)
			}
			ok, err := c.SubmitDiff(cmd.Context(), args[0], content)
			return a.finish(cmd, c, "diff", args[0], ok, err)
		},
	}
}

func newWorkCompleteCmd(a *app) *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Finish a checked-out package and release its rooms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			ok, err := c.Complete(cmd.Context(), args[0], summary)
			return a.finish(cmd, c, "complete", args[0], ok, err)
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "Result summary")
	return cmd
}

func newWorkAbandonCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon <id>",
		Short: "Abandon a package and release any rooms it holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			ok, err := c.Abandon(cmd.Context(), args[0], reason)
			return a.finish(cmd, c, "abandon", args[0], ok, err)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the package was abandoned")
	return cmd
}

func newWorkGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a work package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			p, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(cmd, p, func(w io.Writer) error { return writePackage(w, p) })
		},
	}
}

func newWorkListCmd(a *app) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			filter := make([]work.Status, 0, len(statuses))
			for _, s := range statuses {
				st := work.Status(strings.ToUpper(s))
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				filter = append(filter, st)
			}
			list, err := c.List(cmd.Context(), filter...)
			if err != nil {
				return err
			}
			return a.emit(cmd, list, func(w io.Writer) error {
				if len(list) == 0 {
					_, err := fmt.Fprintln(w, "No work packages")
					return err
				}
				for _, p := range list {
					fmt.Fprintf(w, "%s  %-11s  %s\n", p.ID, p.Status, p.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only these statuses (comma separated)")
	return cmd
}

func newWorkLocksCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List held room locks",
		Long: `List held room locks. With --watch (file backend only), keep running and
print a line each time a lock is acquired or released, until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			if watch && a.fileLocks == nil {
				return fmt.Errorf("--watch needs the %s work backend", config.BackendFile)
			}

			var watcher *lock.Watcher
			if watch {
				// Started before listing so no change between the two is missed.
				watcher, err = lock.NewWatcher(a.fileLocks, a.logger.Slog())
				if err != nil {
					return err
				}
				defer watcher.Close()
			}

			locks, err := c.ListLocks(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.emit(cmd, locks, func(w io.Writer) error { return writeLocks(w, locks) }); err != nil {
				return err
			}
			if watcher == nil {
				return nil
			}
			w := cmd.OutOrStdout()
			return watchLocks(cmd.Context(), w, watcher, a.useJSON(w))
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Stream lock changes until interrupted")
	return cmd
}

// watchLocks prints watcher events until ctx is done or the watcher closes.
// JSON mode writes one object per line.
func watchLocks(ctx context.Context, w io.Writer, watcher *lock.Watcher, jsonOut bool) error {
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			var err error
			if jsonOut {
				err = enc.Encode(ev)
			} else {
				_, err = fmt.Fprintf(w, "%s  %s\n", ev.Op, ev.Room)
			}
			if err != nil {
				return err
			}
		}
	}
}

func newWorkConflictsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts <room>...",
		Short: "Show which of the given rooms are locked (advisory)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			locks, err := c.GetConflicts(cmd.Context(), args)
			if err != nil {
				return err
			}
			return a.emit(cmd, locks, func(w io.Writer) error { return writeLocks(w, locks) })
		},
	}
}

func newWorkExportCmd(a *app) *cobra.Command {
	var (
		focal    []string
		depths   sliceDepths
		dispatch bool
	)
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Print the handoff record for a package",
		Long: `Print the handoff record for a package. With --slice, the causal slice text
around those functions is embedded. With --dispatch, the record is also
published to the configured outbox.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			var text string
			if len(focal) > 0 {
				bundle, err := a.extract(cmd, focal, depths)
				if err != nil {
					return err
				}
				text = slice.Text(bundle)
			}

			var h *work.Handoff
			if dispatch {
				h, err = c.Dispatch(cmd.Context(), args[0], text)
			} else {
				h, err = c.Export(cmd.Context(), args[0], text)
			}
			if err != nil {
				return err
			}
			return a.emit(cmd, h, func(w io.Writer) error {
				fmt.Fprintf(w, "%s  priority %d\n  %s\n", h.ID, h.Priority, h.Description)
				fmt.Fprintf(w, "  rooms: %s\n", strings.Join(h.Inputs.Rooms, ", "))
				fmt.Fprintf(w, "  diff -> %s\n  result -> %s\n", h.Outputs.DiffLocation, h.Outputs.ResultLocation)
				if h.Inputs.CausalSliceText != "" {
					fmt.Fprintf(w, "\n%s", h.Inputs.CausalSliceText)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&focal, "slice", nil, "Embed the slice around this function (repeatable)")
	cmd.Flags().BoolVar(&dispatch, "dispatch", false, "Publish the handoff to the outbox")
	depths.register(cmd)
	return cmd
}
