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
	"fmt"
	"io"
	"strings"
)

// Text renders the bundle as plain text. It is the causal slice text handed
// to remote workers.
func Text(b *Bundle) string {
	var sb strings.Builder
	// strings.Builder writes never fail.
	_ = Render(&sb, b)
	return sb.String()
}

// Render writes a plain-text view of the bundle to w.
func Render(w io.Writer, b *Bundle) error {
	ew := &errWriter{w: w}

	if b.TotalNodes() == 0 {
		ew.printf("Causal slice: %s (not found)\n", b.FocalPoint)
		return ew.err
	}

	ew.printf("Causal slice: %s\n", strings.Join(b.FocalPoints, ", "))
	ew.printf("Depth: backward %d, forward %d. Nodes: %d. Files: %d.\n",
		b.BackwardDepth, b.ForwardDepth, b.TotalNodes(), len(b.AffectedFiles))

	var focal, callers, callees []*SliceNode
	for _, n := range b.Nodes() {
		switch n.Direction {
		case RoleFocal:
			focal = append(focal, n)
		case RoleCaller:
			callers = append(callers, n)
		default:
			callees = append(callees, n)
		}
	}

	ew.section("Focal", focal)
	ew.section("Callers", callers)
	ew.section("Callees", callees)

	ew.printf("\nFiles:\n")
	for _, f := range b.Files() {
		ew.printf("  %s\n", f)
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func (ew *errWriter) section(title string, nodes []*SliceNode) {
	if len(nodes) == 0 {
		return
	}
	ew.printf("\n%s:\n", title)
	for _, n := range nodes {
		ew.printf("  [%d] %s (%s:%d)\n", n.Depth, n.ID, n.File, n.Line)
		if n.Signature != "" {
			ew.printf("      %s\n", n.Signature)
		}
		if len(n.CallsInSlice) > 0 {
			ew.printf("      calls: %s\n", strings.Join(n.CallsInSlice, ", "))
		}
		if len(n.CalledByInSlice) > 0 {
			ew.printf("      called by: %s\n", strings.Join(n.CalledByInSlice, ", "))
		}
	}
}
