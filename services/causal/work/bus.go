// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package work

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Handoff is the record given to the external work queue.
type Handoff struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Inputs      HandoffInputs  `json:"inputs"`
	Outputs     HandoffOutputs `json:"outputs"`
	Constraints []string       `json:"constraints"`
	Priority    int            `json:"priority"`
}

// HandoffInputs is what a remote worker needs to start.
type HandoffInputs struct {
	Rooms           []string `json:"rooms"`
	Files           []string `json:"files"`
	CausalSliceText string   `json:"causalSliceText"`
}

// HandoffOutputs tells a remote worker where results go.
type HandoffOutputs struct {
	DiffLocation   string `json:"diffLocation"`
	ResultLocation string `json:"resultLocation"`
}

// Bus is the external work queue. Everything past Publish is the bus's
// responsibility.
type Bus interface {
	Publish(ctx context.Context, h *Handoff) error
}

// NopBus discards handoffs.
type NopBus struct{}

// Publish implements Bus.
func (NopBus) Publish(ctx context.Context, h *Handoff) error { return nil }

// FileBus writes each handoff as {dir}/{id}.json for an external poller.
type FileBus struct {
	dir string
}

// NewFileBus creates the outbox directory.
func NewFileBus(dir string) (*FileBus, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating outbox %s: %w", dir, err)
	}
	return &FileBus{dir: dir}, nil
}

// Publish implements Bus. Re-publishing a package overwrites its handoff.
func (b *FileBus) Publish(ctx context.Context, h *Handoff) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validID(h.ID) {
		return fmt.Errorf("invalid handoff id %q", h.ID)
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal handoff: %w", err)
	}
	return writeFileAtomic(filepath.Join(b.dir, h.ID+".json"), data)
}
