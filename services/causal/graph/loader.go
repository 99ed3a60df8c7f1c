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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// nodeValidate validates decoded snapshot nodes.
var nodeValidate *validator.Validate

func init() {
	nodeValidate = validator.New()
}

// Load parses a call-graph snapshot and builds its indexes.
//
// Description:
//
//	Decodes a snapshot of the form
//
//	  {"nodes": {"<id>": {...}, ...}, "stats": {...}, "project": "<name>"}
//
//	The "nodes" object is streamed token by token so that snapshot order is
//	preserved; FindNode relies on it for tie-breaking. Unknown top-level keys
//	are ignored.
//
// Inputs:
//
//	r - Reader positioned at the start of the JSON document.
//
// Outputs:
//
//	*CallGraph - The loaded, immutable graph.
//	error - Wraps ErrMalformedSnapshot when the input is structurally invalid.
//
// Validation:
//
//	- "nodes" must be present and be an object
//	- node keys must be unique
//	- a node's "id" must equal its key (an empty id takes the key)
//	- each node must pass struct validation (non-negative line)
func Load(r io.Reader) (*CallGraph, error) {
	start := time.Now()
	g, err := decodeSnapshot(json.NewDecoder(r))
	recordLoadMetrics(context.Background(), time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// LoadFile opens path and calls Load on its contents.
func LoadFile(path string) (*CallGraph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	defer f.Close()

	g, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", path, err)
	}
	return g, nil
}

func decodeSnapshot(dec *json.Decoder) (*CallGraph, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, &SnapshotError{Reason: "document is not a JSON object", Err: err}
	}

	var (
		g        *CallGraph
		project  string
		stats    map[string]any
		sawNodes bool
	)

	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, &SnapshotError{Reason: "reading top-level key", Err: err}
		}

		switch key {
		case "nodes":
			if sawNodes {
				return nil, &SnapshotError{Reason: `duplicate "nodes" key`}
			}
			sawNodes = true
			g, err = decodeNodes(dec)
			if err != nil {
				return nil, err
			}
		case "project":
			if err := dec.Decode(&project); err != nil {
				return nil, &SnapshotError{Reason: `"project" must be a string`, Err: err}
			}
		case "stats":
			if err := dec.Decode(&stats); err != nil {
				return nil, &SnapshotError{Reason: `"stats" must be an object`, Err: err}
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, &SnapshotError{Reason: fmt.Sprintf("skipping key %q", key), Err: err}
			}
		}
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, &SnapshotError{Reason: "unterminated document", Err: err}
	}
	if !sawNodes {
		return nil, &SnapshotError{Reason: `missing "nodes"`}
	}

	g.Project = project
	g.Stats = stats
	return g, nil
}

func decodeNodes(dec *json.Decoder) (*CallGraph, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, &SnapshotError{Reason: `"nodes" must be an object`, Err: err}
	}

	g := newCallGraph("", 0)
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, &SnapshotError{Reason: "reading node key", Err: err}
		}
		if _, dup := g.nodes[key]; dup {
			return nil, &SnapshotError{NodeKey: key, Reason: "duplicate node id"}
		}

		var n Node
		if err := dec.Decode(&n); err != nil {
			return nil, &SnapshotError{NodeKey: key, Reason: "decoding node", Err: err}
		}
		if n.ID == "" {
			n.ID = key
		}
		if n.ID != key {
			return nil, &SnapshotError{NodeKey: key, Reason: fmt.Sprintf("id %q does not match key", n.ID)}
		}
		if err := nodeValidate.Struct(&n); err != nil {
			return nil, &SnapshotError{NodeKey: key, Reason: "validation failed", Err: err}
		}
		g.add(&n)
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, &SnapshotError{Reason: `unterminated "nodes"`, Err: err}
	}
	return g, nil
}

// readKey reads an object key token.
func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return key, nil
}

// expectDelim reads one token and checks it is the wanted delimiter.
func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
