// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package work coordinates work packages: scoped units of change that
// workers check out, complete and hand back.
//
// A package lists rooms (opaque resource ids, usually files). Checkout
// locks every room all-or-nothing through a lock.Store; a failed checkout
// leaves no lock behind. Package records, diffs and result snapshots live
// in a Store. Finished packages can be exported as a Handoff and passed to
// an external Bus.
//
// Lifecycle:
//
//	PENDING --Checkout--> CHECKED_OUT --Complete--> COMPLETED --MarkMerged--> MERGED
//	CHECKED_OUT --Release--> PENDING
//	PENDING | CHECKED_OUT | COMPLETED --Abandon--> ABANDONED
//
// Lifecycle methods return (false, nil) for an unknown package, a call
// from the wrong status, or a lock conflict. A non-nil error means the
// storage layer failed.
package work

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrNotFound is returned when a package id has no record.
	ErrNotFound = errors.New("work package not found")

	// ErrMalformedRecord is returned when a stored record fails to decode
	// or validate.
	ErrMalformedRecord = errors.New("malformed work package record")

	// ErrEmptySlice is returned by CreateFromBundle for a slice that
	// resolved to no nodes.
	ErrEmptySlice = errors.New("slice bundle is empty")
)

// Package is a work package record.
type Package struct {
	ID           string   `json:"id" validate:"required"`
	Title        string   `json:"title" validate:"required"`
	Description  string   `json:"description"`
	Status       Status   `json:"status" validate:"required,oneof=PENDING CHECKED_OUT COMPLETED MERGED ABANDONED"`
	Rooms        []string `json:"rooms" validate:"dive,required"`
	Files        []string `json:"files"`
	ImpactRadius int      `json:"impact_radius" validate:"gte=0"`

	// Routes, Constraints and TestFiles are passed through untouched.
	Routes      []string `json:"routes,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	TestFiles   []string `json:"test_files,omitempty"`

	Priority int `json:"priority"`

	WorkerID     string     `json:"worker_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at" validate:"required"`
	CheckedOutAt *time.Time `json:"checked_out_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// DiffFile is the location of the last submitted diff.
	DiffFile string `json:"diff_file,omitempty"`

	// DiffFiles are the paths the last submitted diff touches.
	DiffFiles []string `json:"diff_files,omitempty"`

	ResultSummary string `json:"result_summary,omitempty"`
	AbandonReason string `json:"abandon_reason,omitempty"`
}

// clone returns a deep copy of p.
func (p *Package) clone() *Package {
	c := *p
	c.Rooms = cloneStrings(p.Rooms)
	c.Files = cloneStrings(p.Files)
	c.Routes = cloneStrings(p.Routes)
	c.Constraints = cloneStrings(p.Constraints)
	c.TestFiles = cloneStrings(p.TestFiles)
	c.DiffFiles = cloneStrings(p.DiffFiles)
	if p.CheckedOutAt != nil {
		t := *p.CheckedOutAt
		c.CheckedOutAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CreateRequest holds the caller-supplied fields of a new package.
type CreateRequest struct {
	Title        string   `validate:"required"`
	Description  string
	Rooms        []string `validate:"dive,required"`
	Files        []string
	ImpactRadius int      `validate:"gte=0"`
	Routes       []string
	Constraints  []string
	TestFiles    []string
	Priority     int
}

// recordValidate validates package records and create requests.
var recordValidate *validator.Validate

func init() {
	recordValidate = validator.New()
}

// RecordError describes a stored record that could not be used.
type RecordError struct {
	ID  string
	Err error
}

// Error implements the error interface.
func (e *RecordError) Error() string {
	return fmt.Sprintf("malformed work package record %q: %v", e.ID, e.Err)
}

// Unwrap allows errors.Is(err, ErrMalformedRecord).
func (e *RecordError) Unwrap() []error {
	return []error{ErrMalformedRecord, e.Err}
}

// EncodePackage validates p and serialises it.
func EncodePackage(p *Package) ([]byte, error) {
	if err := recordValidate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid work package %q: %w", p.ID, err)
	}
	return json.MarshalIndent(p, "", "  ")
}

// DecodePackage parses and validates a record stored under id.
func DecodePackage(id string, data []byte) (*Package, error) {
	var p Package
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &RecordError{ID: id, Err: err}
	}
	if err := recordValidate.Struct(&p); err != nil {
		return nil, &RecordError{ID: id, Err: err}
	}
	if p.ID != id {
		return nil, &RecordError{ID: id, Err: fmt.Errorf("record has id %q", p.ID)}
	}
	return &p, nil
}

// dedupe removes repeated entries, keeping first occurrences in order.
func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// cloneStrings copies in; empty input becomes nil.
func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
