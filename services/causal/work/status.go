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

// Status is the lifecycle state of a work package.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusCheckedOut Status = "CHECKED_OUT"
	StatusCompleted  Status = "COMPLETED"
	StatusMerged     Status = "MERGED"
	StatusAbandoned  Status = "ABANDONED"
)

// transitions lists the allowed target states for each state.
//
//	PENDING     -> CHECKED_OUT, ABANDONED
//	CHECKED_OUT -> PENDING, COMPLETED, ABANDONED
//	COMPLETED   -> MERGED, ABANDONED
var transitions = map[Status][]Status{
	StatusPending:    {StatusCheckedOut, StatusAbandoned},
	StatusCheckedOut: {StatusPending, StatusCompleted, StatusAbandoned},
	StatusCompleted:  {StatusMerged, StatusAbandoned},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCheckedOut, StatusCompleted, StatusMerged, StatusAbandoned:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}
