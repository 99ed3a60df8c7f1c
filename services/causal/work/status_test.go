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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusCheckedOut, true},
		{StatusPending, StatusAbandoned, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusMerged, false},
		{StatusCheckedOut, StatusPending, true},
		{StatusCheckedOut, StatusCompleted, true},
		{StatusCheckedOut, StatusAbandoned, true},
		{StatusCheckedOut, StatusMerged, false},
		{StatusCompleted, StatusMerged, true},
		{StatusCompleted, StatusAbandoned, true},
		{StatusCompleted, StatusCheckedOut, false},
		{StatusMerged, StatusAbandoned, false},
		{StatusAbandoned, StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusMerged.IsTerminal())
	assert.True(t, StatusAbandoned.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusCheckedOut.IsTerminal())
	assert.False(t, StatusCompleted.IsTerminal())
}

func TestStatus_Valid(t *testing.T) {
	assert.True(t, StatusCheckedOut.Valid())
	assert.False(t, Status("IN_REVIEW").Valid())
	assert.False(t, Status("").Valid())
}
