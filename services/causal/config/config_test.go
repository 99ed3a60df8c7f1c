// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/causal/pkg/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "causal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendFile, cfg.Work.Backend)
	assert.Equal(t, 3, cfg.Slice.BackwardDepth)
	assert.Equal(t, "none", cfg.Telemetry.TraceExporter)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvGraph, "")
	t.Setenv(EnvWorkRoot, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_OverlaysFile(t *testing.T) {
	t.Setenv(EnvGraph, "")
	t.Setenv(EnvWorkRoot, "")

	path := writeConfig(t, `
graph:
  path: graph.json
slice:
  forward_depth: 5
work:
  backend: badger
  root: /tmp/causal
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "graph.json", cfg.Graph.Path)
	assert.Equal(t, 5, cfg.Slice.ForwardDepth)
	assert.Equal(t, 3, cfg.Slice.BackwardDepth, "unset fields keep defaults")
	assert.Equal(t, BackendBadger, cfg.Work.Backend)
	assert.Equal(t, logging.LevelDebug, cfg.Logging.Level)
	assert.Equal(t, 10, cfg.Graph.MaxPaths)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvGraph, "/data/snapshot.json")
	t.Setenv(EnvWorkRoot, "/data/work")

	cfg, err := Load(writeConfig(t, "graph:\n  path: ignored.json\n"))
	require.NoError(t, err)
	assert.Equal(t, "/data/snapshot.json", cfg.Graph.Path)
	assert.Equal(t, "/data/work", cfg.Work.Root)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv(EnvGraph, "")
	t.Setenv(EnvWorkRoot, "")

	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "work:\n  backend: s3\n"},
		{"negative depth", "slice:\n  backward_depth: -1\n"},
		{"depth too large", "slice:\n  forward_depth: 500\n"},
		{"missing root", "work:\n  root: \"\"\n"},
		{"negative timeout", "work:\n  timeout_hours: -2\n"},
		{"unknown exporter", "telemetry:\n  trace_exporter: zipkin\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_MemoryBackendNeedsNoRoot(t *testing.T) {
	t.Setenv(EnvGraph, "")
	t.Setenv(EnvWorkRoot, "")

	cfg, err := Load(writeConfig(t, "work:\n  backend: memory\n  root: \"\"\n"))
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Work.Backend)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "graph: [unterminated"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidConfig)
}

func TestWrite_RoundTrip(t *testing.T) {
	t.Setenv(EnvGraph, "")
	t.Setenv(EnvWorkRoot, "")

	path := filepath.Join(t.TempDir(), "out.yaml")
	want := DefaultConfig()
	want.Graph.Path = "g.json"
	want.Logging.Level = logging.LevelWarn
	require.NoError(t, Write(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
