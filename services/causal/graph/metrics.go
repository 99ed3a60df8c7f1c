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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for graph operations.
var (
	tracer = otel.Tracer("causal.graph")
	meter  = otel.Meter("causal.graph")
)

// Metrics for graph loading and traversal.
var (
	loadLatency      metric.Float64Histogram
	loadTotal        metric.Int64Counter
	traversalLatency metric.Float64Histogram
	traversalTotal   metric.Int64Counter
	traversalVisited metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		loadLatency, err = meter.Float64Histogram(
			"graph_load_duration_seconds",
			metric.WithDescription("Duration of call-graph snapshot loads"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		loadTotal, err = meter.Int64Counter(
			"graph_load_total",
			metric.WithDescription("Total number of snapshot loads"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		traversalLatency, err = meter.Float64Histogram(
			"graph_traversal_duration_seconds",
			metric.WithDescription("Duration of graph traversals"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		traversalTotal, err = meter.Int64Counter(
			"graph_traversal_total",
			metric.WithDescription("Total number of graph traversals"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		traversalVisited, err = meter.Int64Histogram(
			"graph_traversal_results",
			metric.WithDescription("Number of nodes or paths produced per traversal"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startTraversalSpan creates a span for a traversal.
func startTraversalSpan(ctx context.Context, name, start string, dir Direction) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("graph.start", start),
			attribute.String("graph.direction", dir.String()),
		),
	)
}

// recordTraversalMetrics records metrics for a single traversal.
func recordTraversalMetrics(ctx context.Context, kind string, duration time.Duration, results int) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	traversalLatency.Record(ctx, duration.Seconds(), attrs)
	traversalTotal.Add(ctx, 1, attrs)
	traversalVisited.Record(ctx, int64(results), attrs)
}

// recordLoadMetrics records metrics for a snapshot load.
func recordLoadMetrics(ctx context.Context, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	loadLatency.Record(ctx, duration.Seconds(), attrs)
	loadTotal.Add(ctx, 1, attrs)
}
