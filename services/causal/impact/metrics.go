// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package impact

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("causal.impact")
	meter  = otel.Meter("causal.impact")
)

var (
	analysisLatency metric.Float64Histogram
	analysisTotal   metric.Int64Counter
	affectedNodes   metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		analysisLatency, err = meter.Float64Histogram(
			"impact_analysis_duration_seconds",
			metric.WithDescription("Duration of impact analysis operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analysisTotal, err = meter.Int64Counter(
			"impact_analysis_total",
			metric.WithDescription("Total number of impact analyses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		affectedNodes, err = meter.Int64Histogram(
			"impact_affected_nodes",
			metric.WithDescription("Number of nodes reached by an impact analysis"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startAnalysisSpan(ctx context.Context, nodeID, direction string, maxDepth int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "impact.Analyze",
		trace.WithAttributes(
			attribute.String("impact.node_id", nodeID),
			attribute.String("impact.direction", direction),
			attribute.Int("impact.max_depth", maxDepth),
		),
	)
}

func setAnalysisSpanResult(span trace.Span, total int, success bool) {
	span.SetAttributes(
		attribute.Int("impact.total", total),
		attribute.Bool("impact.success", success),
	)
}

func recordAnalysisMetrics(ctx context.Context, duration time.Duration, direction string, total int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.Bool("success", success),
	)
	analysisLatency.Record(ctx, duration.Seconds(), attrs)
	analysisTotal.Add(ctx, 1, attrs)
	affectedNodes.Record(ctx, int64(total), attrs)
}
