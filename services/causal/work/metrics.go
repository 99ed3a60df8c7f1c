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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("causal.work")
	meter  = otel.Meter("causal.work")
)

// Checkout outcomes for work_checkout_total.
const (
	checkoutOK       = "ok"
	checkoutConflict = "conflict"
	checkoutRejected = "rejected"
	checkoutError    = "error"
)

var (
	checkoutTotal    metric.Int64Counter
	lockConflicts    metric.Int64Counter
	transitionsTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		checkoutTotal, err = meter.Int64Counter(
			"work_checkout_total",
			metric.WithDescription("Checkout attempts by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		lockConflicts, err = meter.Int64Counter(
			"work_lock_conflicts_total",
			metric.WithDescription("Room lock acquisitions that found the room held"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transitionsTotal, err = meter.Int64Counter(
			"work_transition_total",
			metric.WithDescription("Work package status transitions by target status"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startOpSpan(ctx context.Context, op, id string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "work."+op,
		trace.WithAttributes(attribute.String("work.package_id", id)),
	)
}

func recordCheckout(ctx context.Context, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	checkoutTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", outcome)))
}

func recordLockConflict(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	lockConflicts.Add(ctx, 1)
}

func recordTransition(ctx context.Context, to Status) {
	if err := initMetrics(); err != nil {
		return
	}
	transitionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(to))))
}
