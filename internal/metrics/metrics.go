// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package metrics wires the daemon's counters and gauges through
// OpenTelemetry's metric API, exported over Prometheus's text format. It
// tracks the handful of quantities an operator actually wants off a store
// daemon: how many builds ran and how they finished, how many bytes were
// pulled in by substitution, how much a garbage collection pass freed, and
// how deep the in-flight goal graph currently is.
//
// Every recording method is nil-receiver safe, so callers can pass a nil
// *Metrics when no collector was configured instead of threading a
// separate "metrics enabled" flag through every goal.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the instruments registered against a single meter
// provider. The zero value is not usable; construct with [New].
type Metrics struct {
	buildsStarted    metric.Int64Counter
	buildsSucceeded  metric.Int64Counter
	buildsFailed     metric.Int64Counter
	substitutedBytes metric.Int64Counter
	gcFreedBytes     metric.Int64Counter
	goalGraphDepth   metric.Int64UpDownCounter
}

// New creates a Prometheus-backed OpenTelemetry meter provider, sets it as
// the global provider, and registers lixd's instruments against it.
func New() (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("lix.dev/core")
	m := new(Metrics)

	if m.buildsStarted, err = meter.Int64Counter("lixd_builds_started_total", metric.WithDescription("Total number of derivation builds started")); err != nil {
		return nil, fmt.Errorf("metrics: create lixd_builds_started_total: %w", err)
	}
	if m.buildsSucceeded, err = meter.Int64Counter("lixd_builds_succeeded_total", metric.WithDescription("Total number of derivation builds that completed successfully")); err != nil {
		return nil, fmt.Errorf("metrics: create lixd_builds_succeeded_total: %w", err)
	}
	if m.buildsFailed, err = meter.Int64Counter("lixd_builds_failed_total", metric.WithDescription("Total number of derivation builds that failed")); err != nil {
		return nil, fmt.Errorf("metrics: create lixd_builds_failed_total: %w", err)
	}
	if m.substitutedBytes, err = meter.Int64Counter("lixd_substituted_bytes_total", metric.WithDescription("Total NAR bytes fetched via substitution")); err != nil {
		return nil, fmt.Errorf("metrics: create lixd_substituted_bytes_total: %w", err)
	}
	if m.gcFreedBytes, err = meter.Int64Counter("lixd_gc_freed_bytes_total", metric.WithDescription("Total bytes freed by garbage collection")); err != nil {
		return nil, fmt.Errorf("metrics: create lixd_gc_freed_bytes_total: %w", err)
	}
	if m.goalGraphDepth, err = meter.Int64UpDownCounter("lixd_goal_graph_depth", metric.WithDescription("Number of goals currently holding a local build or substitution slot")); err != nil {
		return nil, fmt.Errorf("metrics: create lixd_goal_graph_depth: %w", err)
	}

	return m, nil
}

// Handler returns the HTTP handler that serves the Prometheus text
// exposition format, for mounting at the daemon's /metrics endpoint.
func Handler() http.Handler {
	return promclient.Handler()
}

// RecordBuildStarted counts a derivation entering TryToBuild.
func (m *Metrics) RecordBuildStarted(ctx context.Context, system string) {
	if m == nil {
		return
	}
	m.buildsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("system", system)))
}

// RecordBuildFinished counts a derivation build's outcome, via the hook or
// the local executor.
func (m *Metrics) RecordBuildFinished(ctx context.Context, system string, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("system", system))
	if failed {
		m.buildsFailed.Add(ctx, 1, attrs)
	} else {
		m.buildsSucceeded.Add(ctx, 1, attrs)
	}
}

// RecordSubstitutedBytes adds n NAR bytes fetched from a substituter.
func (m *Metrics) RecordSubstitutedBytes(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.substitutedBytes.Add(ctx, n)
}

// RecordGCFreedBytes adds n bytes freed by a garbage collection pass.
func (m *Metrics) RecordGCFreedBytes(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.gcFreedBytes.Add(ctx, n)
}

// GoalStarted increments the in-flight goal gauge; the caller must call
// the returned function exactly once when the goal releases its slot.
func (m *Metrics) GoalStarted(ctx context.Context) (done func()) {
	if m == nil {
		return func() {}
	}
	m.goalGraphDepth.Add(ctx, 1)
	return func() { m.goalGraphDepth.Add(ctx, -1) }
}
