// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package toolserver

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/tombee/toolhost/internal/toolserver"

// Metrics records invocation and worker lifecycle measurements.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	invocations  metric.Int64Counter
	duration     metric.Float64Histogram
	starts       metric.Int64Counter
	crashes      metric.Int64Counter
	strayLines   metric.Int64Counter
	activeGauge  metric.Int64ObservableGauge
	registration metric.Registration
}

// NewMetrics creates instruments on provider, or on the global provider when nil.
// active, if non-nil, is polled for the active worker gauge.
func NewMetrics(provider metric.MeterProvider, active func() int) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	var err error

	m.invocations, err = meter.Int64Counter(
		"toolhost_invocations_total",
		metric.WithDescription("Total number of tool invocations by outcome"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram(
		"toolhost_invocation_duration_seconds",
		metric.WithDescription("Tool invocation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.starts, err = meter.Int64Counter(
		"toolhost_worker_starts_total",
		metric.WithDescription("Total number of worker processes spawned"),
		metric.WithUnit("{start}"),
	)
	if err != nil {
		return nil, err
	}

	m.crashes, err = meter.Int64Counter(
		"toolhost_worker_crashes_total",
		metric.WithDescription("Total number of workers that exited unexpectedly"),
		metric.WithUnit("{crash}"),
	)
	if err != nil {
		return nil, err
	}

	m.strayLines, err = meter.Int64Counter(
		"toolhost_stray_lines_total",
		metric.WithDescription("Stdout lines discarded as stale or unsolicited"),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		return nil, err
	}

	if active != nil {
		m.activeGauge, err = meter.Int64ObservableGauge(
			"toolhost_active_workers",
			metric.WithDescription("Number of running workers"),
			metric.WithUnit("{worker}"),
		)
		if err != nil {
			return nil, err
		}
		m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.activeGauge, int64(active()))
			return nil
		}, m.activeGauge)
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Close unregisters the active worker callback.
func (m *Metrics) Close() error {
	if m == nil || m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}

func (m *Metrics) recordInvocation(ctx context.Context, server, tool string, res ToolResult, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if res.Failure != nil {
		outcome = string(res.Failure.Kind)
	}
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.invocations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) recordStart(server string) {
	if m == nil {
		return
	}
	m.starts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("server", server)))
}

func (m *Metrics) recordCrash(server string) {
	if m == nil {
		return
	}
	m.crashes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("server", server)))
}

func (m *Metrics) recordStrayLine(server, reason string) {
	if m == nil {
		return
	}
	m.strayLines.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("reason", reason),
	))
}
