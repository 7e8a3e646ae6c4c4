// Package observe provides application-wide observability primitives for
// tutorlink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all tutorlink metrics.
const meterName = "github.com/MrWong99/tutorlink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Session lifecycle ---

	// StateTransitions counts connection state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// Reconnects counts automated reconnection attempts. Use with attribute:
	//   attribute.String("class", ...)
	Reconnects metric.Int64Counter

	// BackoffDelay tracks scheduled reconnect delays.
	BackoffDelay metric.Float64Histogram

	// HeartbeatTimeouts counts liveness timeouts.
	HeartbeatTimeouts metric.Int64Counter

	// ReadyDuration tracks how long sessions stayed Ready before leaving it.
	ReadyDuration metric.Float64Histogram

	// --- Traffic ---

	// Messages counts inbound protocol messages. Use with attribute:
	//   attribute.String("type", ...)
	Messages metric.Int64Counter

	// FramesSent counts outbound audio frames. Use with attribute:
	//   attribute.String("status", "ok"|"dropped")
	FramesSent metric.Int64Counter

	// --- Errors ---

	// SessionErrors counts failures observed by sessions. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions holding a live channel.
	ActiveSessions metric.Int64UpDownCounter

	// --- Collaborators ---

	// BootstrapDuration tracks conversation bootstrap API latency. Use with
	// attribute: attribute.String("status", ...)
	BootstrapDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// backoffBuckets covers the reconnect delay range (in seconds).
var backoffBuckets = []float64{
	0.5, 1, 2, 3, 4.5, 6, 8, 10, 12, 16,
}

// sessionBuckets covers Ready spans from seconds to hours (in seconds).
var sessionBuckets = []float64{
	1, 10, 30, 60, 300, 900, 1800, 3600, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Session lifecycle.
	if met.StateTransitions, err = m.Int64Counter("tutorlink.session.state_transitions",
		metric.WithDescription("Connection state changes by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("tutorlink.session.reconnects",
		metric.WithDescription("Automated reconnection attempts by failure class."),
	); err != nil {
		return nil, err
	}
	if met.BackoffDelay, err = m.Float64Histogram("tutorlink.session.backoff.delay",
		metric.WithDescription("Scheduled reconnect delay."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(backoffBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HeartbeatTimeouts, err = m.Int64Counter("tutorlink.session.heartbeat_timeouts",
		metric.WithDescription("Liveness timeouts detected by the heartbeat monitor."),
	); err != nil {
		return nil, err
	}
	if met.ReadyDuration, err = m.Float64Histogram("tutorlink.session.ready_duration",
		metric.WithDescription("Time spent Ready before the session left that state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Traffic.
	if met.Messages, err = m.Int64Counter("tutorlink.session.messages",
		metric.WithDescription("Inbound protocol messages by type."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("tutorlink.audio.frames_sent",
		metric.WithDescription("Outbound audio frames by status."),
	); err != nil {
		return nil, err
	}

	// Errors.
	if met.SessionErrors, err = m.Int64Counter("tutorlink.session.errors",
		metric.WithDescription("Session failures by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("tutorlink.active_sessions",
		metric.WithDescription("Number of sessions holding a live channel."),
	); err != nil {
		return nil, err
	}

	// Collaborators.
	if met.BootstrapDuration, err = m.Float64Histogram("tutorlink.bootstrap.duration",
		metric.WithDescription("Latency of conversation bootstrap requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("tutorlink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStateTransition records one state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordReconnect records a scheduled reconnect and its delay.
func (m *Metrics) RecordReconnect(ctx context.Context, class string, delay time.Duration) {
	attrs := metric.WithAttributes(attribute.String("class", class))
	m.Reconnects.Add(ctx, 1, attrs)
	m.BackoffDelay.Record(ctx, delay.Seconds(), attrs)
}

// RecordMessage records one inbound protocol message.
func (m *Metrics) RecordMessage(ctx context.Context, msgType string) {
	m.Messages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// RecordFrame records one outbound audio frame as sent or dropped.
func (m *Metrics) RecordFrame(ctx context.Context, dropped bool) {
	status := "ok"
	if dropped {
		status = "dropped"
	}
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionError records one session failure.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
