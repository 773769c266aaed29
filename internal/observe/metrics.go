// Package observe provides application-wide observability primitives for
// cadenza: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all cadenza metrics.
const meterName = "github.com/MrWong99/cadenza"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ── Scheduler ──

	// Ticks counts scheduler ticks.
	Ticks metric.Int64Counter

	// Events counts dispatched scheduler events. Use with attribute:
	//   attribute.String("kind", ...)
	Events metric.Int64Counter

	// TriggerErrors counts trigger dispatches that failed and were dropped.
	TriggerErrors metric.Int64Counter

	// QueueDepth tracks the number of pending scheduler events.
	QueueDepth metric.Int64UpDownCounter

	// TickDuration tracks the wall time spent inside one scheduler tick.
	TickDuration metric.Float64Histogram

	// ── Players ──

	// Decisions counts generated corpus events. Use with attributes:
	//   attribute.String("player", ...), attribute.String("policy", ...)
	Decisions metric.Int64Counter

	// ActivePlayers tracks the number of players registered with the engine.
	ActivePlayers metric.Int64UpDownCounter

	// ── Control surface ──

	// ControlCommands counts control commands. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	ControlCommands metric.Int64Counter

	// ControlClients tracks connected control and output websocket clients.
	ControlClients metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// tickBuckets defines histogram bucket boundaries (in seconds) for the
// millisecond-scale scheduler loop.
var tickBuckets = []float64{
	0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Scheduler.
	if met.Ticks, err = m.Int64Counter("cadenza.scheduler.ticks",
		metric.WithDescription("Total scheduler ticks."),
	); err != nil {
		return nil, err
	}
	if met.Events, err = m.Int64Counter("cadenza.scheduler.events",
		metric.WithDescription("Total dispatched scheduler events by kind."),
	); err != nil {
		return nil, err
	}
	if met.TriggerErrors, err = m.Int64Counter("cadenza.scheduler.trigger_errors",
		metric.WithDescription("Total trigger dispatches that failed."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("cadenza.scheduler.queue_depth",
		metric.WithDescription("Number of pending scheduler events."),
	); err != nil {
		return nil, err
	}
	if met.TickDuration, err = m.Float64Histogram("cadenza.tick.duration",
		metric.WithDescription("Wall time spent in one scheduler tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}

	// Players.
	if met.Decisions, err = m.Int64Counter("cadenza.player.decisions",
		metric.WithDescription("Total generated events by player and decision policy."),
	); err != nil {
		return nil, err
	}
	if met.ActivePlayers, err = m.Int64UpDownCounter("cadenza.players.active",
		metric.WithDescription("Number of registered players."),
	); err != nil {
		return nil, err
	}

	// Control surface.
	if met.ControlCommands, err = m.Int64Counter("cadenza.control.commands",
		metric.WithDescription("Total control commands by op and status."),
	); err != nil {
		return nil, err
	}
	if met.ControlClients, err = m.Int64UpDownCounter("cadenza.control.clients",
		metric.WithDescription("Number of connected websocket clients."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("cadenza.http.request.duration",
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
// pointer. Panics if instrument creation fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEvent records one dispatched scheduler event of the given kind.
func (m *Metrics) RecordEvent(ctx context.Context, kind string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDecision records one generated event for player using policy.
func (m *Metrics) RecordDecision(ctx context.Context, player, policy string) {
	m.Decisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("player", player),
			attribute.String("policy", policy),
		),
	)
}

// RecordCommand records one control command with its outcome status.
func (m *Metrics) RecordCommand(ctx context.Context, op, status string) {
	m.ControlCommands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}
