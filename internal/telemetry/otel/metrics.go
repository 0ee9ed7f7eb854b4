package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "tenant-control-plane/idpsync"

// SyncMetrics records identity sync outcomes: identity_sync.events counts events by action and outcome,
// identity_sync.duration is the handling time in seconds including retries.
type SyncMetrics struct {
	events   metric.Int64Counter
	duration metric.Float64Histogram
}

// NewSyncMetrics creates the instruments on mp. A nil mp yields no-op instruments.
func NewSyncMetrics(mp metric.MeterProvider) (*SyncMetrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	m := mp.Meter(meterName)
	events, err := m.Int64Counter("identity_sync.events",
		metric.WithDescription("Identity provider events handled, by action and outcome."))
	if err != nil {
		return nil, err
	}
	duration, err := m.Float64Histogram("identity_sync.duration",
		metric.WithDescription("Time to handle one identity provider event, including retries."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &SyncMetrics{events: events, duration: duration}, nil
}

// Observe records one handled event.
func (m *SyncMetrics) Observe(ctx context.Context, eventType, action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	)
	m.events.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}
