// Package session is the real-time session layer: it upgrades HTTP requests
// to WebSocket connections, tracks one Session per client and dispatches
// client events to per-session handlers.
//
// Broadcasts go through an Adapter. The default adapter delivers to local
// sessions only; internal/fanout replaces it to span processes.
package session

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	sessionsActive       metric.Int64UpDownCounter
	sessionsTotal        metric.Int64Counter
	eventsReceivedTotal  metric.Int64Counter
	eventsDeliveredTotal metric.Int64Counter
	slowConsumersTotal   metric.Int64Counter
)

func init() {
	m := otel.Meter("gateway/session")

	sessionsActive, _ = m.Int64UpDownCounter("session_active",
		metric.WithDescription("Currently connected sessions"))
	sessionsTotal, _ = m.Int64Counter("session_connected_total",
		metric.WithDescription("Total sessions accepted"))
	eventsReceivedTotal, _ = m.Int64Counter("session_events_received_total",
		metric.WithDescription("Total event frames received from clients"))
	eventsDeliveredTotal, _ = m.Int64Counter("session_events_delivered_total",
		metric.WithDescription("Total event frames queued to clients"))
	slowConsumersTotal, _ = m.Int64Counter("session_slow_consumers_total",
		metric.WithDescription("Total sessions dropped for not draining their buffer"))
}
