// Package fanout is the broker-backed session.Adapter. It makes every gateway
// sharing one Redis instance behave as a single broadcast domain: locally
// emitted events are published once, and events arriving from other nodes
// are delivered to local sessions without being published again.
package fanout

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("gateway/fanout")

var (
	publishedTotal metric.Int64Counter
	relayedTotal   metric.Int64Counter
	droppedTotal   metric.Int64Counter
)

func init() {
	m := otel.Meter("gateway/fanout")

	publishedTotal, _ = m.Int64Counter("fanout_published_total",
		metric.WithDescription("Total events published to the broker"))
	relayedTotal, _ = m.Int64Counter("fanout_relayed_total",
		metric.WithDescription("Total broker events delivered to local sessions"))
	droppedTotal, _ = m.Int64Counter("fanout_dropped_total",
		metric.WithDescription("Total broker messages ignored (own echo or malformed)"))
}
