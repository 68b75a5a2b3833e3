package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/socket-gateway/internal/domain"
	redisclient "github.com/aelexs/socket-gateway/internal/redis"
	"github.com/aelexs/socket-gateway/internal/session"
	"github.com/aelexs/socket-gateway/pkg/protocol"
)

// channelSeparator joins the prefix and the event name in channel keys.
const channelSeparator = "#"

var _ session.Adapter = (*Adapter)(nil)

// Config wires an Adapter to the broker pair and the local session layer.
type Config struct {
	Pub    redisclient.Cmdable
	Sub    redisclient.Subscriber
	Local  session.Deliverer
	NodeID domain.NodeID
	Prefix string // Defaults to domain.DefaultChannelPrefix
	Logger *slog.Logger
}

// Adapter publishes local broadcasts and relays remote ones.
type Adapter struct {
	pub    redisclient.Cmdable
	sub    redisclient.Subscriber
	local  session.Deliverer
	nodeID domain.NodeID
	prefix string
	logger *slog.Logger
	ready  chan struct{}
}

// New validates cfg and returns an Adapter. Run must be started for remote
// events to arrive.
func New(cfg Config) (*Adapter, error) {
	if cfg.Pub == nil || cfg.Sub == nil {
		return nil, domain.ErrBrokerRequired
	}
	if cfg.Local == nil {
		return nil, errors.New("fanout: local deliverer is required")
	}
	if cfg.NodeID.IsZero() {
		return nil, fmt.Errorf("fanout: node ID: %w", domain.ErrEmptyID)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = domain.DefaultChannelPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		pub:    cfg.Pub,
		sub:    cfg.Sub,
		local:  cfg.Local,
		nodeID: cfg.NodeID,
		prefix: cfg.Prefix,
		logger: cfg.Logger.With(slog.String("component", "fanout")),
		ready:  make(chan struct{}),
	}, nil
}

// Channel returns the broker channel an event is published on.
func (a *Adapter) Channel(name domain.EventName) string {
	return a.prefix + channelSeparator + string(name)
}

// Pattern returns the PSUBSCRIBE pattern covering every event channel.
func (a *Adapter) Pattern() string {
	return a.prefix + channelSeparator + "*"
}

// Ready is closed once the subscription is confirmed by the broker.
func (a *Adapter) Ready() <-chan struct{} {
	return a.ready
}

// Broadcast delivers ev to local sessions and, for locally originated
// events only, publishes it to the broker exactly once.
func (a *Adapter) Broadcast(ctx context.Context, ev session.Event) error {
	a.local.Deliver(ev)

	if ev.Origin == session.OriginRelayed {
		return nil
	}
	return a.publish(ctx, ev)
}

func (a *Adapter) publish(ctx context.Context, ev session.Event) error {
	channel := a.Channel(ev.Name)

	ctx, span := tracer.Start(ctx, "redis.fanout.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "PUBLISH"),
		attribute.String("messaging.destination.name", channel),
	)

	data, err := protocol.Envelope{
		NodeID:  a.nodeID.String(),
		Event:   string(ev.Name),
		Room:    ev.Room,
		Except:  ev.Except.String(),
		Payload: ev.Payload,
	}.Encode()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := a.pub.Publish(ctx, channel, data).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish %q: %w", channel, err)
	}

	publishedTotal.Add(ctx, 1)
	return nil
}

// Run subscribes to every event channel and relays messages from other nodes
// until ctx is cancelled. A failed subscription is returned; malformed
// messages are logged and skipped.
func (a *Adapter) Run(ctx context.Context) error {
	ps := a.sub.PSubscribe(ctx, a.Pattern())
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %q: %w", a.Pattern(), err)
	}
	close(a.ready)
	a.logger.Debug("subscribed to broker", slog.String("pattern", a.Pattern()))

	ch := ps.Channel(redisclient.WithChannelSize(domain.RelayChannelSize))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			a.relay(ctx, msg)
		}
	}
}

func (a *Adapter) relay(ctx context.Context, msg *redisclient.Message) {
	env, err := protocol.DecodeEnvelope([]byte(msg.Payload))
	if err != nil {
		droppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "malformed")))
		a.logger.Warn("dropping malformed broker message",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if msg.Channel != a.Channel(domain.EventName(env.Event)) {
		droppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "channel_mismatch")))
		a.logger.Warn("dropping broker message on foreign channel",
			slog.String("channel", msg.Channel),
			slog.String("event", env.Event),
		)
		return
	}
	if env.NodeID == a.nodeID.String() {
		droppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "own_echo")))
		return
	}

	ev := session.Event{
		Name:    domain.EventName(env.Event),
		Payload: env.Payload,
		Room:    env.Room,
		Origin:  session.OriginRelayed,
	}
	if env.Except != "" {
		if id, err := domain.NewSessionID(env.Except); err == nil {
			ev.Except = id
		}
	}

	// Relayed events go back through Broadcast; the origin tag keeps them
	// off the broker.
	if err := a.Broadcast(ctx, ev); err != nil {
		a.logger.Error("relay failed", slog.String("event", env.Event), slog.String("error", err.Error()))
		return
	}
	relayedTotal.Add(ctx, 1)
}
