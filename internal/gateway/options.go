package gateway

import (
	"context"
	"log/slog"
	"net"

	"github.com/aelexs/socket-gateway/internal/domain"
	redisclient "github.com/aelexs/socket-gateway/internal/redis"
)

// ListenFunc binds the transport host's TCP listener.
type ListenFunc func(ctx context.Context, addr string) (net.Listener, error)

// BrokerFactory creates the publish/subscribe connection pair.
type BrokerFactory func(cfg redisclient.Config) *redisclient.Pair

// Options holds the collaborators of a Gateway. Zero values select the
// production defaults.
type Options struct {
	Logger *slog.Logger
	Clock  domain.Clock

	// Listen binds the listener when TransportConfig.Listener is nil.
	Listen ListenFunc
	// NewBroker creates the broker pair on first Initialize.
	NewBroker BrokerFactory

	// NodeID is stamped on published envelopes. Zero generates one.
	NodeID domain.NodeID
	// ChannelPrefix must be the same on every node of one deployment.
	ChannelPrefix string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = domain.RealClock{}
	}
	if o.Listen == nil {
		o.Listen = defaultListen
	}
	if o.NewBroker == nil {
		o.NewBroker = redisclient.NewPair
	}
	if o.NodeID.IsZero() {
		o.NodeID = domain.GenerateNodeID()
	}
	if o.ChannelPrefix == "" {
		o.ChannelPrefix = domain.DefaultChannelPrefix
	}
	return o
}

func defaultListen(ctx context.Context, addr string) (net.Listener, error) {
	return (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
}
