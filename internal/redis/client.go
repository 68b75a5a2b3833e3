// Package redis owns the broker connections. go-redis is confined to this
// package and internal/fanout; everything else sees Pair and Config.
package redis

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aelexs/socket-gateway/internal/domain"
)

// Cmdable is a type alias for redis.Cmdable so callers can publish without
// importing go-redis.
type Cmdable = redis.Cmdable

// PubSub and Message alias the go-redis subscription types used by the
// fan-out relay loop.
type (
	PubSub  = redis.PubSub
	Message = redis.Message
)

// Subscriber is the subscribe side of the pair. *redis.Client satisfies it.
type Subscriber interface {
	PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub
}

// WithChannelSize sizes the Go channel go-redis buffers messages in.
var WithChannelSize = redis.WithChannelSize

// Config holds the parameters shared by both broker connections.
type Config struct {
	Host         string
	Port         int    // Zero means domain.DefaultBrokerPort
	Password     string // Empty disables AUTH
	Name         string // Client name prefix reported via CLIENT SETNAME
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Addr returns host:port, applying the default broker port.
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = domain.DefaultBrokerPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Pair is the publish/subscribe connection pair. A connection in subscribed
// state cannot issue regular commands, so publishing and subscribing never
// share one.
type Pair struct {
	// Pub carries PUBLISH traffic. Payload bytes are sent as-is.
	Pub *redis.Client
	// Sub is used only for PSUBSCRIBE.
	Sub *redis.Client
}

// NewPair creates both connections from one config. go-redis dials lazily,
// so connection failures surface on first use rather than here.
func NewPair(cfg Config) *Pair {
	name := cfg.Name
	if name == "" {
		name = "gateway"
	}
	return &Pair{
		Pub: redis.NewClient(options(cfg, name+"-pub")),
		Sub: redis.NewClient(options(cfg, name+"-sub")),
	}
}

func options(cfg Config, clientName string) *redis.Options {
	return &redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		ClientName:   clientName,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// Close releases both connections.
func (p *Pair) Close() error {
	return errors.Join(p.Pub.Close(), p.Sub.Close())
}
