// Package gateway composes the application handler, the WebSocket session
// layer and the Redis fan-out backplane behind one lazily initialized
// Gateway. Initialize is idempotent: the first call builds and starts
// everything, later calls return the same handles and change nothing.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aelexs/socket-gateway/internal/domain"
	"github.com/aelexs/socket-gateway/internal/fanout"
	redisclient "github.com/aelexs/socket-gateway/internal/redis"
	"github.com/aelexs/socket-gateway/internal/session"
)

// BrokerConfig locates the Redis backplane. It is copied at initialization.
type BrokerConfig struct {
	Host       string
	Port       int    // Zero means domain.DefaultBrokerPort
	Credential string // Empty disables AUTH

	// Timeout bounds dialing the broker. Zero means domain.BrokerTimeout.
	Timeout time.Duration
}

// TransportConfig describes the HTTP host.
type TransportConfig struct {
	// Handler serves every path except the socket endpoint. Nil serves 404s.
	Handler http.Handler
	// Port is bound on all interfaces unless Listener is set.
	Port int
	// Listener, when non-nil, is served instead of binding Port. The
	// Gateway takes ownership and closes it on Shutdown.
	Listener net.Listener
}

// Config is the input to Initialize.
type Config struct {
	Transport TransportConfig
	Broker    BrokerConfig
}

// Handles are the references Initialize hands back to callers.
type Handles struct {
	Sessions    *session.Server
	Application http.Handler
}

// Gateway owns the transport host, the session layer and the broker pair.
type Gateway struct {
	logger    *slog.Logger
	listen    ListenFunc
	newBroker BrokerFactory
	nodeID    domain.NodeID
	clock     domain.Clock
	prefix    string

	mu       sync.RWMutex
	app      http.Handler
	port     int
	host     *http.Server
	listener net.Listener
	sessions *session.Server
	latest   *session.Session
	broker   *redisclient.Pair
	cancel   context.CancelFunc

	bound    chan struct{}
	ready    chan struct{}
	done     chan struct{}
	failed   chan struct{}
	errc     chan error
	failOnce sync.Once
	firstErr error

	shutdownOnce sync.Once
	shutdownErr  error
}

var (
	instance     *Gateway
	instanceOnce sync.Once
)

// Instance returns the process-wide Gateway, creating it with default
// options on first use.
func Instance() *Gateway {
	instanceOnce.Do(func() {
		instance = New(Options{})
	})
	return instance
}

// New returns an uninitialized Gateway. Composition roots that want
// explicit ownership use New instead of Instance.
func New(opts Options) *Gateway {
	opts = opts.withDefaults()
	return &Gateway{
		logger:    opts.Logger.With(slog.String("component", "gateway")),
		listen:    opts.Listen,
		newBroker: opts.NewBroker,
		clock:     opts.Clock,
		nodeID:    opts.NodeID,
		prefix:    opts.ChannelPrefix,
		bound:     make(chan struct{}),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		failed:    make(chan struct{}),
		errc:      make(chan error, 1),
	}
}

// Initialize builds the broker pair, the transport host and the session
// layer, wires fan-out, and starts serving in the background. It returns
// without waiting for the bind or the broker; failures are reported through
// Err and Wait.
//
// Once the session layer exists, Initialize returns the stored handles and
// ignores cfg. A Listener passed to such a call is left untouched.
func (g *Gateway) Initialize(ctx context.Context, cfg Config) Handles {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sessions != nil {
		return g.handlesLocked()
	}

	broker := cfg.Broker
	if broker.Timeout <= 0 {
		broker.Timeout = domain.BrokerTimeout
	}
	g.broker = g.newBroker(redisclient.Config{
		Host:        broker.Host,
		Port:        broker.Port,
		Password:    broker.Credential,
		Name:        "gateway-" + g.nodeID.String(),
		DialTimeout: broker.Timeout,
	})

	g.app = cfg.Transport.Handler
	if g.app == nil {
		g.app = http.NotFoundHandler()
	}
	g.port = cfg.Transport.Port

	sessions := session.NewServer(session.Config{
		Logger: g.logger,
		Clock:  g.clock,
	})

	mux := http.NewServeMux()
	mux.Handle(domain.SocketPath, sessions)
	mux.Handle("/", g.app)
	g.host = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: domain.HTTPReadHeaderTimeout,
		IdleTimeout:       domain.HTTPIdleTimeout,
	}

	adapter, err := fanout.New(fanout.Config{
		Pub:    g.broker.Pub,
		Sub:    g.broker.Sub,
		Local:  sessions,
		NodeID: g.nodeID,
		Prefix: g.prefix,
		Logger: g.logger,
	})
	if err != nil {
		// Sessions still work on this node; only cross-node delivery is lost.
		g.fail(fmt.Errorf("fan-out adapter: %w", err))
	} else {
		sessions.SetAdapter(adapter)
	}

	sessions.OnConnect(g.trackSession)
	g.sessions = sessions

	g.start(ctx, cfg.Transport.Listener, adapter)

	return g.handlesLocked()
}

// start runs the serve and relay loops. Callers hold g.mu.
func (g *Gateway) start(ctx context.Context, ln net.Listener, adapter *fanout.Adapter) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel

	eg, egCtx := errgroup.WithContext(runCtx)
	host := g.host
	port := g.port

	eg.Go(func() error {
		l := ln
		if l == nil {
			var err error
			l, err = g.listen(egCtx, fmt.Sprintf(":%d", port))
			if err != nil {
				return g.fail(fmt.Errorf("listen on port %d: %w", port, err))
			}
		}
		if tcp, ok := l.Addr().(*net.TCPAddr); ok && port == 0 {
			port = tcp.Port
		}

		g.mu.Lock()
		g.listener = l
		g.port = port
		g.mu.Unlock()

		g.logger.Info(fmt.Sprintf("Running server on port %d", port))
		close(g.bound)
		if err := host.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return g.fail(fmt.Errorf("serve: %w", err))
		}
		return nil
	})

	if adapter != nil {
		eg.Go(func() error {
			if err := adapter.Run(egCtx); err != nil {
				return g.fail(fmt.Errorf("fan-out relay: %w", err))
			}
			return nil
		})
		go func() {
			select {
			case <-g.bound:
			case <-egCtx.Done():
				return
			}
			select {
			case <-adapter.Ready():
				close(g.ready)
			case <-egCtx.Done():
			}
		}()
	} else {
		go func() {
			select {
			case <-g.bound:
				close(g.ready)
			case <-egCtx.Done():
			}
		}()
	}

	go func() {
		_ = eg.Wait()
		close(g.done)
	}()
}

// fail records err as the first asynchronous failure, logs it and returns it.
func (g *Gateway) fail(err error) error {
	g.logger.Error("gateway failure", slog.String("error", err.Error()))
	g.failOnce.Do(func() {
		g.firstErr = err
		g.errc <- err
		close(g.failed)
	})
	return err
}

func (g *Gateway) trackSession(sess *session.Session) {
	g.mu.Lock()
	g.latest = sess
	port := g.port
	g.mu.Unlock()

	logger := g.logger.With(slog.String("session_id", sess.ID().String()))
	logger.Info(fmt.Sprintf("Connected client on port %d", port))
	sess.OnDisconnect(func(reason string) {
		logger.Info("Client disconnected", slog.String("reason", reason))
	})
}

func (g *Gateway) handlesLocked() Handles {
	return Handles{Sessions: g.sessions, Application: g.app}
}

// Application returns the wrapped application handler, or nil before
// Initialize.
func (g *Gateway) Application() http.Handler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.app
}

// Sessions returns the session layer, or nil before Initialize.
func (g *Gateway) Sessions() *session.Server {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sessions
}

// LatestSession returns the most recently connected session, or nil. It is
// a diagnostic convenience; use Sessions().Session(id) for lookups.
func (g *Gateway) LatestSession() *session.Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.latest
}

// Addr returns the bound listener address, or nil until bound.
func (g *Gateway) Addr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Ready is closed once the listener is bound and the relay subscription is
// confirmed by the broker.
func (g *Gateway) Ready() <-chan struct{} {
	return g.ready
}

// Err delivers the first asynchronous failure (bind, serve or broker).
func (g *Gateway) Err() <-chan error {
	return g.errc
}

// Wait blocks until the gateway fails, stops, or ctx expires. It returns
// the first failure, nil after a clean stop, or the context error.
func (g *Gateway) Wait(ctx context.Context) error {
	select {
	case <-g.failed:
		return g.firstErr
	case <-g.done:
		select {
		case <-g.failed:
			return g.firstErr
		default:
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting connections, disconnects every session, stops
// the relay and closes the broker pair. Safe to call more than once and
// before Initialize.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.RLock()
	initialized := g.sessions != nil
	g.mu.RUnlock()
	if !initialized {
		return nil
	}

	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.mu.RLock()
	host, sessions, broker, cancel := g.host, g.sessions, g.broker, g.cancel
	g.mu.RUnlock()

	var errs []error
	// Hijacked WebSocket connections are invisible to http.Server.Shutdown,
	// so sessions are closed separately once the listener is gone.
	if err := host.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown HTTP host: %w", err))
	}
	if err := sessions.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	cancel()
	select {
	case <-g.done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("stop background loops: %w", ctx.Err()))
	}

	if err := broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broker: %w", err))
	}
	return errors.Join(errs...)
}
