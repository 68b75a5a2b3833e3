// Package server provides the service lifecycle runner. cmd/gateway
// delegates to server.Run for signal handling, config loading,
// observability init, health checks, gateway startup and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aelexs/socket-gateway/internal/config"
	"github.com/aelexs/socket-gateway/internal/domain"
	"github.com/aelexs/socket-gateway/internal/gateway"
	"github.com/aelexs/socket-gateway/internal/observability"
)

// Params configures a service's lifecycle runner.
type Params struct {
	// Name identifies the service in logs, traces and health responses.
	Name string

	// Routes registers application routes next to /healthz. Optional.
	Routes func(mux *http.ServeMux)

	// Setup runs once the gateway is initialized, typically to register
	// session hooks on h.Sessions. Optional.
	Setup func(ctx context.Context, h gateway.Handles, logger *slog.Logger)
}

// Run executes the full service lifecycle: signal handling, config loading,
// observability initialization, gateway startup with health checks, and
// graceful shutdown. If ln is non-nil, it is served instead of binding the
// configured port (enables port-0 testing).
func Run(ctx context.Context, p Params, ln net.Listener) error {
	// Signal-based cancellation: ctx.Done() closes on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	nodeID := domain.GenerateNodeID()
	if cfg.NodeID != "" {
		if nodeID, err = domain.NewNodeID(cfg.NodeID); err != nil {
			return fmt.Errorf("node id: %w", err)
		}
	}

	serviceName := cfg.ServiceName(p.Name)

	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: serviceName,
		Environment: cfg.Environment,
		NodeID:      nodeID.String(),
	})

	// --- Startup order: tracer -> metrics -> gateway ---

	res := observability.ResourceConfig{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		NodeID:         nodeID.String(),
		OTLPEndpoint:   cfg.OTEL.Endpoint,
	}
	tracerProvider, err := observability.InitTracer(ctx, res)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	metricsProvider, err := observability.InitMetrics(ctx, res)
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}

	// Health check coordination via atomic flags. The endpoint reports 503
	// until the gateway is bound and subscribed, and again while draining.
	var ready, shuttingDown atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"shutting_down","service":%q}`, serviceName)
			return
		}
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"starting","service":%q}`, serviceName)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, serviceName)
	})
	if p.Routes != nil {
		p.Routes(mux)
	}

	gw := gateway.New(gateway.Options{
		Logger:        logger,
		NodeID:        nodeID,
		ChannelPrefix: cfg.Broker.Channel,
	})
	handles := gw.Initialize(ctx, gateway.Config{
		Transport: gateway.TransportConfig{
			Handler:  mux,
			Port:     cfg.Gateway.HTTPPort,
			Listener: ln,
		},
		Broker: gateway.BrokerConfig{
			Host:       cfg.Broker.Host,
			Port:       cfg.Broker.Port,
			Credential: cfg.Broker.Password,
			Timeout:    cfg.Broker.Timeout,
		},
	})
	if p.Setup != nil {
		p.Setup(ctx, handles, logger)
	}

	// --- Structured concurrency via errgroup ---
	g, ctx := errgroup.WithContext(ctx)

	// Goroutine 1: Supervise the gateway. A bind or broker failure cancels
	// ctx, which starts the shutdown below.
	g.Go(func() error {
		select {
		case <-gw.Ready():
			ready.Store(true)
			logger.Info("gateway ready",
				slog.String("addr", gw.Addr().String()),
				slog.String("environment", cfg.Environment),
			)
		case err := <-gw.Err():
			return err
		case <-ctx.Done():
			return nil
		}

		select {
		case err := <-gw.Err():
			return err
		case <-ctx.Done():
			return nil
		}
	})

	// Goroutine 2: Shutdown trigger. Order is the reverse of startup:
	// gateway -> metrics -> tracer.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("received shutdown signal, starting graceful shutdown")

		// 1. Mark shutting down so health checks return 503
		shuttingDown.Store(true)

		// 2. Drain delay lets the load balancer drop this endpoint
		time.Sleep(domain.ShutdownDrainDelay)

		// 3. Stop HTTP, disconnect sessions, stop relay, close broker
		gwCtx, gwCancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
		defer gwCancel()
		if shutdownErr := gw.Shutdown(gwCtx); shutdownErr != nil {
			logger.Error("gateway shutdown error", slog.String("error", shutdownErr.Error()))
		}

		// 4. Flush OTEL (metrics first, then tracer)
		otelCtx, otelCancel := context.WithTimeout(context.Background(), domain.ShutdownOTELTimeout)
		defer otelCancel()
		if shutdownErr := metricsProvider.Shutdown(otelCtx); shutdownErr != nil {
			logger.Error("failed to shutdown metrics", slog.String("error", shutdownErr.Error()))
		}
		if shutdownErr := tracerProvider.Shutdown(otelCtx); shutdownErr != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", shutdownErr.Error()))
		}

		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}
