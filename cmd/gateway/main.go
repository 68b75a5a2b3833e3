// Package main is the entrypoint for the socket gateway.
// Clients connect on /socket; every "message" event a client sends is
// broadcast to all other clients on every gateway sharing the broker, or to
// one room when the event names it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aelexs/socket-gateway/internal/domain"
	"github.com/aelexs/socket-gateway/internal/gateway"
	"github.com/aelexs/socket-gateway/internal/server"
	"github.com/aelexs/socket-gateway/internal/session"
)

const (
	serviceName  = "gateway"
	messageEvent = domain.EventName("message")
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:   serviceName,
		Routes: routes,
		Setup:  setup,
	}, nil)
}

func routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"service": serviceName,
			"socket":  domain.SocketPath,
		})
	})
}

// roomMessage is the optional envelope clients use to address one room.
type roomMessage struct {
	Room string          `json:"room"`
	Data json.RawMessage `json:"data"`
}

func setup(_ context.Context, h gateway.Handles, logger *slog.Logger) {
	h.Sessions.OnConnect(func(sess *session.Session) {
		sess.On(messageEvent, func(ctx context.Context, payload []byte) {
			var rm roomMessage
			if json.Unmarshal(payload, &rm) == nil && rm.Room != "" {
				if err := h.Sessions.To(rm.Room).Emit(ctx, messageEvent, rm.Data); err != nil {
					logger.Warn("room broadcast failed",
						slog.String("session_id", sess.ID().String()),
						slog.String("room", rm.Room),
						slog.String("error", err.Error()),
					)
				}
				return
			}
			if err := sess.Broadcast(ctx, messageEvent, payload); err != nil {
				logger.Warn("broadcast failed",
					slog.String("session_id", sess.ID().String()),
					slog.String("error", err.Error()),
				)
			}
		})
	})
}
