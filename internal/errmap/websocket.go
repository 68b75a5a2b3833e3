// Package errmap maps domain errors onto wire representations: WebSocket
// close codes for live sessions, frame error codes, and HTTP statuses for
// rejected upgrade handshakes.
package errmap

import (
	"errors"

	"github.com/aelexs/socket-gateway/internal/domain"
)

// WebSocket close codes per RFC 6455.
// Application-specific codes use the 4000-4999 range.
const (
	// Standard codes (RFC 6455)
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013

	// Application-specific codes (4000-4999)
	CloseInvalidEvent = 4000
	CloseNotFound     = 4004
	CloseSlowConsumer = 4029
)

// WebSocketClose represents a close code and reason for WebSocket termination.
type WebSocketClose struct {
	Code   int
	Reason string
}

// ToWebSocketClose converts a domain error to a WebSocket close code and reason.
func ToWebSocketClose(err error) WebSocketClose {
	if err == nil {
		return WebSocketClose{Code: CloseNormalClosure, Reason: "normal_closure"}
	}

	switch {
	case errors.Is(err, domain.ErrInvalidFrame):
		return WebSocketClose{Code: CloseProtocolError, Reason: "protocol_error"}

	case errors.Is(err, domain.ErrEventTooLarge):
		return WebSocketClose{Code: CloseMessageTooBig, Reason: "event_too_large"}

	case errors.Is(err, domain.ErrInvalidEvent), errors.Is(err, domain.ErrInvalidPayload):
		return WebSocketClose{Code: CloseInvalidEvent, Reason: "invalid_event"}

	case errors.Is(err, domain.ErrUnknownFrame):
		return WebSocketClose{Code: CloseInvalidEvent, Reason: "unknown_frame"}

	case errors.Is(err, domain.ErrNotFound):
		return WebSocketClose{Code: CloseNotFound, Reason: "not_found"}

	case errors.Is(err, domain.ErrSlowConsumer):
		return WebSocketClose{Code: CloseSlowConsumer, Reason: "slow_consumer"}

	case errors.Is(err, domain.ErrSessionClosed):
		return WebSocketClose{Code: CloseGoingAway, Reason: "session_closed"}

	case errors.Is(err, domain.ErrUnavailable):
		return WebSocketClose{Code: CloseTryAgainLater, Reason: "service_unavailable"}

	default:
		return WebSocketClose{Code: CloseInternalError, Reason: "internal_error"}
	}
}

// Common close reasons for special cases not directly mapped to domain errors.
var (
	CloseServerShutdown = WebSocketClose{Code: CloseGoingAway, Reason: "server_shutdown"}
	CloseHeartbeatLost  = WebSocketClose{Code: ClosePolicyViolation, Reason: "heartbeat_timeout"}
)
