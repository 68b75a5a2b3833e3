package domain

import "time"

// Compiled defaults for the gateway. Most can be overridden via configuration.
const (
	// Broker defaults
	DefaultBrokerPort    = 6379      // Standard Redis port
	DefaultChannelPrefix = "gateway" // Redis channel prefix; channels are "<prefix>#<event>"
	BrokerTimeout        = 2 * time.Second

	// Event limits
	MaxEventSize       = 64 * 1024 // 64 KB max frame read from a client
	MaxEventNameLength = 128

	// Socket endpoint mounted on the transport host
	SocketPath = "/socket"

	// Buffer limits
	OutboundBufferSize    = 256 // Frames buffered per session before it is dropped as slow
	OutboundWriteTimeout  = 10 * time.Second
	RelayChannelSize      = 1024 // go-redis subscription channel buffer
	SubscribeReadyTimeout = 5 * time.Second

	// Heartbeat configuration
	HeartbeatInterval = 30 * time.Second // Server sends ping every 30s
	HeartbeatTimeout  = 60 * time.Second // Read deadline extended on every pong

	// HTTP host timeouts
	HTTPReadHeaderTimeout = 10 * time.Second
	HTTPIdleTimeout       = 60 * time.Second

	// Graceful shutdown
	GracefulShutdownTimeout = 30 * time.Second
	ShutdownDrainDelay      = 500 * time.Millisecond // Let load balancers observe /healthz 503
	ShutdownHTTPTimeout     = 10 * time.Second
	ShutdownOTELTimeout     = 5 * time.Second
)

// EventName is the name carried by every channel event.
type EventName string

// Reserved names are lifecycle hooks and cannot be emitted by applications or clients.
const (
	EventConnect    EventName = "connect"
	EventDisconnect EventName = "disconnect"
	EventError      EventName = "error"
)

// IsReservedEvent reports whether name is a lifecycle hook name.
func IsReservedEvent(name EventName) bool {
	return name == EventConnect || name == EventDisconnect || name == EventError
}

// ValidateEventName checks that an event name can be emitted and relayed.
func ValidateEventName(name EventName) error {
	if name == "" {
		return ErrInvalidEvent
	}
	if len(name) > MaxEventNameLength {
		return ErrInvalidEvent
	}
	if IsReservedEvent(name) {
		return ErrInvalidEvent
	}
	return nil
}
