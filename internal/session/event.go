package session

import (
	"context"
	"fmt"

	"github.com/aelexs/socket-gateway/internal/domain"
	"github.com/aelexs/socket-gateway/pkg/protocol"
)

// Origin records where an event entered this process.
type Origin int

const (
	// OriginLocal events were emitted in this process and may be published
	// to the broker.
	OriginLocal Origin = iota
	// OriginRelayed events arrived from the broker and must only be
	// delivered locally.
	OriginRelayed
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRelayed:
		return "relayed"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// Event is one in-flight channel event.
type Event struct {
	Name    domain.EventName
	Payload []byte // Opaque; JSON reaches clients verbatim, other bytes base64-encoded
	Room    string // Empty targets every session
	Except  domain.SessionID
	Origin  Origin
}

// Validate checks the event name. Payloads are never inspected.
func (e Event) Validate() error {
	if err := domain.ValidateEventName(e.Name); err != nil {
		return fmt.Errorf("event %q: %w", e.Name, err)
	}
	return nil
}

// frame renders the event as the bytes written to each client.
func (e Event) frame() ([]byte, error) {
	data, err := protocol.EncodeEvent(string(e.Name), e.Room, e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode event %q: %w", e.Name, err)
	}
	return data, nil
}

// Adapter decides how broadcasts reach sessions. Implementations must
// deliver locally through a Deliverer and must never republish an event
// whose Origin is OriginRelayed.
type Adapter interface {
	Broadcast(ctx context.Context, ev Event) error
}

// Deliverer writes an event to the sessions connected to this process.
type Deliverer interface {
	Deliver(ev Event) int
}

// localAdapter is the single-process default.
type localAdapter struct {
	local Deliverer
}

func (a localAdapter) Broadcast(_ context.Context, ev Event) error {
	a.local.Deliver(ev)
	return nil
}
