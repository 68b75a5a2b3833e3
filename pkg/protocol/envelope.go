package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/aelexs/socket-gateway/internal/domain"
)

// Envelope is the broker message published for every locally emitted event.
// Payload is []byte so encoding/json base64-encodes it and the relayed bytes
// come back unchanged regardless of content.
type Envelope struct {
	NodeID  string `json:"node_id"`
	Event   string `json:"event"`
	Room    string `json:"room,omitempty"`
	Except  string `json:"except,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Encode marshals the envelope for PUBLISH.
func (e Envelope) Encode() ([]byte, error) {
	if e.NodeID == "" {
		return nil, fmt.Errorf("encode envelope: %w", domain.ErrEmptyID)
	}
	if err := domain.ValidateEventName(domain.EventName(e.Event)); err != nil {
		return nil, fmt.Errorf("encode envelope %q: %w", e.Event, err)
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses a broker message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", domain.ErrInvalidFrame, err)
	}
	if e.NodeID == "" {
		return Envelope{}, fmt.Errorf("%w: envelope without node_id", domain.ErrInvalidFrame)
	}
	if err := domain.ValidateEventName(domain.EventName(e.Event)); err != nil {
		return Envelope{}, fmt.Errorf("envelope event %q: %w", e.Event, err)
	}
	return e, nil
}
