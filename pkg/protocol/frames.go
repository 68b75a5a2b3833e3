// Package protocol defines the WebSocket frames exchanged between socket
// clients and the gateway, and the envelope nodes exchange over the broker.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aelexs/socket-gateway/internal/domain"
)

// FrameType identifies the type of WebSocket frame.
type FrameType string

const (
	// Connection lifecycle
	FrameTypeConnectionAck     FrameType = "connection_ack"
	FrameTypeConnectionClosing FrameType = "connection_closing"

	// Channel events, both directions
	FrameTypeEvent FrameType = "event"

	// Room membership requested by the client
	FrameTypeJoin  FrameType = "join"
	FrameTypeLeave FrameType = "leave"

	// Errors
	FrameTypeError FrameType = "error"
)

// Frame is the base structure for all WebSocket frames.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectionAck is sent by the server after a successful upgrade.
type ConnectionAck struct {
	SessionID           string `json:"session_id"`
	HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms"`
	ConnectedAt         int64  `json:"connected_at"`
}

// ConnectionClosing is sent by the server before closing the connection.
type ConnectionClosing struct {
	Reason string `json:"reason"`
	Code   int    `json:"code"`
}

// EncodingBase64 marks event data that is not JSON. Data then holds a JSON
// string with the standard base64 encoding of the original bytes.
const EncodingBase64 = "base64"

// Event carries a named event. Data is opaque to the gateway: JSON data is
// relayed byte-for-byte, anything else travels base64-encoded.
type Event struct {
	Event    string          `json:"event"`
	Room     string          `json:"room,omitempty"`
	Encoding string          `json:"encoding,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Bytes returns the event data as the sender emitted it.
func (e Event) Bytes() ([]byte, error) {
	switch e.Encoding {
	case "":
		return e.Data, nil
	case EncodingBase64:
		var s string
		if err := json.Unmarshal(e.Data, &s); err != nil {
			return nil, fmt.Errorf("%w: base64 data: %w", domain.ErrInvalidPayload, err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: base64 data: %w", domain.ErrInvalidPayload, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", domain.ErrInvalidPayload, e.Encoding)
	}
}

// EncodeEvent renders a complete event frame. Valid JSON data is copied
// into the frame verbatim; json.Marshal would compact it and escape HTML
// characters.
func EncodeEvent(name, room string, data []byte) ([]byte, error) {
	nameJSON, err := json.Marshal(name)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(data) + len(room) + len(nameJSON) + 64)
	buf.WriteString(`{"type":"`)
	buf.WriteString(string(FrameTypeEvent))
	buf.WriteString(`","payload":{"event":`)
	buf.Write(nameJSON)

	if room != "" {
		roomJSON, err := json.Marshal(room)
		if err != nil {
			return nil, err
		}
		buf.WriteString(`,"room":`)
		buf.Write(roomJSON)
	}

	switch {
	case len(data) == 0:
	case json.Valid(data):
		buf.WriteString(`,"data":`)
		buf.Write(data)
	default:
		buf.WriteString(`,"encoding":"`)
		buf.WriteString(EncodingBase64)
		buf.WriteString(`","data":"`)
		buf.WriteString(base64.StdEncoding.EncodeToString(data))
		buf.WriteByte('"')
	}

	buf.WriteString("}}")
	return buf.Bytes(), nil
}

// Room is the payload of join and leave frames.
type Room struct {
	Room string `json:"room"`
}

// Error is sent by the server to report a rejected frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewFrame creates a Frame with the given type and payload.
func NewFrame(frameType FrameType, payload any) (*Frame, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return &Frame{
		Type:    frameType,
		Payload: payloadBytes,
	}, nil
}

// MustFrame is NewFrame for payloads that cannot fail to marshal.
func MustFrame(frameType FrameType, payload any) *Frame {
	f, err := NewFrame(frameType, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// ParsePayload unmarshals the frame payload into the given struct.
func (f *Frame) ParsePayload(v any) error {
	if f.Payload == nil {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// DecodeFrame parses one client frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", domain.ErrInvalidFrame)
	}
	return &f, nil
}
