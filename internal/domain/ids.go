// Package domain contains the gateway's core types, limits and sentinel errors.
// No transport or broker dependencies are allowed here.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// SessionID identifies one connected real-time client. Assigned by the
// session layer on accept; opaque to everything else.
type SessionID struct {
	value string
}

// NewSessionID creates a SessionID from a raw string, validating it is a UUID.
func NewSessionID(raw string) (SessionID, error) {
	if raw == "" {
		return SessionID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return SessionID{}, fmt.Errorf("invalid session ID %q: %w", raw, ErrInvalidID)
	}
	return SessionID{value: raw}, nil
}

// MustSessionID creates a SessionID, panicking on invalid input. Use only in tests.
func MustSessionID(raw string) SessionID {
	id, err := NewSessionID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateSessionID creates a new random SessionID.
func GenerateSessionID() SessionID {
	return SessionID{value: uuid.NewString()}
}

func (id SessionID) String() string { return id.value }
func (id SessionID) IsZero() bool   { return id.value == "" }

// NodeID identifies one gateway process on the broker. Envelopes stamped with
// the local NodeID are this process's own publications echoed back.
type NodeID struct {
	value string
}

// NewNodeID creates a NodeID from a raw string. Any non-empty string is
// accepted so operators can pin readable names (e.g. pod names).
func NewNodeID(raw string) (NodeID, error) {
	if raw == "" {
		return NodeID{}, ErrEmptyID
	}
	return NodeID{value: raw}, nil
}

// GenerateNodeID creates a new random NodeID.
func GenerateNodeID() NodeID {
	return NodeID{value: uuid.NewString()}
}

func (id NodeID) String() string { return id.value }
func (id NodeID) IsZero() bool   { return id.value == "" }
