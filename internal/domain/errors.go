package domain

import "errors"

// Sentinel errors for gateway error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// ID validation errors
	ErrEmptyID   = errors.New("ID cannot be empty")
	ErrInvalidID = errors.New("invalid ID format")

	// Resource errors
	ErrNotFound = errors.New("resource not found")

	// Event errors
	ErrInvalidEvent   = errors.New("invalid event")
	ErrEventTooLarge  = errors.New("event exceeds size limit")
	ErrInvalidFrame   = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unsupported frame type")
	ErrInvalidPayload = errors.New("invalid event payload")

	// Session errors
	ErrSessionClosed = errors.New("session is closed")
	ErrSlowConsumer  = errors.New("client not consuming events fast enough")

	// Operational errors
	ErrUnavailable    = errors.New("service temporarily unavailable")
	ErrBrokerRequired = errors.New("broker connection pair is required")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// clientErrors enumerates all domain errors caused by what a client sent.
var clientErrors = []error{
	ErrEmptyID,
	ErrInvalidID,
	ErrNotFound,
	ErrInvalidEvent,
	ErrEventTooLarge,
	ErrInvalidFrame,
	ErrUnknownFrame,
	ErrInvalidPayload,
}

// IsClientError returns true if the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound returns true if the error represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
