package errmap

import (
	"errors"
	"net/http"

	"github.com/aelexs/socket-gateway/internal/domain"
)

// HTTPError is the JSON body written when a request is rejected before a
// session exists (e.g. an upgrade during shutdown). The same codes appear in
// error frames sent to live sessions.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e HTTPError) Error() string {
	return e.Message
}

type httpMapping struct {
	err        error
	statusCode int
	code       string
}

// Order matters: first match wins (via errors.Is).
var httpMappings = []httpMapping{
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},

	{domain.ErrInvalidEvent, http.StatusBadRequest, "INVALID_EVENT"},
	{domain.ErrInvalidPayload, http.StatusBadRequest, "INVALID_EVENT"},
	{domain.ErrInvalidFrame, http.StatusBadRequest, "INVALID_FRAME"},
	{domain.ErrUnknownFrame, http.StatusBadRequest, "UNKNOWN_FRAME"},
	{domain.ErrEventTooLarge, http.StatusRequestEntityTooLarge, "EVENT_TOO_LARGE"},
	{domain.ErrEmptyID, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidID, http.StatusBadRequest, "INVALID_ARGUMENT"},

	{domain.ErrSlowConsumer, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED"},
	{domain.ErrSessionClosed, http.StatusGone, "SESSION_CLOSED"},
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			return HTTPError{StatusCode: m.statusCode, Code: m.code, Message: err.Error()}
		}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}
