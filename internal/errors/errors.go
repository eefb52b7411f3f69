package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is an error that can be written to a client as a JSON envelope
// of the form {"error": <message>}.
type GatewayError struct {
	Status     int    `json:"-"`
	Message    string `json:"error"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error envelope to the response.
// Base singletons use pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrBadRequest = &GatewayError{
		Status:  http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrForbidden = &GatewayError{
		Status:  http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &GatewayError{
		Status:  http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrTooManyRequests = &GatewayError{
		Status:  http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrBadGateway = &GatewayError{
		Status:  http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrInternalServer = &GatewayError{
		Status:  http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrBadRequest, ErrForbidden, ErrNotFound, ErrMethodNotAllowed,
		ErrTooManyRequests, ErrBadGateway, ErrInternalServer,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(status int, message string) *GatewayError {
	return &GatewayError{Status: status, Message: message}
}

// BadRequest creates a 400 error with a specific message.
func BadRequest(message string) *GatewayError {
	return &GatewayError{Status: http.StatusBadRequest, Message: message}
}

// Forbidden creates a 403 error with a specific message.
func Forbidden(message string) *GatewayError {
	return &GatewayError{Status: http.StatusForbidden, Message: message}
}

// NotFound creates a 404 error with a specific message.
func NotFound(message string) *GatewayError {
	return &GatewayError{Status: http.StatusNotFound, Message: message}
}

// Unavailable creates an error for a disabled feature. The control plane
// reports disabled features as 400, not 503.
func Unavailable(message string) *GatewayError {
	return &GatewayError{Status: http.StatusBadRequest, Message: message}
}

// Wrap attaches an underlying error while keeping the envelope message.
func Wrap(base *GatewayError, err error) *GatewayError {
	return &GatewayError{Status: base.Status, Message: base.Message, underlying: err}
}

// WriteError maps any error to a JSON envelope response. GatewayErrors keep
// their status; everything else becomes a 500 with the error text.
func WriteError(w http.ResponseWriter, err error) {
	if ge, ok := err.(*GatewayError); ok {
		ge.WriteJSON(w)
		return
	}
	New(http.StatusInternalServerError, err.Error()).WriteJSON(w)
}
