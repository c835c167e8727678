// Package errors defines the JSON error envelope shared by every HTTP
// endpoint, so clients can rely on a single error shape.
package errors

import (
	"encoding/json"
	"net/http"
)

// HTTPError is the body of the error envelope.
type HTTPError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the envelope written on every non-2xx response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// Standard error codes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// WriteJSON writes the error envelope with the given status.
func WriteJSON(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}
