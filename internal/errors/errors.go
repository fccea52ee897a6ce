// Package errors defines the stable-code error envelope used by the HTTP
// surface. Codes are part of the external contract; messages are not.
package errors

import (
	"encoding/json"
	"net/http"
)

// Stable error codes.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeInternal         = "INTERNAL"
)

// HTTPErrorResponse is the JSON envelope for every non-2xx response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError carries the stable code plus a human-readable message.
type HTTPError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteHTTP writes the envelope with the given status code.
func WriteHTTP(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPError{Code: code, Message: message, RequestID: requestID},
	})
}
