// Package api exposes the governance surface over HTTP: registration,
// authorization, routing, proofs, kill switch, reviews, and the
// observer query endpoints.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ErrorBody is the code/message pair inside the error envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope is the JSON error response shape for every endpoint.
type ErrorEnvelope struct {
	Error          ErrorBody `json:"error"`
	RequestID      string    `json:"requestId,omitempty"`
	ResponseTimeMs int64     `json:"responseTimeMs,omitempty"`
}

// WriteAPIError writes the error envelope. The request id and timing
// come from the middleware-set headers.
func WriteAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	envelope := ErrorEnvelope{
		Error:     ErrorBody{Code: code, Message: message},
		RequestID: w.Header().Get(requestIDHeader),
	}
	if start, ok := requestStart(r); ok {
		envelope.ResponseTimeMs = time.Since(start).Milliseconds()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteAPIError(w, r, http.StatusBadRequest, "BAD_REQUEST", message)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	if message == "" {
		message = "authentication required"
	}
	WriteAPIError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, code, message string) {
	if code == "" {
		code = "FORBIDDEN"
	}
	WriteAPIError(w, r, http.StatusForbidden, code, message)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, message string) {
	WriteAPIError(w, r, http.StatusNotFound, "NOT_FOUND", message)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteAPIError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "the HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, r *http.Request, code, message string) {
	if code == "" {
		code = "CONFLICT"
	}
	WriteAPIError(w, r, http.StatusConflict, code, message)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After
// header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteAPIError(w, r, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "rate limit exceeded; retry after the specified interval")
}

// WriteInternal writes a 500 error response. The error is logged but
// never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", r.URL.Path, "error", err)
	WriteAPIError(w, r, http.StatusInternalServerError, "SYSTEM_ERROR", "an unexpected error occurred; please try again later")
}

// WriteJSON writes a success payload.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
