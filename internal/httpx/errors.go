// Package httpx holds the HTTP surface's shared plumbing: the error
// envelope every JSON endpoint emits and the stable error codes clients
// key their retry logic off.
package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Stable HTTP error codes.
const (
	CodeDraining               = "DRAINING"
	CodeMaintenanceMode        = "MAINTENANCE_MODE"
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeInvalidChannel         = "INVALID_CHANNEL"
	CodeInvalidIdempotencyKey  = "INVALID_IDEMPOTENCY_KEY"
	CodeIdempotencyKeyMismatch = "IDEMPOTENCY_KEY_MISMATCH"
	CodeNotFound               = "NOT_FOUND"
	CodeInternal               = "INTERNAL_ERROR"
)

// Severities tell the client whether to fix the request or retry it.
const (
	SeverityRecoverable = "recoverable"
	SeverityRetry       = "retry"
)

// severityFor maps a stable code to its retry guidance: lifecycle and
// internal failures clear on their own, everything else needs a changed
// request.
func severityFor(code string) string {
	switch code {
	case CodeDraining, CodeMaintenanceMode, CodeInternal:
		return SeverityRetry
	}
	return SeverityRecoverable
}

// HeaderCorrelationID is echoed into every error envelope so a client can
// tie a failure back to its originating request.
const HeaderCorrelationID = "X-Correlation-ID"

// ErrorBody is the inner object of the error envelope.
type ErrorBody struct {
	Code          string    `json:"code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
	Details       any       `json:"details,omitempty"`
	Severity      string    `json:"severity,omitempty"`
	Hint          string    `json:"hint,omitempty"`
}

// ErrorEnvelope is the uniform error shape of every JSON endpoint.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// CorrelationID returns the request's correlation id, minting one when the
// client did not supply it.
func CorrelationID(r *http.Request) string {
	if id := r.Header.Get(HeaderCorrelationID); id != "" {
		return id
	}
	return uuid.NewString()
}

// WriteError emits the error envelope with the given status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	WriteErrorDetails(w, r, status, code, message, nil)
}

// WriteErrorDetails emits the error envelope with an optional details
// payload.
func WriteErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{Error: ErrorBody{
		Code:          code,
		Message:       message,
		CorrelationID: CorrelationID(r),
		Timestamp:     time.Now().UTC(),
		Details:       details,
		Severity:      severityFor(code),
	}})
}

// WriteJSON emits a success payload.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
