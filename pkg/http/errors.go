package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`             // machine-readable code
	Message string `json:"message"`           // human-readable message
	Details string `json:"details,omitempty"` // validation details only
}

// serviceError maps a domain sentinel to its external representation.
// Messages are fixed so internal causes never reach the client.
type serviceError struct {
	target  error
	status  int
	code    string
	message string
}

var serviceErrors = []serviceError{
	{models.ErrInvalidCredential, http.StatusUnauthorized, "invalid_credentials", "invalid credentials"},
	{models.ErrTokenInvalid, http.StatusUnauthorized, "token_invalid", "token is invalid or expired"},
	{models.ErrUnauthorized, http.StatusUnauthorized, "unauthorized", "authentication required"},
	{models.ErrMFARequired, http.StatusUnauthorized, "mfa_required", "multi-factor authentication required"},
	{models.ErrAccountLocked, http.StatusLocked, "account_locked", "account is temporarily locked"},
	{models.ErrAlreadyLocked, http.StatusConflict, "already_locked", "account is already locked"},
	{models.ErrNotLocked, http.StatusConflict, "not_locked", "account is not locked"},
	{models.ErrMFAAlreadyEnabled, http.StatusConflict, "mfa_already_enabled", "multi-factor authentication is already enabled"},
	{models.ErrMFANotEnabled, http.StatusBadRequest, "mfa_not_enabled", "multi-factor authentication is not enabled"},
	{models.ErrSetupExpired, http.StatusGone, "setup_expired", "setup session has expired"},
	{models.ErrOtpExpired, http.StatusGone, "otp_expired", "code has expired"},
	{models.ErrOtpBlocked, http.StatusForbidden, "otp_blocked", "code is blocked"},
	{models.ErrPolicyViolation, http.StatusForbidden, "policy_violation", "operation not permitted by security policy"},
	{models.ErrForbidden, http.StatusForbidden, "forbidden", "forbidden"},
	{models.ErrNotFound, http.StatusNotFound, "not_found", "resource not found"},
	{models.ErrConflict, http.StatusConflict, "conflict", "resource conflict"},
	{models.ErrBadRequest, http.StatusBadRequest, "bad_request", "invalid request"},
	{models.ErrRateLimitExceeded, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests"},
}

// StatusForError returns the HTTP status and error code for err.
// Anything unrecognised is an internal error.
func StatusForError(err error) (int, string, string) {
	for _, se := range serviceErrors {
		if errors.Is(err, se.target) {
			return se.status, se.code, se.message
		}
	}
	return http.StatusInternalServerError, "internal_error", "an unexpected error occurred"
}

// WriteServiceError writes the response for an error returned by a service
func WriteServiceError(w http.ResponseWriter, err error) {
	status, code, message := StatusForError(err)
	WriteError(w, status, code, message)
}

// WriteJSON writes v with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	WriteErrorWithDetails(w, statusCode, errorCode, message, "")
}

// WriteErrorWithDetails writes a JSON error response with additional details
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, errorCode, message, details string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
		Details: details,
	})
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}

func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, "service_unavailable", message)
}
