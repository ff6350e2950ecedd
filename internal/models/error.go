package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound          = errors.New("resource not found")
	ErrConflict          = errors.New("resource already exists")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrBadRequest        = errors.New("bad request")
	ErrInternalServer    = errors.New("internal server error")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Credential and account state errors
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrAccountLocked     = errors.New("account is temporarily locked")
	ErrAlreadyLocked     = errors.New("account is already locked")
	ErrNotLocked         = errors.New("account is not locked")
	ErrPolicyViolation   = errors.New("operation violates security policy")

	// Token errors
	ErrTokenInvalid = errors.New("token is invalid, expired or revoked")

	// MFA errors
	ErrMFARequired       = errors.New("multi-factor authentication required")
	ErrMFANotEnabled     = errors.New("multi-factor authentication is not enabled")
	ErrMFAAlreadyEnabled = errors.New("multi-factor authentication is already enabled")
	ErrSetupExpired      = errors.New("mfa setup session has expired")
	ErrOtpExpired        = errors.New("one-time code has expired")
	ErrOtpBlocked        = errors.New("one-time code is blocked after too many attempts")
)
