package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes the JWTs issued by the service
type TokenType string

const (
	TokenTypeSession TokenType = "session"
	TokenTypeRefresh TokenType = "refresh"
	TokenTypeMFA     TokenType = "mfa"
)

// TokenClaims is the JWT payload. Generation must match the identity's current
// generation counter for the token to be accepted.
type TokenClaims struct {
	Type       TokenType   `json:"typ"`
	IdentityID string      `json:"uid"`
	SessionID  string      `json:"sid,omitempty"`
	Generation int64       `json:"gen"`
	Device     *DeviceMeta `json:"dev,omitempty"` // mfa challenge only
	jwt.RegisteredClaims
}

// IssuedToken is a signed token together with its identifier and expiry
type IssuedToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// LoginStatus is the non-failure outcome of a login
type LoginStatus string

const (
	LoginStatusAuthenticated LoginStatus = "authenticated"
	LoginStatusMFARequired   LoginStatus = "mfa_required"
)

// LoginResult is returned for successful credential checks. Failures are sentinel errors.
type LoginResult struct {
	Status             LoginStatus `json:"status"`
	IdentityID         string      `json:"-"`
	Tokens             *TokenPair  `json:"tokens,omitempty"`
	ChallengeID        string      `json:"challenge_id,omitempty"`
	ChallengeExpiresAt *time.Time  `json:"challenge_expires_at,omitempty"`
	MFAMethods         []MFAMethod `json:"mfa_methods,omitempty"`
}
