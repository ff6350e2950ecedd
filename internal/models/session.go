package models

import "time"

// SessionEndReason records why a session was deactivated
type SessionEndReason string

const (
	SessionEndLogout    SessionEndReason = "logout"
	SessionEndRevoked   SessionEndReason = "revoked"
	SessionEndRevokeAll SessionEndReason = "revoked_all"
	SessionEndEvicted   SessionEndReason = "evicted"
	SessionEndExpired   SessionEndReason = "expired"
)

// DeviceMeta describes the client a request came from
type DeviceMeta struct {
	IPAddress         string `json:"ip,omitempty"`
	UserAgent         string `json:"ua,omitempty"`
	DeviceFingerprint string `json:"fp,omitempty"`
	DeviceName        string `json:"dn,omitempty"`
	DeviceType        string `json:"dt,omitempty"`
}

// Session is one login context. Tokens are referenced by their jti, never stored.
type Session struct {
	ID                    string            `json:"id"`
	IdentityID            string            `json:"identity_id"`
	SessionTokenID        string            `json:"-"`
	SessionTokenExpiresAt time.Time         `json:"-"`
	RefreshTokenID        string            `json:"-"`
	RefreshTokenExpiresAt time.Time         `json:"-"`
	IPAddress             string            `json:"ip_address"`
	UserAgent             string            `json:"user_agent"`
	DeviceFingerprint     string            `json:"device_fingerprint"`
	DeviceName            string            `json:"device_name,omitempty"`
	DeviceType            string            `json:"device_type"`
	IsActive              bool              `json:"is_active"`
	CreatedAt             time.Time         `json:"created_at"`
	ExpiresAt             time.Time         `json:"expires_at"`
	LastAccessedAt        time.Time         `json:"last_accessed_at"`
	EndedAt               *time.Time        `json:"ended_at,omitempty"`
	EndReason             *SessionEndReason `json:"end_reason,omitempty"`
}

// IsUsable reports whether the session is active and unexpired at now
func (s *Session) IsUsable(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// SessionStatistics aggregates session history for one identity
type SessionStatistics struct {
	IdentityID      string         `json:"identity_id"`
	TotalSessions   int            `json:"total_sessions"`
	ActiveSessions  int            `json:"active_sessions"`
	ExpiredSessions int            `json:"expired_sessions"`
	LastLoginAt     *time.Time     `json:"last_login_at,omitempty"`
	LastLoginIP     string         `json:"last_login_ip,omitempty"`
	LastLoginDevice string         `json:"last_login_device,omitempty"`
	RecentIPs       []string       `json:"recent_ips"`
	RecentDevices   []string       `json:"recent_devices"`
	DeviceTypes     map[string]int `json:"device_types"`
}

// TokenPair is the credential set handed to a client after authentication
type TokenPair struct {
	SessionID             string    `json:"session_id"`
	SessionToken          string    `json:"session_token"`
	SessionTokenExpiresAt time.Time `json:"session_token_expires_at"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
}

// IssuedSession is the result of creating a session
type IssuedSession struct {
	Tokens  TokenPair
	Session *Session
	Evicted []*Session
}
