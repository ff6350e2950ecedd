package models

import (
	"strings"
	"time"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is an authenticatable principal. Lock state mirrors the active
// LockoutRecord and is written in the same transaction as the record.
type Identity struct {
	ID          string
	Handle      string
	Email       string
	SecretHash  string
	Role        string
	IsActive    bool
	IsDeleted   bool
	IsLocked    bool
	LockedUntil *time.Time // nil with IsLocked set means indefinite
	LastLoginAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CanAuthenticate reports whether the account state allows a login at all.
func (i *Identity) CanAuthenticate() bool {
	return i.IsActive && !i.IsDeleted
}

// NormalizeHandle returns the canonical form of a login handle.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}
