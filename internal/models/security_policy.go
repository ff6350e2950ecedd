package models

import (
	"math"
	"time"
)

// SecurityPolicy is the fully resolved set of security settings for one identity
type SecurityPolicy struct {
	MaxFailedLoginAttempts            int     `json:"max_failed_login_attempts"`
	InitialLockoutDurationMinutes     int     `json:"initial_lockout_duration_minutes"`
	MaxLockoutDurationMinutes         int     `json:"max_lockout_duration_minutes"`
	LockoutMultiplier                 float64 `json:"lockout_multiplier"`
	FailedAttemptWindowMinutes        int     `json:"failed_attempt_window_minutes"`
	EnableProgressiveLockout          bool    `json:"enable_progressive_lockout"`
	EnableSuspiciousActivityDetection bool    `json:"enable_suspicious_activity_detection"`
	SuspiciousActivityThreshold       float64 `json:"suspicious_activity_threshold"`
	MaxConcurrentSessions             int     `json:"max_concurrent_sessions"`
	SessionTimeoutMinutes             int     `json:"session_timeout_minutes"`
	SendSecurityAlerts                bool    `json:"send_security_alerts"`
	SecurityLogRetentionDays          int     `json:"security_log_retention_days"`
	AutoUnlockAfterLockoutPeriod      bool    `json:"auto_unlock_after_lockout_period"`
}

// DefaultSecurityPolicy returns the values seeded into the global default row.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		MaxFailedLoginAttempts:            5,
		InitialLockoutDurationMinutes:     15,
		MaxLockoutDurationMinutes:         1440,
		LockoutMultiplier:                 2.0,
		FailedAttemptWindowMinutes:        60,
		EnableProgressiveLockout:          true,
		EnableSuspiciousActivityDetection: true,
		SuspiciousActivityThreshold:       0.7,
		MaxConcurrentSessions:             5,
		SessionTimeoutMinutes:             60,
		SendSecurityAlerts:                true,
		SecurityLogRetentionDays:          90,
		AutoUnlockAfterLockoutPeriod:      true,
	}
}

func (p SecurityPolicy) FailedAttemptWindow() time.Duration {
	return time.Duration(p.FailedAttemptWindowMinutes) * time.Minute
}

func (p SecurityPolicy) SessionTimeout() time.Duration {
	return time.Duration(p.SessionTimeoutMinutes) * time.Minute
}

func (p SecurityPolicy) LogRetention() time.Duration {
	return time.Duration(p.SecurityLogRetentionDays) * 24 * time.Hour
}

// LockoutDuration returns min(initial * multiplier^prior, max). With progressive
// lockout disabled every episode lasts the initial duration.
func (p SecurityPolicy) LockoutDuration(priorLockouts int) time.Duration {
	initial := float64(p.InitialLockoutDurationMinutes)
	ceiling := float64(p.MaxLockoutDurationMinutes)

	minutes := initial
	if p.EnableProgressiveLockout && priorLockouts > 0 && p.LockoutMultiplier > 1 {
		minutes = initial * math.Pow(p.LockoutMultiplier, float64(priorLockouts))
	}
	if ceiling > 0 && minutes > ceiling {
		minutes = ceiling
	}

	return time.Duration(minutes * float64(time.Minute))
}

// PolicyOverride holds per-identity settings. Nil fields inherit the global default.
type PolicyOverride struct {
	IdentityID                        string
	MaxFailedLoginAttempts            *int
	InitialLockoutDurationMinutes     *int
	MaxLockoutDurationMinutes         *int
	LockoutMultiplier                 *float64
	FailedAttemptWindowMinutes        *int
	EnableProgressiveLockout          *bool
	EnableSuspiciousActivityDetection *bool
	SuspiciousActivityThreshold       *float64
	MaxConcurrentSessions             *int
	SessionTimeoutMinutes             *int
	SendSecurityAlerts                *bool
	SecurityLogRetentionDays          *int
	AutoUnlockAfterLockoutPeriod      *bool
	UpdatedAt                         time.Time
}

// Apply merges the override onto base field by field and returns the result.
// base is passed by value and never modified.
func (o *PolicyOverride) Apply(base SecurityPolicy) SecurityPolicy {
	if o == nil {
		return base
	}

	setInt(&base.MaxFailedLoginAttempts, o.MaxFailedLoginAttempts)
	setInt(&base.InitialLockoutDurationMinutes, o.InitialLockoutDurationMinutes)
	setInt(&base.MaxLockoutDurationMinutes, o.MaxLockoutDurationMinutes)
	setFloat(&base.LockoutMultiplier, o.LockoutMultiplier)
	setInt(&base.FailedAttemptWindowMinutes, o.FailedAttemptWindowMinutes)
	setBool(&base.EnableProgressiveLockout, o.EnableProgressiveLockout)
	setBool(&base.EnableSuspiciousActivityDetection, o.EnableSuspiciousActivityDetection)
	setFloat(&base.SuspiciousActivityThreshold, o.SuspiciousActivityThreshold)
	setInt(&base.MaxConcurrentSessions, o.MaxConcurrentSessions)
	setInt(&base.SessionTimeoutMinutes, o.SessionTimeoutMinutes)
	setBool(&base.SendSecurityAlerts, o.SendSecurityAlerts)
	setInt(&base.SecurityLogRetentionDays, o.SecurityLogRetentionDays)
	setBool(&base.AutoUnlockAfterLockoutPeriod, o.AutoUnlockAfterLockoutPeriod)

	return base
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
