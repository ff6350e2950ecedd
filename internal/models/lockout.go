package models

import "time"

// LockoutType identifies what imposed a lockout episode
type LockoutType string

const (
	LockoutAutomatic          LockoutType = "automatic"
	LockoutManual             LockoutType = "manual"
	LockoutSuspiciousActivity LockoutType = "suspicious_activity"
	LockoutPolicyViolation    LockoutType = "policy_violation"
	LockoutCompromisedAccount LockoutType = "compromised_account"
	LockoutMaintenance        LockoutType = "maintenance"
	LockoutProgressive        LockoutType = "progressive"
)

// Escalates reports whether episodes of this type count toward progressive escalation.
func (t LockoutType) Escalates() bool {
	switch t {
	case LockoutAutomatic, LockoutSuspiciousActivity, LockoutProgressive:
		return true
	}
	return false
}

// LockoutReason describes the cause of a lockout episode
type LockoutReason string

const (
	ReasonFailedLoginAttempts    LockoutReason = "failed_login_attempts"
	ReasonSuspiciousLoginPattern LockoutReason = "suspicious_login_pattern"
	ReasonFailedMFAAttempts      LockoutReason = "failed_mfa_attempts"
	ReasonBruteForceAttack       LockoutReason = "brute_force_attack"
	ReasonManualLockout          LockoutReason = "manual_lockout"
	ReasonPolicyViolation        LockoutReason = "policy_violation"
	ReasonSecurityMeasure        LockoutReason = "security_measure"
)

// ReleaseReason describes how a lockout episode ended
type ReleaseReason string

const (
	ReleaseAutomaticTimeout  ReleaseReason = "automatic_timeout"
	ReleaseManual            ReleaseReason = "manual_release"
	ReleaseEmailVerification ReleaseReason = "email_verification"
	ReleaseMFAVerification   ReleaseReason = "mfa_verification"
	ReleasePasswordReset     ReleaseReason = "password_reset"
	ReleaseSystemPolicy      ReleaseReason = "system_policy"
	ReleaseSecurityReview    ReleaseReason = "security_review"
)

// LockoutRecord is one lockout episode. At most one record per identity has a nil ReleasedAt.
type LockoutRecord struct {
	ID                 string         `json:"id"`
	IdentityID         string         `json:"identity_id"`
	Type               LockoutType    `json:"type"`
	Reason             LockoutReason  `json:"reason"`
	Description        string         `json:"description,omitempty"`
	StartedAt          time.Time      `json:"started_at"`
	EndsAt             *time.Time     `json:"ends_at,omitempty"` // nil = indefinite
	DurationMinutes    *int           `json:"duration_minutes,omitempty"`
	FailedAttemptCount int            `json:"failed_attempt_count"`
	EscalationLevel    int            `json:"escalation_level"`
	IsManual           bool           `json:"is_manual"`
	LockedBy           *string        `json:"locked_by,omitempty"`
	TriggerAttemptID   *string        `json:"trigger_attempt_id,omitempty"`
	ReleasedAt         *time.Time     `json:"released_at,omitempty"`
	ReleaseReason      *ReleaseReason `json:"release_reason,omitempty"`
	ReleasedBy         *string        `json:"released_by,omitempty"`
}

// IsIndefinite reports whether the lockout has no end time
func (r *LockoutRecord) IsIndefinite() bool {
	return r.EndsAt == nil
}

// InEffect reports whether the record still bars authentication at now.
func (r *LockoutRecord) InEffect(now time.Time) bool {
	if r.ReleasedAt != nil {
		return false
	}
	return r.EndsAt == nil || r.EndsAt.After(now)
}

// LockoutDecision is the outcome of feeding one failure into the lockout engine
type LockoutDecision struct {
	Locked       bool
	Record       *LockoutRecord
	FailureCount int
	Remaining    int
}

// LockRequest describes an explicit lock. A nil Duration locks indefinitely.
type LockRequest struct {
	IdentityID  string
	ActorID     string
	Type        LockoutType
	Reason      LockoutReason
	Description string
	Duration    *time.Duration
}
