package models

import "time"

// FailureReason classifies why an authentication attempt failed
type FailureReason string

const (
	FailureInvalidCredential FailureReason = "invalid_credential"
	FailureUnknownHandle     FailureReason = "unknown_handle"
	FailureAccountLocked     FailureReason = "account_locked"
	FailureAccountInactive   FailureReason = "account_inactive"
	FailureMFAFailed         FailureReason = "mfa_failed"
)

// CountsTowardLockout reports whether failures with this reason feed the lockout counter.
func (r FailureReason) CountsTowardLockout() bool {
	return r == FailureInvalidCredential || r == FailureMFAFailed
}

// LoginAttempt is an immutable record of one authentication try.
// TriggeredLockout is not stored on the row; reads derive it from
// lockout_records.trigger_attempt_id.
type LoginAttempt struct {
	ID                string         `json:"id"`
	IdentityID        *string        `json:"identity_id,omitempty"`
	Handle            string         `json:"handle"`
	Success           bool           `json:"success"`
	FailureReason     *FailureReason `json:"failure_reason,omitempty"`
	IPAddress         string         `json:"ip_address"`
	UserAgent         string         `json:"user_agent"`
	DeviceFingerprint string         `json:"device_fingerprint"`
	RiskScore         float64        `json:"risk_score"`
	IsSuspicious      bool           `json:"is_suspicious"`
	TriggeredLockout  bool           `json:"triggered_lockout"`
	AttemptedAt       time.Time      `json:"attempted_at"`
}

// LoginStatistics aggregates attempts for one identity over a period
type LoginStatistics struct {
	IdentityID        string          `json:"identity_id"`
	Since             time.Time       `json:"since"`
	TotalAttempts     int             `json:"total_attempts"`
	Successful        int             `json:"successful"`
	Failed            int             `json:"failed"`
	Suspicious        int             `json:"suspicious"`
	LastSuccessAt     *time.Time      `json:"last_success_at,omitempty"`
	LastFailureAt     *time.Time      `json:"last_failure_at,omitempty"`
	DistinctIPCount   int             `json:"distinct_ip_count"`
	LockoutsTriggered int             `json:"lockouts_triggered"`
	RecentAttempts    []*LoginAttempt `json:"recent_attempts,omitempty"`
}
