package models

import (
	"time"
)

// MFAMethod identifies a second factor
type MFAMethod string

const (
	MFAMethodTOTP       MFAMethod = "totp"
	MFAMethodBackupCode MFAMethod = "backup_code"
	MFAMethodEmailOtp   MFAMethod = "email_otp"
	// MFAMethodPassword is accepted only as re-proof for disable and regenerate.
	MFAMethodPassword MFAMethod = "password"
)

// MfaProfile holds the second-factor state for one identity
type MfaProfile struct {
	IdentityID           string
	IsEnabled            bool
	TOTPEnabled          bool
	EmailOtpEnabled      bool
	BackupCodesEnabled   bool
	TOTPSecretEncrypted  []byte // AES-256-GCM encrypted TOTP secret
	TOTPSecretNonce      []byte // GCM nonce (12 bytes)
	LastTOTPStep         int64  // highest accepted time step, for replay prevention
	RemainingBackupCodes int
	LastUsedAt           *time.Time
	IsEnforced           bool
	GracePeriodEndsAt    *time.Time
	EnabledAt            *time.Time
	DisabledAt           *time.Time
	DisabledReason       *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EnabledMethods lists the factors usable for verification
func (p *MfaProfile) EnabledMethods() []MFAMethod {
	if p == nil || !p.IsEnabled {
		return nil
	}

	methods := make([]MFAMethod, 0, 3)
	if p.TOTPEnabled {
		methods = append(methods, MFAMethodTOTP)
	}
	if p.BackupCodesEnabled && p.RemainingBackupCodes > 0 {
		methods = append(methods, MFAMethodBackupCode)
	}
	if p.EmailOtpEnabled {
		methods = append(methods, MFAMethodEmailOtp)
	}
	return methods
}

// PendingMfaSetup is the single unconfirmed TOTP enrollment for an identity
type PendingMfaSetup struct {
	IdentityID      string
	SetupSessionID  string
	SecretEncrypted []byte
	SecretNonce     []byte
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

func (p *PendingMfaSetup) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// MfaSetup is returned from beginning a TOTP enrollment
type MfaSetup struct {
	SetupSessionID  string    `json:"setup_session_id"`
	Secret          string    `json:"secret"`
	ProvisioningURI string    `json:"provisioning_uri"`
	QRCode          string    `json:"qr_code"` // data URL
	ExpiresAt       time.Time `json:"expires_at"`
}

// BackupCode is one single-use recovery code. Only its hash is stored.
type BackupCode struct {
	ID            string
	IdentityID    string
	CodeHash      string
	IsUsed        bool
	UsedAt        *time.Time
	UsedFromIP    *string
	ExpiresAt     *time.Time
	BatchID       string
	InvalidatedAt *time.Time
	CreatedAt     time.Time
}

// IsUsable reports whether the code can still be redeemed at now
func (c *BackupCode) IsUsable(now time.Time) bool {
	if c.IsUsed || c.InvalidatedAt != nil {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// OtpPurpose scopes an email OTP to one flow
type OtpPurpose string

const (
	OtpPurposeMFA               OtpPurpose = "mfa"
	OtpPurposePasswordReset     OtpPurpose = "password_reset"
	OtpPurposeEmailVerification OtpPurpose = "email_verification"
)

// EmailOtp is a short-lived one-time code delivered by email
type EmailOtp struct {
	ID           string
	IdentityID   string
	Email        string
	CodeHash     string
	Purpose      OtpPurpose
	IsUsed       bool
	UsedAt       *time.Time
	ExpiresAt    time.Time
	AttemptCount int
	MaxAttempts  int
	IsBlocked    bool
	IPAddress    string
	CreatedAt    time.Time
}

func (o *EmailOtp) IsExpired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// IsTerminal reports whether the OTP can no longer be redeemed
func (o *EmailOtp) IsTerminal(now time.Time) bool {
	return o.IsUsed || o.IsBlocked || o.IsExpired(now)
}

// MfaAuditAction names an MFA event
type MfaAuditAction string

const (
	MfaActionSetupStarted     MfaAuditAction = "setup_started"
	MfaActionSetupConfirmed   MfaAuditAction = "setup_confirmed"
	MfaActionVerify           MfaAuditAction = "verify"
	MfaActionBackupCodeUsed   MfaAuditAction = "backup_code_used"
	MfaActionCodesRegenerated MfaAuditAction = "backup_codes_regenerated"
	MfaActionEmailOtpSent     MfaAuditAction = "email_otp_sent"
	MfaActionDisabled         MfaAuditAction = "disabled"
)

// MfaAuditEntry is an append-only record of one MFA action
type MfaAuditEntry struct {
	ID             string         `json:"id"`
	IdentityID     string         `json:"identity_id"`
	Action         MfaAuditAction `json:"action"`
	Method         *MFAMethod     `json:"method,omitempty"`
	Success        bool           `json:"success"`
	FailureReason  *string        `json:"failure_reason,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	RiskScore      float64        `json:"risk_score"`
	TriggeredAlert bool           `json:"triggered_alert"`
	CreatedAt      time.Time      `json:"created_at"`
}

// MfaProof is a re-presented factor used to authorize sensitive MFA changes
type MfaProof struct {
	Method MFAMethod
	Code   string
}

// MfaStatus summarizes an identity's MFA configuration
type MfaStatus struct {
	Enabled              bool        `json:"enabled"`
	Methods              []MFAMethod `json:"methods"`
	RemainingBackupCodes int         `json:"remaining_backup_codes"`
	LastUsedAt           *time.Time  `json:"last_used_at,omitempty"`
	EnabledAt            *time.Time  `json:"enabled_at,omitempty"`
	IsEnforced           bool        `json:"is_enforced"`
	GracePeriodEndsAt    *time.Time  `json:"grace_period_ends_at,omitempty"`
	SetupPending         bool        `json:"setup_pending"`
}
