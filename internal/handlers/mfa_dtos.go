package handlers

import "github.com/BradenHooton/gatekeeper/internal/models"

// MFA Setup DTOs

// ConfirmMFASetupRequest proves possession of the authenticator being enrolled
type ConfirmMFASetupRequest struct {
	SetupSessionID string `json:"setup_session_id" validate:"required,uuid"`
	Code           string `json:"code" validate:"required,len=6,numeric"`
}

// ConfirmMFASetupResponse carries the one-time view of the backup codes
type ConfirmMFASetupResponse struct {
	MFAEnabled  bool     `json:"mfa_enabled"`
	BackupCodes []string `json:"backup_codes"`
}

// Proof DTOs

// MFAProofRequest re-presents a factor (or the account secret) to authorize a change
type MFAProofRequest struct {
	Method string `json:"method" validate:"required,oneof=password totp backup_code email_otp"`
	Code   string `json:"code" validate:"required,max=1024"`
}

func (p MFAProofRequest) proof() models.MfaProof {
	return models.MfaProof{Method: models.MFAMethod(p.Method), Code: p.Code}
}

// DisableMFARequest turns MFA off for the caller
type DisableMFARequest struct {
	Proof  MFAProofRequest `json:"proof" validate:"required"`
	Reason string          `json:"reason" validate:"max=255"`
}

// RegenerateBackupCodesRequest replaces the active backup code batch
type RegenerateBackupCodesRequest struct {
	Proof MFAProofRequest `json:"proof" validate:"required"`
}

// BackupCodesResponse is the one-time view of a fresh batch
type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// Email OTP DTOs

// SendEmailOtpRequest requests a code for one purpose
type SendEmailOtpRequest struct {
	Purpose string `json:"purpose" validate:"omitempty,oneof=mfa password_reset email_verification"`
}
