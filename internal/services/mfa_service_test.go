package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

const testSecret = "Correct-Horse-1"

// wrongCode returns a code of the same length that differs in the first digit
func wrongCode(code string) string {
	b := []byte(code)
	b[0] = '0' + (b[0]-'0'+1)%10
	return string(b)
}

func (h *harness) currentTOTP(t *testing.T, secret string) string {
	t.Helper()
	code, err := h.totp.CodeAt(secret, h.clock.Now())
	require.NoError(t, err)
	return code
}

// ============================================================================
// Setup Tests (6 tests)
// ============================================================================

func TestMFAService_BeginSetup_ReturnsEnrollment(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))

	setup, err := h.mfa.BeginSetup(context.Background(), "user1", "user1@x.com")
	require.NoError(t, err)
	assert.NotEmpty(t, setup.SetupSessionID)
	assert.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.ProvisioningURI, "otpauth://totp/")
	assert.Contains(t, setup.QRCode, "data:image/png;base64,")
	assert.Equal(t, h.clock.Now().Add(15*time.Minute), setup.ExpiresAt)

	status, err := h.mfa.Status(context.Background(), "user1")
	require.NoError(t, err)
	assert.False(t, status.Enabled)
	assert.True(t, status.SetupPending)
}

func TestMFAService_ConfirmSetup_ReturnsUniqueBackupCodes(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))

	_, codes := h.enableTOTP(t, "user1")
	require.Len(t, codes, 10)

	seen := make(map[string]struct{})
	for _, c := range codes {
		seen[c] = struct{}{}
	}
	assert.Len(t, seen, 10)

	status, err := h.mfa.Status(context.Background(), "user1")
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Equal(t, 10, status.RemainingBackupCodes)
	assert.ElementsMatch(t, []models.MFAMethod{models.MFAMethodTOTP, models.MFAMethodBackupCode, models.MFAMethodEmailOtp}, status.Methods)
}

func TestMFAService_ConfirmSetup_SupersededSession(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	ctx := context.Background()

	first, err := h.mfa.BeginSetup(ctx, "user1", "user1@x.com")
	require.NoError(t, err)
	second, err := h.mfa.BeginSetup(ctx, "user1", "user1@x.com")
	require.NoError(t, err)

	_, err = h.mfa.ConfirmSetup(ctx, "user1", first.SetupSessionID, h.currentTOTP(t, first.Secret), models.DeviceMeta{})
	assert.ErrorIs(t, err, models.ErrNotFound)

	codes, err := h.mfa.ConfirmSetup(ctx, "user1", second.SetupSessionID, h.currentTOTP(t, second.Secret), models.DeviceMeta{})
	require.NoError(t, err)
	assert.Len(t, codes, 10)
}

func TestMFAService_ConfirmSetup_Expired(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	ctx := context.Background()

	setup, err := h.mfa.BeginSetup(ctx, "user1", "user1@x.com")
	require.NoError(t, err)

	h.clock.Advance(16 * time.Minute)
	_, err = h.mfa.ConfirmSetup(ctx, "user1", setup.SetupSessionID, h.currentTOTP(t, setup.Secret), models.DeviceMeta{})
	assert.ErrorIs(t, err, models.ErrSetupExpired)
}

func TestMFAService_ConfirmSetup_WrongCode(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	ctx := context.Background()

	setup, err := h.mfa.BeginSetup(ctx, "user1", "user1@x.com")
	require.NoError(t, err)

	_, err = h.mfa.ConfirmSetup(ctx, "user1", setup.SetupSessionID, wrongCode(h.currentTOTP(t, setup.Secret)), models.DeviceMeta{})
	assert.ErrorIs(t, err, models.ErrInvalidCredential)

	required, _, err := h.mfa.IsRequired(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, required)
}

func TestMFAService_BeginSetup_AlreadyEnabled(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	h.enableTOTP(t, "user1")

	_, err := h.mfa.BeginSetup(context.Background(), "user1", "user1@x.com")
	assert.ErrorIs(t, err, models.ErrMFAAlreadyEnabled)
}

// ============================================================================
// Verify TOTP Tests (4 tests)
// ============================================================================

func TestMFAService_Verify_TOTPSuccess(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	secret, _ := h.enableTOTP(t, "user1")

	h.clock.Advance(30 * time.Second)
	err := h.mfa.Verify(context.Background(), "user1", h.currentTOTP(t, secret), models.MFAMethodTOTP, testDevice())
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MFAVerifications.WithLabelValues("totp", "success")))
}

func TestMFAService_Verify_TOTPReplayRejected(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	secret, _ := h.enableTOTP(t, "user1")
	ctx := context.Background()

	setupCode := h.currentTOTP(t, secret)
	h.clock.Advance(30 * time.Second)

	err := h.mfa.Verify(ctx, "user1", setupCode, models.MFAMethodTOTP, testDevice())
	assert.ErrorIs(t, err, models.ErrInvalidCredential, "code accepted during setup must not verify again")

	code := h.currentTOTP(t, secret)
	require.NoError(t, h.mfa.Verify(ctx, "user1", code, models.MFAMethodTOTP, testDevice()))

	err = h.mfa.Verify(ctx, "user1", code, models.MFAMethodTOTP, testDevice())
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
}

func TestMFAService_Verify_NotEnabled(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))

	err := h.mfa.Verify(context.Background(), "user1", "123456", models.MFAMethodTOTP, testDevice())
	assert.ErrorIs(t, err, models.ErrMFANotEnabled)

	entries := h.mfaState.auditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.MfaActionVerify, entries[0].Action)
	assert.False(t, entries[0].Success)
}

func TestMFAService_Verify_RejectedMethodsAreAudited(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	h.enableTOTP(t, "user1")
	ctx := context.Background()

	h.mfaState.mu.Lock()
	h.mfaState.profiles["user1"].EmailOtpEnabled = false
	h.mfaState.mu.Unlock()
	before := len(h.mfaState.auditEntries())

	err := h.mfa.Verify(ctx, "user1", "123456", models.MFAMethodEmailOtp, testDevice())
	assert.ErrorIs(t, err, models.ErrMFANotEnabled)
	err = h.mfa.Verify(ctx, "user1", "123456", models.MFAMethod("sms"), testDevice())
	assert.ErrorIs(t, err, models.ErrBadRequest)

	entries := h.mfaState.auditEntries()[before:]
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, models.MfaActionVerify, e.Action)
		assert.False(t, e.Success)
		require.NotNil(t, e.FailureReason)
		require.NotNil(t, e.Method)
	}
	assert.Equal(t, models.MFAMethodEmailOtp, *entries[0].Method)
	assert.Equal(t, models.MFAMethod("sms"), *entries[1].Method)
}

// ============================================================================
// Verify Backup Code Tests (4 tests)
// ============================================================================

func TestMFAService_Verify_BackupCodeSingleUse(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	_, codes := h.enableTOTP(t, "user1")
	ctx := context.Background()

	require.NoError(t, h.mfa.Verify(ctx, "user1", codes[0], models.MFAMethodBackupCode, testDevice()))

	err := h.mfa.Verify(ctx, "user1", codes[0], models.MFAMethodBackupCode, testDevice())
	assert.ErrorIs(t, err, models.ErrInvalidCredential)

	remaining, err := h.mfa.RemainingBackupCodes(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 9, remaining)

	var used int
	for _, e := range h.mfaState.auditEntries() {
		if e.Action == models.MfaActionBackupCodeUsed {
			used++
			assert.True(t, e.Success)
		}
	}
	assert.Equal(t, 1, used)
}

func TestMFAService_Verify_BackupCodeConcurrentUseSucceedsOnce(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	_, codes := h.enableTOTP(t, "user1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.mfa.Verify(context.Background(), "user1", codes[3], models.MFAMethodBackupCode, testDevice()); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestMFAService_Verify_BackupCodeCancelledContextLeavesCodeUnused(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	_, codes := h.enableTOTP(t, "user1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.mfa.Verify(ctx, "user1", codes[0], models.MFAMethodBackupCode, testDevice())
	assert.ErrorIs(t, err, models.ErrInternalServer)

	remaining, err := h.mfa.RemainingBackupCodes(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, 10, remaining)

	require.NoError(t, h.mfa.Verify(context.Background(), "user1", codes[0], models.MFAMethodBackupCode, testDevice()))
}

func TestMFAService_Verify_BackupCodeNormalizesInput(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	_, codes := h.enableTOTP(t, "user1")

	code := codes[1]
	input := " " + code[:4] + "-" + code[4:] + " "
	require.NoError(t, h.mfa.Verify(context.Background(), "user1", input, models.MFAMethodBackupCode, testDevice()))
}

// ============================================================================
// Email OTP Tests (6 tests)
// ============================================================================

func TestMFAService_EmailOtp_Success(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	h.enableTOTP(t, "user1")
	ctx := context.Background()

	expiresAt, err := h.mfa.SendEmailOtp(ctx, "user1", "", testDevice())
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute), expiresAt)
	require.Len(t, h.notifier.otps, 1)
	assert.Equal(t, "user1@x.com", h.notifier.otps[0].Email)
	assert.Equal(t, models.OtpPurposeMFA, h.notifier.otps[0].Purpose)

	code := h.notifier.lastCode()
	require.NoError(t, h.mfa.Verify(ctx, "user1", code, models.MFAMethodEmailOtp, testDevice()))

	err = h.mfa.Verify(ctx, "user1", code, models.MFAMethodEmailOtp, testDevice())
	assert.ErrorIs(t, err, models.ErrNotFound, "a used code cannot be redeemed twice")
}

func TestMFAService_EmailOtp_BlockedAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	h.enableTOTP(t, "user1")
	ctx := context.Background()

	_, err := h.mfa.SendEmailOtp(ctx, "user1", models.OtpPurposeMFA, testDevice())
	require.NoError(t, err)
	code := h.notifier.lastCode()
	bad := wrongCode(code)

	assert.ErrorIs(t, h.mfa.Verify(ctx, "user1", bad, models.MFAMethodEmailOtp, testDevice()), models.ErrInvalidCredential)
	assert.ErrorIs(t, h.mfa.Verify(ctx, "user1", bad, models.MFAMethodEmailOtp, testDevice()), models.ErrInvalidCredential)
	assert.ErrorIs(t, h.mfa.Verify(ctx, "user1", bad, models.MFAMethodEmailOtp, testDevice()), models.ErrOtpBlocked)

	err = h.mfa.Verify(ctx, "user1", code, models.MFAMethodEmailOtp, testDevice())
	assert.ErrorIs(t, err, models.ErrOtpBlocked, "a blocked code stays blocked even when correct")
}

func TestMFAService_EmailOtp_CorrectCodeOnFinalAttemptIsBlocked(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	h.enableTOTP(t, "user1")
	ctx := context.Background()

	_, err := h.mfa.SendEmailOtp(ctx, "user1", models.OtpPurposeMFA, testDevice())
	require.NoError(t, err)
	code := h.notifier.lastCode()
	bad := wrongCode(code)

	assert.ErrorIs(t, h.mfa.Verify(ctx, "user1", bad, models.MFAMethodEmailOtp, testDevice()), models.ErrInvalidCredential)
	assert.ErrorIs(t, h.mfa.Verify(ctx, "user1", bad, models.MFAMethodEmailOtp, testDevice()), models.ErrInvalidCredential)
	assert.ErrorIs(t, h.mfa.Verify(ctx, "user1", code, models.MFAMethodEmailOtp, testDevice()), models.ErrOtpBlocked,
		"the attempt that reaches the limit is rejected regardless of the code")
	assert.ErrorIs(t, h.mfa.Verify(ctx, "user1", code, models.MFAMethodEmailOtp, testDevice()), models.ErrOtpBlocked)
}

func TestMFAService_EmailOtp_Expired(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	h.enableTOTP(t, "user1")
	ctx := context.Background()

	_, err := h.mfa.SendEmailOtp(ctx, "user1", models.OtpPurposeMFA, testDevice())
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	err = h.mfa.Verify(ctx, "user1", h.notifier.lastCode(), models.MFAMethodEmailOtp, testDevice())
	assert.ErrorIs(t, err, models.ErrOtpExpired)
}

func TestMFAService_EmailOtp_NewCodeSupersedesOld(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	h.enableTOTP(t, "user1")
	ctx := context.Background()

	_, err := h.mfa.SendEmailOtp(ctx, "user1", models.OtpPurposeMFA, testDevice())
	require.NoError(t, err)
	first := h.notifier.lastCode()

	h.clock.Advance(time.Second)
	_, err = h.mfa.SendEmailOtp(ctx, "user1", models.OtpPurposeMFA, testDevice())
	require.NoError(t, err)
	second := h.notifier.lastCode()

	if first != second {
		assert.ErrorIs(t, h.mfa.Verify(ctx, "user1", first, models.MFAMethodEmailOtp, testDevice()), models.ErrInvalidCredential)
	}
	require.NoError(t, h.mfa.Verify(ctx, "user1", second, models.MFAMethodEmailOtp, testDevice()))
}

func TestMFAService_EmailOtp_DeliveryFailure(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	h.enableTOTP(t, "user1")
	h.notifier.err = errors.New("ses throttled")

	_, err := h.mfa.SendEmailOtp(context.Background(), "user1", models.OtpPurposeMFA, testDevice())
	assert.ErrorIs(t, err, models.ErrInternalServer)
}

// ============================================================================
// Audit and Alert Tests (2 tests)
// ============================================================================

func TestMFAService_Verify_AlertFiresOnceAtThreshold(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	secret, _ := h.enableTOTP(t, "user1")
	ctx := context.Background()

	h.clock.Advance(30 * time.Second)
	bad := wrongCode(h.currentTOTP(t, secret))
	for i := 0; i < 7; i++ {
		err := h.mfa.Verify(ctx, "user1", bad, models.MFAMethodTOTP, testDevice())
		require.ErrorIs(t, err, models.ErrInvalidCredential)
		if i == 3 {
			assert.Empty(t, h.notifier.alerts)
		}
	}

	assert.Equal(t, []string{"user1@x.com"}, h.notifier.alerts)

	var alerted int
	for _, e := range h.mfaState.auditEntries() {
		if e.TriggeredAlert {
			alerted++
		}
	}
	assert.Equal(t, 3, alerted)
}

func TestMFAService_Verify_RiskScoreTracksRecentFailures(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	secret, _ := h.enableTOTP(t, "user1")
	ctx := context.Background()

	h.clock.Advance(30 * time.Second)
	bad := wrongCode(h.currentTOTP(t, secret))
	for i := 0; i < 2; i++ {
		_ = h.mfa.Verify(ctx, "user1", bad, models.MFAMethodTOTP, testDevice())
	}

	entries, err := h.mfa.AuditLog(ctx, "user1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.MfaActionVerify, entries[0].Action)
	assert.False(t, entries[0].Success)
	assert.InDelta(t, 0.4, entries[0].RiskScore, 1e-9)
}

// ============================================================================
// Disable / Regenerate Tests (5 tests)
// ============================================================================

func TestMFAService_Disable_RequiresProof(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	h.enableTOTP(t, "user1")
	ctx := context.Background()

	err := h.mfa.Disable(ctx, "user1", models.MfaProof{Method: models.MFAMethodPassword, Code: "wrong"}, "", testDevice())
	assert.ErrorIs(t, err, models.ErrInvalidCredential)

	err = h.mfa.Disable(ctx, "user1", models.MfaProof{Method: models.MFAMethodPassword}, "", testDevice())
	assert.ErrorIs(t, err, models.ErrInvalidCredential)

	require.NoError(t, h.mfa.Disable(ctx, "user1", models.MfaProof{Method: models.MFAMethodPassword, Code: testSecret}, "", testDevice()))

	required, methods, err := h.mfa.IsRequired(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, required)
	assert.Empty(t, methods)
}

func TestMFAService_Disable_WithBackupCodeProof(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	_, codes := h.enableTOTP(t, "user1")

	err := h.mfa.Disable(context.Background(), "user1", models.MfaProof{Method: models.MFAMethodBackupCode, Code: codes[0]}, "lost phone", testDevice())
	require.NoError(t, err)

	remaining, err := h.mfa.RemainingBackupCodes(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestMFAService_Disable_EnforcedProfile(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	h.enableTOTP(t, "user1")
	h.mfaState.mu.Lock()
	h.mfaState.profiles["user1"].IsEnforced = true
	h.mfaState.mu.Unlock()

	err := h.mfa.Disable(context.Background(), "user1", models.MfaProof{Method: models.MFAMethodPassword, Code: testSecret}, "", testDevice())
	assert.ErrorIs(t, err, models.ErrPolicyViolation)
}

func TestMFAService_Disable_NotEnabled(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))

	err := h.mfa.Disable(context.Background(), "user1", models.MfaProof{Method: models.MFAMethodPassword, Code: testSecret}, "", testDevice())
	assert.ErrorIs(t, err, models.ErrMFANotEnabled)
}

func TestMFAService_RegenerateBackupCodes_InvalidatesOldBatch(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	_, oldCodes := h.enableTOTP(t, "user1")
	ctx := context.Background()

	require.NoError(t, h.mfa.Verify(ctx, "user1", oldCodes[0], models.MFAMethodBackupCode, testDevice()))

	newCodes, err := h.mfa.RegenerateBackupCodes(ctx, "user1", models.MfaProof{Method: models.MFAMethodPassword, Code: testSecret}, testDevice())
	require.NoError(t, err)
	require.Len(t, newCodes, 10)

	remaining, err := h.mfa.RemainingBackupCodes(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 10, remaining)

	err = h.mfa.Verify(ctx, "user1", oldCodes[1], models.MFAMethodBackupCode, testDevice())
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
	require.NoError(t, h.mfa.Verify(ctx, "user1", newCodes[0], models.MFAMethodBackupCode, testDevice()))
}
