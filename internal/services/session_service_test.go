package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

func (h *harness) issue(t *testing.T, identityID string) *models.IssuedSession {
	t.Helper()
	issued, err := h.sessions.Issue(context.Background(), IssueRequest{IdentityID: identityID, Device: testDevice()})
	require.NoError(t, err)
	return issued
}

// ============================================================================
// Issue Tests (5 tests)
// ============================================================================

func TestSessionService_Issue_TokenValidates(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))

	issued := h.issue(t, "user1")
	assert.NotEmpty(t, issued.Tokens.SessionToken)
	assert.NotEmpty(t, issued.Tokens.RefreshToken)
	assert.Equal(t, issued.Session.ID, issued.Tokens.SessionID)
	assert.Equal(t, h.clock.Now().Add(60*time.Minute), issued.Session.ExpiresAt)
	assert.Equal(t, "Firefox on Linux", issued.Session.DeviceName)

	claims, err := h.sessions.IsValid(context.Background(), issued.Tokens.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "user1", claims.IdentityID)
	assert.Equal(t, issued.Session.ID, claims.SessionID)
}

func TestSessionService_Issue_EvictsLeastRecentlyUsed(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	h.policy.policy.MaxConcurrentSessions = 2
	ctx := context.Background()

	s1 := h.issue(t, "user1")
	h.clock.Advance(time.Second)
	s2 := h.issue(t, "user1")
	h.clock.Advance(time.Second)
	require.NoError(t, h.sessions.Touch(ctx, s1.Session.ID))
	h.clock.Advance(time.Second)

	s3 := h.issue(t, "user1")
	require.Len(t, s3.Evicted, 1)
	assert.Equal(t, s2.Session.ID, s3.Evicted[0].ID)

	_, err := h.sessions.IsValid(ctx, s2.Tokens.SessionToken)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)
	_, err = h.sessions.IsValid(ctx, s1.Tokens.SessionToken)
	assert.NoError(t, err)

	assert.Len(t, h.sessionRepo.active("user1"), 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SessionsEvicted))
}

func TestSessionService_Issue_LockedIdentity(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	_, err := h.lockouts.Lock(context.Background(), models.LockRequest{IdentityID: "user1", ActorID: "admin"})
	require.NoError(t, err)

	_, err = h.sessions.Issue(context.Background(), IssueRequest{IdentityID: "user1", Device: testDevice()})
	assert.ErrorIs(t, err, models.ErrAccountLocked)
	assert.Empty(t, h.sessionRepo.active("user1"))
}

func TestSessionService_Issue_MFARequired(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	h.enableTOTP(t, "user1")
	ctx := context.Background()

	_, err := h.sessions.Issue(ctx, IssueRequest{IdentityID: "user1", Device: testDevice()})
	assert.ErrorIs(t, err, models.ErrMFARequired)

	_, err = h.sessions.Issue(ctx, IssueRequest{IdentityID: "user1", Device: testDevice(), MFACompleted: true})
	assert.NoError(t, err)
}

func TestSessionService_Issue_StorageFailure(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	h.sessionRepo.createErr = errors.New("deadlock detected")

	_, err := h.sessions.Issue(context.Background(), IssueRequest{IdentityID: "user1", Device: testDevice()})
	assert.ErrorIs(t, err, models.ErrInternalServer)
}

// ============================================================================
// IsValid Tests (4 tests)
// ============================================================================

func TestSessionService_IsValid_ExpiredSession(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	h.policy.policy.SessionTimeoutMinutes = 10
	issued := h.issue(t, "user1")

	h.clock.Advance(11 * time.Minute)
	_, err := h.sessions.IsValid(context.Background(), issued.Tokens.SessionToken)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)

	_, err = h.sessions.Refresh(context.Background(), issued.Tokens.RefreshToken)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)
}

func TestSessionService_IsValid_RefreshTokenRejected(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	issued := h.issue(t, "user1")

	_, err := h.sessions.IsValid(context.Background(), issued.Tokens.RefreshToken)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)
}

func TestSessionService_IsValid_RedisUnavailableFailsClosed(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	issued := h.issue(t, "user1")

	h.redis.SetError("ERR connection refused")
	_, err := h.sessions.IsValid(context.Background(), issued.Tokens.SessionToken)
	assert.ErrorIs(t, err, models.ErrInternalServer)
	assert.NotErrorIs(t, err, models.ErrTokenInvalid)
}

func TestSessionService_IsValid_HasNoSideEffects(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	issued := h.issue(t, "user1")
	h.clock.Advance(time.Minute)

	_, err := h.sessions.IsValid(context.Background(), issued.Tokens.SessionToken)
	require.NoError(t, err)

	session, err := h.sessionRepo.GetByID(context.Background(), issued.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, issued.Session.LastAccessedAt, session.LastAccessedAt)
}

// ============================================================================
// Refresh Tests (3 tests)
// ============================================================================

func TestSessionService_Refresh_RotatesBothTokens(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	issued := h.issue(t, "user1")
	ctx := context.Background()

	h.clock.Advance(5 * time.Minute)
	pair, err := h.sessions.Refresh(ctx, issued.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, issued.Session.ID, pair.SessionID)
	assert.NotEqual(t, issued.Tokens.RefreshToken, pair.RefreshToken)

	_, err = h.sessions.IsValid(ctx, issued.Tokens.SessionToken)
	assert.ErrorIs(t, err, models.ErrTokenInvalid, "session token from before the refresh must stop working")
	_, err = h.sessions.IsValid(ctx, pair.SessionToken)
	assert.NoError(t, err)

	session, err := h.sessionRepo.GetByID(ctx, issued.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(60*time.Minute), session.ExpiresAt)
}

func TestSessionService_Refresh_ReplayEndsSession(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	issued := h.issue(t, "user1")
	ctx := context.Background()

	h.clock.Advance(time.Minute)
	pair, err := h.sessions.Refresh(ctx, issued.Tokens.RefreshToken)
	require.NoError(t, err)

	_, err = h.sessions.Refresh(ctx, issued.Tokens.RefreshToken)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RefreshReplays))

	_, err = h.sessions.IsValid(ctx, pair.SessionToken)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)
	_, err = h.sessions.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)

	session, err := h.sessionRepo.GetByID(ctx, issued.Session.ID)
	require.NoError(t, err)
	assert.False(t, session.IsActive)
	require.NotNil(t, session.EndReason)
	assert.Equal(t, models.SessionEndRevoked, *session.EndReason)
}

func TestSessionService_Refresh_SessionTokenRejected(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	issued := h.issue(t, "user1")

	_, err := h.sessions.Refresh(context.Background(), issued.Tokens.SessionToken)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)
}

// ============================================================================
// Revocation Tests (5 tests)
// ============================================================================

func TestSessionService_RevokeOne_BlacklistsUntilExpiry(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	issued := h.issue(t, "user1")
	ctx := context.Background()

	require.NoError(t, h.sessions.RevokeOne(ctx, "user1", issued.Session.ID))

	assert.Equal(t, 15*time.Minute, h.redis.TTL("test:bl:"+issued.Session.SessionTokenID))
	assert.Equal(t, 7*24*time.Hour, h.redis.TTL("test:bl:"+issued.Session.RefreshTokenID))

	_, err := h.sessions.IsValid(ctx, issued.Tokens.SessionToken)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)

	err = h.sessions.RevokeOne(ctx, "user1", issued.Session.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSessionService_RevokeOne_OtherIdentitysSession(t *testing.T) {
	h := newHarness(t,
		newTestIdentity(t, "user1", "user1@x.com", testSecret),
		newTestIdentity(t, "user2", "user2@x.com", testSecret),
	)
	issued := h.issue(t, "user1")

	err := h.sessions.RevokeOne(context.Background(), "user2", issued.Session.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.sessions.IsValid(context.Background(), issued.Tokens.SessionToken)
	assert.NoError(t, err)
}

func TestSessionService_Logout(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	issued := h.issue(t, "user1")
	ctx := context.Background()

	claims, err := h.sessions.IsValid(ctx, issued.Tokens.SessionToken)
	require.NoError(t, err)
	require.NoError(t, h.sessions.Logout(ctx, claims))

	_, err = h.sessions.IsValid(ctx, issued.Tokens.SessionToken)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)

	session, err := h.sessionRepo.GetByID(ctx, issued.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionEndLogout, *session.EndReason)
}

func TestSessionService_RevokeAll_InvalidatesEveryToken(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	ctx := context.Background()

	s1 := h.issue(t, "user1")
	s2 := h.issue(t, "user1")

	require.NoError(t, h.sessions.RevokeAll(ctx, "user1"))

	for _, s := range []*models.IssuedSession{s1, s2} {
		_, err := h.sessions.IsValid(ctx, s.Tokens.SessionToken)
		assert.ErrorIs(t, err, models.ErrTokenInvalid)
		_, err = h.sessions.Refresh(ctx, s.Tokens.RefreshToken)
		assert.ErrorIs(t, err, models.ErrTokenInvalid)
	}
	assert.Empty(t, h.sessionRepo.active("user1"))

	gen, err := h.sessions.Generation(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)

	fresh := h.issue(t, "user1")
	_, err = h.sessions.IsValid(ctx, fresh.Tokens.SessionToken)
	assert.NoError(t, err)
}

func TestSessionService_RevokeOthers_KeepsCurrent(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	ctx := context.Background()

	s1 := h.issue(t, "user1")
	h.issue(t, "user1")
	current := h.issue(t, "user1")

	n, err := h.sessions.RevokeOthers(ctx, "user1", current.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = h.sessions.IsValid(ctx, current.Tokens.SessionToken)
	assert.NoError(t, err)
	_, err = h.sessions.IsValid(ctx, s1.Tokens.SessionToken)
	assert.ErrorIs(t, err, models.ErrTokenInvalid)
}

// ============================================================================
// Listing Tests (1 test)
// ============================================================================

func TestSessionService_ListAndStatistics(t *testing.T) {
	h := newHarness(t, newTestIdentity(t, "user1", "user1@x.com", testSecret))
	ctx := context.Background()

	first := h.issue(t, "user1")
	h.clock.Advance(time.Second)
	h.issue(t, "user1")
	require.NoError(t, h.sessions.RevokeOne(ctx, "user1", first.Session.ID))

	active, err := h.sessions.List(ctx, "user1", true)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	all, err := h.sessions.List(ctx, "user1", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stats, err := h.sessions.Statistics(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalSessions)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 2, stats.DeviceTypes["desktop"])
}
