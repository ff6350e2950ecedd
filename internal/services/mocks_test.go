package services

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/cache"
	"github.com/BradenHooton/gatekeeper/internal/metrics"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	pkgauth "github.com/BradenHooton/gatekeeper/pkg/auth"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// Clock
// ============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// ============================================================================
// Identities
// ============================================================================

type memIdentities struct {
	mu   sync.Mutex
	byID map[string]*models.Identity
	err  error
}

func newMemIdentities(identities ...*models.Identity) *memIdentities {
	m := &memIdentities{byID: make(map[string]*models.Identity)}
	for _, i := range identities {
		m.byID[i.ID] = i
	}
	return m
}

func (m *memIdentities) GetByID(ctx context.Context, id string) (*models.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	i, ok := m.byID[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (m *memIdentities) GetByHandle(ctx context.Context, handle string) (*models.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, i := range m.byID {
		if i.Handle == handle {
			cp := *i
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memIdentities) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return models.ErrNotFound
	}
	i.LastLoginAt = &at
	return nil
}

func newTestIdentity(t *testing.T, id, handle, secret string) *models.Identity {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return &models.Identity{
		ID:         id,
		Handle:     handle,
		Email:      handle,
		SecretHash: string(hash),
		Role:       models.RoleUser,
		IsActive:   true,
	}
}

// ============================================================================
// Login attempts
// ============================================================================

type memAttempts struct {
	mu        sync.Mutex
	attempts  []*models.LoginAttempt
	createErr error
	queryErr  error
	// triggered reports whether a lockout record names the attempt as its trigger
	triggered func(attemptID string) bool
}

func (m *memAttempts) derive(a *models.LoginAttempt) *models.LoginAttempt {
	cp := *a
	cp.TriggeredLockout = m.triggered != nil && m.triggered(a.ID)
	return &cp
}

func (m *memAttempts) Create(ctx context.Context, attempt *models.LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *attempt
	m.attempts = append(m.attempts, &cp)
	return nil
}

func (m *memAttempts) match(fn func(a *models.LoginAttempt) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if fn(a) {
			n++
		}
	}
	return n
}

func ownedBy(a *models.LoginAttempt, identityID string) bool {
	return a.IdentityID != nil && *a.IdentityID == identityID
}

func (m *memAttempts) CountFailuresSince(ctx context.Context, identityID string, since time.Time) (int, error) {
	if m.queryErr != nil {
		return 0, m.queryErr
	}
	return m.match(func(a *models.LoginAttempt) bool {
		return ownedBy(a, identityID) && !a.Success && a.FailureReason != nil &&
			a.FailureReason.CountsTowardLockout() && a.AttemptedAt.After(since)
	}), nil
}

func (m *memAttempts) HasSuccessFromIP(ctx context.Context, identityID, ip string, since time.Time) (bool, error) {
	if m.queryErr != nil {
		return false, m.queryErr
	}
	return m.match(func(a *models.LoginAttempt) bool {
		return ownedBy(a, identityID) && a.Success && a.IPAddress == ip && a.AttemptedAt.After(since)
	}) > 0, nil
}

func (m *memAttempts) HasSuccessFromDevice(ctx context.Context, identityID, fingerprint string, since time.Time) (bool, error) {
	if m.queryErr != nil {
		return false, m.queryErr
	}
	return m.match(func(a *models.LoginAttempt) bool {
		return ownedBy(a, identityID) && a.Success && a.DeviceFingerprint == fingerprint && a.AttemptedAt.After(since)
	}) > 0, nil
}

func (m *memAttempts) CountRecentFailures(ctx context.Context, identityID string, since time.Time) (int, error) {
	if m.queryErr != nil {
		return 0, m.queryErr
	}
	return m.match(func(a *models.LoginAttempt) bool {
		return ownedBy(a, identityID) && !a.Success && a.AttemptedAt.After(since)
	}), nil
}

func (m *memAttempts) CountByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	if m.queryErr != nil {
		return 0, m.queryErr
	}
	return m.match(func(a *models.LoginAttempt) bool {
		return a.IPAddress == ip && a.AttemptedAt.After(since)
	}), nil
}

func (m *memAttempts) Statistics(ctx context.Context, identityID string, since time.Time) (*models.LoginStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &models.LoginStatistics{IdentityID: identityID, Since: since}
	ips := map[string]struct{}{}
	for _, a := range m.attempts {
		if !ownedBy(a, identityID) || !a.AttemptedAt.After(since) {
			continue
		}
		stats.TotalAttempts++
		ips[a.IPAddress] = struct{}{}
		if a.Success {
			stats.Successful++
		} else {
			stats.Failed++
		}
		if a.IsSuspicious {
			stats.Suspicious++
		}
		if m.derive(a).TriggeredLockout {
			stats.LockoutsTriggered++
		}
	}
	stats.DistinctIPCount = len(ips)
	return stats, nil
}

func (m *memAttempts) ListRecent(ctx context.Context, identityID string, since time.Time, limit int) ([]*models.LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	out := make([]*models.LoginAttempt, 0)
	for i := len(m.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		a := m.attempts[i]
		if ownedBy(a, identityID) && a.AttemptedAt.After(since) {
			out = append(out, m.derive(a))
		}
	}
	return out, nil
}

func (m *memAttempts) all() []*models.LoginAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.LoginAttempt(nil), m.attempts...)
}

// ============================================================================
// Lockouts
// ============================================================================

type memLockouts struct {
	mu      sync.Mutex
	records []*models.LockoutRecord
	err     error
}

func (m *memLockouts) GetActive(ctx context.Context, identityID string) (*models.LockoutRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, r := range m.records {
		if r.IdentityID == identityID && r.ReleasedAt == nil {
			cp := *r
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memLockouts) LastReleasedAt(ctx context.Context, identityID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for _, r := range m.records {
		if r.IdentityID == identityID && r.ReleasedAt != nil && (last == nil || r.ReleasedAt.After(*last)) {
			t := *r.ReleasedAt
			last = &t
		}
	}
	return last, nil
}

func (m *memLockouts) CountEscalating(ctx context.Context, identityID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.IdentityID == identityID && r.Type.Escalates() {
			n++
		}
	}
	return n, nil
}

func (m *memLockouts) Create(ctx context.Context, rec *models.LockoutRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.IdentityID == rec.IdentityID && r.ReleasedAt == nil {
			return models.ErrConflict
		}
	}
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *memLockouts) Release(ctx context.Context, recordID, identityID string, reason models.ReleaseReason, releasedBy *string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == recordID && r.IdentityID == identityID && r.ReleasedAt == nil {
			r.ReleasedAt = &at
			r.ReleaseReason = &reason
			r.ReleasedBy = releasedBy
			return true, nil
		}
	}
	return false, nil
}

func (m *memLockouts) ListByIdentity(ctx context.Context, identityID string, limit int) ([]*models.LockoutRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.LockoutRecord, 0)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if m.records[i].IdentityID == identityID {
			cp := *m.records[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memLockouts) triggeredBy(attemptID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.TriggerAttemptID != nil && *r.TriggerAttemptID == attemptID {
			return true
		}
	}
	return false
}

func (m *memLockouts) activeCount(identityID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.IdentityID == identityID && r.ReleasedAt == nil {
			n++
		}
	}
	return n
}

// ============================================================================
// Policies
// ============================================================================

type staticPolicy struct {
	policy models.SecurityPolicy
	err    error
}

func (p *staticPolicy) Resolve(ctx context.Context, identityID string) (*models.SecurityPolicy, error) {
	if p.err != nil {
		return nil, p.err
	}
	cp := p.policy
	return &cp, nil
}

// MockSecurityPolicyRepository implements SecurityPolicyRepository for testing
type MockSecurityPolicyRepository struct {
	GetDefaultFunc  func(ctx context.Context) (*models.SecurityPolicy, error)
	GetOverrideFunc func(ctx context.Context, identityID string) (*models.PolicyOverride, error)
}

func (m *MockSecurityPolicyRepository) GetDefault(ctx context.Context) (*models.SecurityPolicy, error) {
	if m.GetDefaultFunc != nil {
		return m.GetDefaultFunc(ctx)
	}
	p := models.DefaultSecurityPolicy()
	return &p, nil
}

func (m *MockSecurityPolicyRepository) GetOverride(ctx context.Context, identityID string) (*models.PolicyOverride, error) {
	if m.GetOverrideFunc != nil {
		return m.GetOverrideFunc(ctx, identityID)
	}
	return nil, models.ErrNotFound
}

// ============================================================================
// MFA storage
// ============================================================================

type mfaState struct {
	mu       sync.Mutex
	profiles map[string]*models.MfaProfile
	pending  map[string]*models.PendingMfaSetup
	codes    []*models.BackupCode
	otps     []*models.EmailOtp
	audits   []*models.MfaAuditEntry
}

func newMFAState() *mfaState {
	return &mfaState{
		profiles: make(map[string]*models.MfaProfile),
		pending:  make(map[string]*models.PendingMfaSetup),
	}
}

type memProfiles struct{ s *mfaState }

func (m memProfiles) GetByIdentityID(ctx context.Context, identityID string) (*models.MfaProfile, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.profiles[identityID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m memProfiles) Enable(ctx context.Context, in repositories.EnableMFAInput) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	setup, ok := m.s.pending[in.IdentityID]
	if !ok || setup.SetupSessionID != in.SetupSessionID {
		return models.ErrNotFound
	}
	if p, ok := m.s.profiles[in.IdentityID]; ok && p.IsEnabled {
		return models.ErrConflict
	}
	delete(m.s.pending, in.IdentityID)

	at := in.At
	m.s.profiles[in.IdentityID] = &models.MfaProfile{
		IdentityID:           in.IdentityID,
		IsEnabled:            true,
		TOTPEnabled:          true,
		EmailOtpEnabled:      true,
		BackupCodesEnabled:   true,
		TOTPSecretEncrypted:  in.SecretEncrypted,
		TOTPSecretNonce:      in.SecretNonce,
		LastTOTPStep:         in.AcceptedStep,
		RemainingBackupCodes: len(in.BackupCodes),
		EnabledAt:            &at,
		CreatedAt:            at,
		UpdatedAt:            at,
	}
	for _, c := range m.s.codes {
		if c.IdentityID == in.IdentityID && !c.IsUsed && c.InvalidatedAt == nil {
			c.InvalidatedAt = &at
		}
	}
	m.s.codes = append(m.s.codes, in.BackupCodes...)
	return nil
}

func (m memProfiles) Disable(ctx context.Context, identityID, reason string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.profiles[identityID]
	if !ok || !p.IsEnabled {
		return models.ErrNotFound
	}
	p.IsEnabled, p.TOTPEnabled, p.EmailOtpEnabled, p.BackupCodesEnabled = false, false, false, false
	p.RemainingBackupCodes = 0
	p.DisabledAt = &at
	p.DisabledReason = &reason
	for _, c := range m.s.codes {
		if c.IdentityID == identityID && !c.IsUsed && c.InvalidatedAt == nil {
			c.InvalidatedAt = &at
		}
	}
	return nil
}

func (m memProfiles) AdvanceTOTPStep(ctx context.Context, identityID string, step int64, at time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.profiles[identityID]
	if !ok || !p.IsEnabled || p.LastTOTPStep >= step {
		return false, nil
	}
	p.LastTOTPStep = step
	p.LastUsedAt = &at
	return true, nil
}

func (m memProfiles) TouchLastUsed(ctx context.Context, identityID string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if p, ok := m.s.profiles[identityID]; ok {
		p.LastUsedAt = &at
	}
	return nil
}

type memPending struct{ s *mfaState }

func (m memPending) Upsert(ctx context.Context, setup *models.PendingMfaSetup) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cp := *setup
	m.s.pending[setup.IdentityID] = &cp
	return nil
}

func (m memPending) Get(ctx context.Context, identityID string) (*models.PendingMfaSetup, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.pending[identityID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

type memBackupCodes struct{ s *mfaState }

func (m memBackupCodes) ListUsable(ctx context.Context, identityID string, now time.Time) ([]*models.BackupCode, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]*models.BackupCode, 0)
	for _, c := range m.s.codes {
		if c.IdentityID == identityID && c.IsUsable(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m memBackupCodes) Consume(ctx context.Context, codeID, identityID, ip string, at time.Time, entry *models.MfaAuditEntry) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, c := range m.s.codes {
		if c.ID != codeID || c.IdentityID != identityID {
			continue
		}
		if c.IsUsed || c.InvalidatedAt != nil {
			return models.ErrNotFound
		}
		c.IsUsed = true
		c.UsedAt = &at
		c.UsedFromIP = &ip
		if p, ok := m.s.profiles[identityID]; ok && p.RemainingBackupCodes > 0 {
			p.RemainingBackupCodes--
		}
		cp := *entry
		m.s.audits = append(m.s.audits, &cp)
		return nil
	}
	return models.ErrNotFound
}

func (m memBackupCodes) Regenerate(ctx context.Context, identityID string, codes []*models.BackupCode, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.profiles[identityID]
	if !ok || !p.IsEnabled {
		return models.ErrNotFound
	}
	for _, c := range m.s.codes {
		if c.IdentityID == identityID && !c.IsUsed && c.InvalidatedAt == nil {
			c.InvalidatedAt = &at
		}
	}
	m.s.codes = append(m.s.codes, codes...)
	p.RemainingBackupCodes = len(codes)
	return nil
}

type memOtps struct{ s *mfaState }

func (m memOtps) Create(ctx context.Context, otp *models.EmailOtp) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, o := range m.s.otps {
		if o.IdentityID == otp.IdentityID && o.Purpose == otp.Purpose && !o.IsTerminal(otp.CreatedAt) {
			o.ExpiresAt = otp.CreatedAt
		}
	}
	cp := *otp
	m.s.otps = append(m.s.otps, &cp)
	return nil
}

func (m memOtps) GetLatest(ctx context.Context, identityID string, purpose models.OtpPurpose) (*models.EmailOtp, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for i := len(m.s.otps) - 1; i >= 0; i-- {
		o := m.s.otps[i]
		if o.IdentityID == identityID && o.Purpose == purpose {
			cp := *o
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m memOtps) find(id string) *models.EmailOtp {
	for _, o := range m.s.otps {
		if o.ID == id {
			return o
		}
	}
	return nil
}

func (m memOtps) RegisterAttempt(ctx context.Context, id string) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	o := m.find(id)
	if o == nil || o.IsUsed || o.IsBlocked {
		return 0, models.ErrNotFound
	}
	o.AttemptCount++
	return o.AttemptCount, nil
}

func (m memOtps) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	o := m.find(id)
	if o == nil || o.IsUsed || o.IsBlocked {
		return false, nil
	}
	o.IsUsed = true
	o.UsedAt = &at
	return true, nil
}

func (m memOtps) Block(ctx context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if o := m.find(id); o != nil {
		o.IsBlocked = true
	}
	return nil
}

type memMFAAudits struct{ s *mfaState }

func (m memMFAAudits) Create(ctx context.Context, entry *models.MfaAuditEntry) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cp := *entry
	m.s.audits = append(m.s.audits, &cp)
	return nil
}

func (m memMFAAudits) CountFailuresSince(ctx context.Context, identityID string, since time.Time) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	n := 0
	for _, e := range m.s.audits {
		if e.IdentityID == identityID && e.Action == models.MfaActionVerify && !e.Success && e.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m memMFAAudits) ListByIdentity(ctx context.Context, identityID string, limit int) ([]*models.MfaAuditEntry, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]*models.MfaAuditEntry, 0)
	for i := len(m.s.audits) - 1; i >= 0 && len(out) < limit; i-- {
		if m.s.audits[i].IdentityID == identityID {
			cp := *m.s.audits[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *mfaState) auditEntries() []*models.MfaAuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.MfaAuditEntry(nil), s.audits...)
}

// ============================================================================
// Sessions
// ============================================================================

type memSessions struct {
	mu        sync.Mutex
	sessions  map[string]*models.Session
	createErr error
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*models.Session)}
}

func (m *memSessions) CreateWithEviction(ctx context.Context, s *models.Session, maxActive int) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}

	active := make([]*models.Session, 0)
	for _, existing := range m.sessions {
		if existing.IdentityID != s.IdentityID || !existing.IsActive {
			continue
		}
		if !existing.ExpiresAt.After(s.CreatedAt) {
			existing.IsActive = false
			continue
		}
		active = append(active, existing)
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].LastAccessedAt.Before(active[j].LastAccessedAt)
	})

	var evicted []*models.Session
	if excess := len(active) - maxActive + 1; maxActive > 0 && excess > 0 {
		for _, e := range active[:excess] {
			e.IsActive = false
			reason := models.SessionEndEvicted
			e.EndReason = &reason
			cp := *e
			evicted = append(evicted, &cp)
		}
	}

	cp := *s
	m.sessions[s.ID] = &cp
	return evicted, nil
}

func (m *memSessions) GetByID(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) Rotate(ctx context.Context, in repositories.RotateInput) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[in.SessionID]
	if !ok || s.RefreshTokenID != in.OldRefreshTokenID || !s.IsActive || !s.ExpiresAt.After(in.At) {
		return false, nil
	}
	s.SessionTokenID = in.SessionTokenID
	s.SessionTokenExpiresAt = in.SessionTokenExpiresAt
	s.RefreshTokenID = in.RefreshTokenID
	s.RefreshTokenExpiresAt = in.RefreshTokenExpiresAt
	s.ExpiresAt = in.ExpiresAt
	s.LastAccessedAt = in.At
	return true, nil
}

func (m *memSessions) end(s *models.Session, reason models.SessionEndReason, at time.Time) *models.Session {
	s.IsActive = false
	s.EndedAt = &at
	s.EndReason = &reason
	cp := *s
	return &cp
}

func (m *memSessions) Deactivate(ctx context.Context, id, identityID string, reason models.SessionEndReason, at time.Time) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.IdentityID != identityID || !s.IsActive {
		return nil, models.ErrNotFound
	}
	return m.end(s, reason, at), nil
}

func (m *memSessions) DeactivateAll(ctx context.Context, identityID string, reason models.SessionEndReason, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.IdentityID == identityID && s.IsActive {
			m.end(s, reason, at)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) DeactivateOthers(ctx context.Context, identityID, keepID string, reason models.SessionEndReason, at time.Time) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Session, 0)
	for _, s := range m.sessions {
		if s.IdentityID == identityID && s.ID != keepID && s.IsActive {
			out = append(out, m.end(s, reason, at))
		}
	}
	return out, nil
}

func (m *memSessions) ListByIdentity(ctx context.Context, identityID string, activeOnly bool, now time.Time, limit int) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Session, 0)
	for _, s := range m.sessions {
		if s.IdentityID != identityID || (activeOnly && !s.IsUsable(now)) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSessions) Touch(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.IsActive && s.LastAccessedAt.Before(at) {
		s.LastAccessedAt = at
	}
	return nil
}

func (m *memSessions) Statistics(ctx context.Context, identityID string, now, recentSince time.Time) (*models.SessionStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.SessionStatistics{
		IdentityID:    identityID,
		RecentIPs:     []string{},
		RecentDevices: []string{},
		DeviceTypes:   map[string]int{},
	}
	for _, s := range m.sessions {
		if s.IdentityID != identityID {
			continue
		}
		stats.TotalSessions++
		if s.IsUsable(now) {
			stats.ActiveSessions++
		} else {
			stats.ExpiredSessions++
		}
		stats.DeviceTypes[s.DeviceType]++
	}
	return stats, nil
}

func (m *memSessions) active(identityID string) []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Session, 0)
	for _, s := range m.sessions {
		if s.IdentityID == identityID && s.IsActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

// ============================================================================
// Notifier
// ============================================================================

type sentOtp struct {
	Email   string
	Code    string
	Purpose models.OtpPurpose
}

type recordingNotifier struct {
	mu     sync.Mutex
	otps   []sentOtp
	alerts []string
	err    error
}

func (n *recordingNotifier) SendOtp(ctx context.Context, email, code string, purpose models.OtpPurpose, expiresAt time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.otps = append(n.otps, sentOtp{Email: email, Code: code, Purpose: purpose})
	return nil
}

func (n *recordingNotifier) SendSecurityAlert(ctx context.Context, email, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, email)
	return n.err
}

func (n *recordingNotifier) lastCode() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.otps) == 0 {
		return ""
	}
	return n.otps[len(n.otps)-1].Code
}

// ============================================================================
// Harness
// ============================================================================

// harness wires every service over in-memory storage and a miniredis blacklist
type harness struct {
	clock       *fakeClock
	identities  *memIdentities
	attempts    *memAttempts
	lockoutRepo *memLockouts
	policy      *staticPolicy
	mfaState    *mfaState
	sessionRepo *memSessions
	redis       *miniredis.Miniredis
	revocations *cache.RevocationStore
	notifier    *recordingNotifier
	metrics     *metrics.Metrics
	tokens      *auth.TokenManager
	totp        *auth.TOTPManager

	recorder *AttemptRecorder
	lockouts *LockoutService
	mfa      *MFAService
	sessions *SessionService
	auth     *AuthService
}

func newHarness(t *testing.T, identities ...*models.Identity) *harness {
	t.Helper()

	logger := testLogger()
	audit := pkglogger.NewAuditLogger(logger)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	totpMgr, err := auth.NewTOTPManager(key, "Gatekeeper")
	require.NoError(t, err)

	h := &harness{
		clock:       newFakeClock(),
		identities:  newMemIdentities(identities...),
		attempts:    &memAttempts{},
		lockoutRepo: &memLockouts{},
		policy:      &staticPolicy{policy: models.DefaultSecurityPolicy()},
		mfaState:    newMFAState(),
		sessionRepo: newMemSessions(),
		redis:       mr,
		revocations: cache.NewRevocationStore(client, "test"),
		notifier:    &recordingNotifier{},
		metrics:     metrics.New(prometheus.NewRegistry()),
		totp:        totpMgr,
	}
	h.tokens = auth.NewTokenManager("a-sufficiently-long-test-signing-key", 15*time.Minute, 7*24*time.Hour, 5*time.Minute).
		WithClock(h.clock.Now)

	h.attempts.triggered = h.lockoutRepo.triggeredBy

	h.recorder = NewAttemptRecorder(h.attempts, h.metrics, logger)
	h.recorder.now = h.clock.Now

	h.lockouts = NewLockoutService(h.lockoutRepo, h.attempts, h.identities, h.policy, audit, h.metrics, logger)
	h.lockouts.now = h.clock.Now

	verifier := pkgauth.NewBcryptVerifier(bcrypt.MinCost)
	h.mfa = NewMFAService(
		memProfiles{h.mfaState},
		memPending{h.mfaState},
		memBackupCodes{h.mfaState},
		memOtps{h.mfaState},
		memMFAAudits{h.mfaState},
		h.identities,
		h.policy,
		totpMgr,
		verifier,
		h.notifier,
		audit,
		h.metrics,
		logger,
		MFAConfig{
			BackupCodeCount:     10,
			BackupCodeHashCost:  bcrypt.MinCost,
			EmailOtpExpiry:      10 * time.Minute,
			EmailOtpMaxAttempts: 3,
			SetupExpiry:         15 * time.Minute,
			AlertThreshold:      5,
			AlertWindow:         time.Hour,
		},
	)
	h.mfa.now = h.clock.Now

	h.sessions = NewSessionService(h.sessionRepo, h.revocations, h.tokens, h.lockouts, h.mfa, h.policy, audit, h.metrics, logger)
	h.sessions.now = h.clock.Now

	h.auth = NewAuthService(
		h.identities,
		verifier,
		h.recorder,
		h.lockouts,
		h.mfa,
		h.sessions,
		h.policy,
		h.tokens,
		h.revocations,
		nil,
		audit,
		h.metrics,
		logger,
	)
	h.auth.now = h.clock.Now

	return h
}

// enableTOTP runs a full setup for identityID and returns the secret and backup codes
func (h *harness) enableTOTP(t *testing.T, identityID string) (string, []string) {
	t.Helper()
	ctx := context.Background()

	setup, err := h.mfa.BeginSetup(ctx, identityID, identityID+"@example.com")
	require.NoError(t, err)

	code, err := h.totp.CodeAt(setup.Secret, h.clock.Now())
	require.NoError(t, err)

	codes, err := h.mfa.ConfirmSetup(ctx, identityID, setup.SetupSessionID, code, models.DeviceMeta{})
	require.NoError(t, err)

	return setup.Secret, codes
}

func testDevice() models.DeviceMeta {
	return models.DeviceMeta{
		IPAddress:         "203.0.113.7",
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0",
		DeviceFingerprint: "0123456789abcdef0123456789abcdef",
		DeviceName:        "Firefox on Linux",
		DeviceType:        "desktop",
	}
}
