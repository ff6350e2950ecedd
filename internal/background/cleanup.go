package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// AttemptPurger removes login attempts past the retention horizon
type AttemptPurger interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// ExpiredPurger removes rows that expired before the given time
type ExpiredPurger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// SessionExpirer ends sessions whose expiry has passed
type SessionExpirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// PolicyResolver supplies the retention window
type PolicyResolver interface {
	Resolve(ctx context.Context, identityID string) (*models.SecurityPolicy, error)
}

// CleanupStores are the tables the cleanup manager maintains
type CleanupStores struct {
	Attempts      AttemptPurger
	Otps          ExpiredPurger
	PendingSetups ExpiredPurger
	Sessions      SessionExpirer
	Policy        PolicyResolver
}

// CleanupManager periodically purges expired security state
type CleanupManager struct {
	stores   CleanupStores
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(stores CleanupStores, logger *slog.Logger, interval time.Duration) *CleanupManager {
	return &CleanupManager{
		stores:   stores,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// CleanupResult counts rows touched by a single pass
type CleanupResult struct {
	Attempts      int64
	Otps          int64
	PendingSetups int64
	Sessions      int64
}

// RunOnce performs one cleanup pass. A failing step is logged and the
// remaining steps still run.
func (cm *CleanupManager) RunOnce(ctx context.Context) CleanupResult {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := cm.now()
	var result CleanupResult

	if policy, err := cm.stores.Policy.Resolve(cleanupCtx, ""); err != nil {
		cm.logger.Error("skipping login attempt purge", slog.Any("error", err))
	} else if retention := policy.LogRetention(); retention > 0 {
		result.Attempts = cm.step(cleanupCtx, "login_attempts", func(ctx context.Context) (int64, error) {
			return cm.stores.Attempts.DeleteOlderThan(ctx, now.Add(-retention))
		})
	}

	result.Otps = cm.step(cleanupCtx, "email_otps", func(ctx context.Context) (int64, error) {
		return cm.stores.Otps.DeleteExpired(ctx, now)
	})
	result.PendingSetups = cm.step(cleanupCtx, "mfa_pending_setups", func(ctx context.Context) (int64, error) {
		return cm.stores.PendingSetups.DeleteExpired(ctx, now)
	})
	result.Sessions = cm.step(cleanupCtx, "sessions", func(ctx context.Context) (int64, error) {
		return cm.stores.Sessions.ExpireStale(ctx, now)
	})

	return result
}

func (cm *CleanupManager) step(ctx context.Context, table string, fn func(context.Context) (int64, error)) int64 {
	rows, err := fn(ctx)
	if err != nil {
		cm.logger.Error("cleanup step failed", slog.String("table", table), slog.Any("error", err))
		return 0
	}
	if rows > 0 {
		cm.logger.Info("cleanup step completed", slog.String("table", table), slog.Int64("rows", rows))
	}
	return rows
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
