package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/background"
	"github.com/BradenHooton/gatekeeper/internal/cache"
	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/handlers"
	"github.com/BradenHooton/gatekeeper/internal/metrics"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	"github.com/BradenHooton/gatekeeper/internal/routes"
	"github.com/BradenHooton/gatekeeper/internal/services"
	pkgauth "github.com/BradenHooton/gatekeeper/pkg/auth"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	// Migrations run over database/sql before the pool opens
	if cfg.Database.RunMigrations {
		if err := database.MigrateDSN(startupCtx, cfg.Database.DSN(), logger); err != nil {
			logger.Error("failed to run migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Initialize database
	db, err := database.Open(startupCtx, &cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize revocation index
	redisClient, err := cache.NewRedisClient(startupCtx, cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer redisClient.Close()
	revocations := cache.NewRevocationStore(redisClient, cfg.Redis.KeyPrefix)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(registry)
	if err := db.RegisterMetrics(registry); err != nil {
		logger.Error("failed to register database metrics", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize repositories
	identityRepo := repositories.NewIdentityRepository(db)
	attemptRepo := repositories.NewLoginAttemptRepository(db)
	lockoutRepo := repositories.NewLockoutRepository(db)
	policyRepo := repositories.NewSecurityPolicyRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	profileRepo := repositories.NewMFAProfileRepository(db)
	pendingRepo := repositories.NewPendingSetupRepository(db)
	backupCodeRepo := repositories.NewBackupCodeRepository(db)
	otpRepo := repositories.NewEmailOtpRepository(db)
	mfaAuditRepo := repositories.NewMFAAuditRepository(db)

	// Credential primitives
	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
		cfg.Auth.MFAChallengeExpiry,
	)
	totpManager, err := auth.NewTOTPManager(cfg.MFA.EncryptionKey, cfg.MFA.Issuer)
	if err != nil {
		logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
		os.Exit(1)
	}
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingBaseDelayMs,
		RandomDelayMs: cfg.Auth.TimingRandomMs,
	})
	verifier := pkgauth.NewBcryptVerifier(pkgauth.BcryptCost)
	auditLogger := pkglogger.NewAuditLogger(logger)

	// Out-of-band delivery
	var notifier services.Notifier
	if cfg.Email.Enabled {
		sesNotifier, err := services.NewSESNotifier(startupCtx, cfg.Email, logger)
		if err != nil {
			logger.Error("failed to initialize email notifier", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = sesNotifier
	} else {
		logger.Warn("email delivery disabled, one-time codes are written to the log")
		notifier = services.NewLogNotifier(logger)
	}

	// Initialize services
	policyService := services.NewPolicyService(policyRepo, logger)
	attemptRecorder := services.NewAttemptRecorder(attemptRepo, appMetrics, logger)
	lockoutService := services.NewLockoutService(
		lockoutRepo, attemptRepo, identityRepo, policyService, auditLogger, appMetrics, logger,
	)
	mfaService := services.NewMFAService(
		profileRepo, pendingRepo, backupCodeRepo, otpRepo, mfaAuditRepo,
		identityRepo, policyService, totpManager, verifier, notifier,
		auditLogger, appMetrics, logger,
		services.MFAConfig{
			BackupCodeCount:     cfg.MFA.BackupCodeCount,
			BackupCodeHashCost:  cfg.MFA.BackupCodeHashCost,
			BackupCodeValidity:  cfg.MFA.BackupCodeValidity,
			EmailOtpExpiry:      cfg.MFA.EmailOtpExpiry,
			EmailOtpMaxAttempts: cfg.MFA.EmailOtpMaxAttempts,
			SetupExpiry:         cfg.MFA.SetupExpiry,
			AlertThreshold:      cfg.MFA.AlertThreshold,
			AlertWindow:         cfg.MFA.AlertWindow,
		},
	)
	sessionService := services.NewSessionService(
		sessionRepo, revocations, tokenManager, lockoutService, mfaService,
		policyService, auditLogger, appMetrics, logger,
	)
	authService := services.NewAuthService(
		identityRepo, verifier, attemptRecorder, lockoutService, mfaService, sessionService,
		policyService, tokenManager, revocations, timingDelay, auditLogger, appMetrics, logger,
	)

	// Bootstrap first admin identity if configured
	if err := ensureAdminIdentity(startupCtx, identityRepo, verifier, logger); err != nil {
		logger.Error("failed to ensure admin identity", slog.Any("error", err))
	}

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	router := routes.NewRouter(routes.Handlers{
		Auth:     handlers.NewAuthHandler(authService, ipConfig, logger),
		Sessions: handlers.NewSessionHandler(sessionService),
		MFA:      handlers.NewMFAHandler(mfaService, identityRepo, ipConfig, logger),
		Admin:    handlers.NewAdminHandler(authService, lockoutService, logger),
		Health: handlers.NewHealthHandler(map[string]handlers.HealthChecker{
			"database": db.HealthCheck,
			"redis":    revocations.Ping,
		}, logger),
	}, routes.Options{
		Env:              cfg.Server.Env,
		IPConfig:         ipConfig,
		LoginRateLimit:   cfg.Server.LoginRateLimit,
		RefreshRateLimit: cfg.Server.RefreshRateLimit,
		RequestTimeout:   60 * time.Second,
		Metrics:          appMetrics,
		Gatherer:         registry,
		Validator:        sessionService,
		Identities:       identityRepo,
		Logger:           logger,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupManager := background.NewCleanupManager(background.CleanupStores{
		Attempts:      attemptRepo,
		Otps:          otpRepo,
		PendingSetups: pendingRepo,
		Sessions:      sessionRepo,
		Policy:        policyService,
	}, logger, cfg.Auth.CleanupInterval)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ensureAdminIdentity creates the first admin identity if ADMIN_HANDLE and ADMIN_SECRET are set
func ensureAdminIdentity(ctx context.Context, identities *repositories.IdentityRepository, hasher *pkgauth.BcryptVerifier, logger *slog.Logger) error {
	handle := os.Getenv("ADMIN_HANDLE")
	secret := os.Getenv("ADMIN_SECRET")

	if handle == "" || secret == "" {
		logger.Info("no ADMIN_HANDLE or ADMIN_SECRET set, skipping admin bootstrap")
		return nil
	}

	_, err := identities.GetByHandle(ctx, handle)
	if err == nil {
		logger.Info("admin identity already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	hash, err := hasher.Hash(secret)
	if err != nil {
		return fmt.Errorf("failed to hash admin secret: %w", err)
	}

	if _, err := identities.Create(ctx, &models.Identity{
		Handle:     handle,
		SecretHash: hash,
		Role:       models.RoleAdmin,
		IsActive:   true,
	}); err != nil {
		return fmt.Errorf("failed to create admin identity: %w", err)
	}

	logger.Info("admin identity created")
	return nil
}
