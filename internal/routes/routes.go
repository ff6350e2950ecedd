package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/handlers"
	"github.com/BradenHooton/gatekeeper/internal/metrics"
	"github.com/BradenHooton/gatekeeper/internal/middleware"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

// Handlers groups the transport handlers mounted by the router
type Handlers struct {
	Auth     *handlers.AuthHandler
	Sessions *handlers.SessionHandler
	MFA      *handlers.MFAHandler
	Admin    *handlers.AdminHandler
	Health   *handlers.HealthHandler
}

// Options configures cross-cutting router behaviour
type Options struct {
	Env              string
	IPConfig         *pkghttp.IPConfig
	LoginRateLimit   int
	RefreshRateLimit int
	RequestTimeout   time.Duration
	Metrics          *metrics.Metrics
	Gatherer         prometheus.Gatherer
	Validator        auth.SessionValidator
	Identities       auth.IdentityReader
	Logger           *slog.Logger
}

// NewRouter builds the chi router with global middleware and all routes
func NewRouter(h Handlers, opts Options) chi.Router {
	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{Env: opts.Env}))
	router.Use(middleware.SecureLogger(opts.Logger))
	router.Use(middleware.Metrics(opts.Metrics))
	router.Use(chimw.Recoverer)
	if opts.RequestTimeout > 0 {
		router.Use(chimw.Timeout(opts.RequestTimeout))
	}

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		pkghttp.WriteServiceError(w, models.ErrNotFound)
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		pkghttp.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	RegisterRoutes(router, h, opts)
	return router
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, h Handlers, opts Options) {
	loginLimit := middleware.RateLimitConfig{RequestsPerMinute: opts.LoginRateLimit, IPConfig: opts.IPConfig}
	refreshLimit := middleware.RateLimitConfig{RequestsPerMinute: opts.RefreshRateLimit, IPConfig: opts.IPConfig}
	if loginLimit.RequestsPerMinute <= 0 {
		loginLimit.RequestsPerMinute = middleware.DefaultAuthRateLimit().RequestsPerMinute
	}
	if refreshLimit.RequestsPerMinute <= 0 {
		refreshLimit.RequestsPerMinute = 30
	}

	router.Get("/health", h.Health.Health)
	router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	// Public routes - credentials are in the body
	router.With(middleware.RateLimitByIPAndHandle(loginLimit)).Post("/auth/login", h.Auth.Login)
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(loginLimit))
		r.Post("/auth/mfa/verify", h.Auth.VerifyMFA)
		r.Post("/auth/mfa/email-otp", h.Auth.SendChallengeOtp)
	})
	router.With(middleware.RateLimitByIP(refreshLimit)).Post("/auth/refresh", h.Auth.Refresh)

	// Protected routes - bearer session token required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(opts.Validator, opts.Logger))

		r.Post("/auth/logout", h.Auth.Logout)
		r.Post("/auth/logout-all", h.Auth.LogoutAll)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.Sessions.List)
			r.Get("/stats", h.Sessions.Statistics)
			r.Post("/revoke-others", h.Sessions.RevokeOthers)
			r.Delete("/{id}", h.Sessions.Revoke)
		})

		r.Route("/mfa", func(r chi.Router) {
			r.Get("/status", h.MFA.Status)
			r.Get("/audit", h.MFA.AuditLog)
			r.Post("/setup", h.MFA.BeginSetup)
			r.Post("/setup/confirm", h.MFA.ConfirmSetup)
			r.Post("/disable", h.MFA.Disable)
			r.With(middleware.RateLimitByIP(loginLimit)).Post("/email-otp", h.MFA.SendEmailOtp)
			r.Post("/backup-codes/regenerate", h.MFA.RegenerateBackupCodes)
		})

		// Admin-only routes
		r.Route("/admin/identities/{id}", func(r chi.Router) {
			r.Use(auth.RequireRole(opts.Identities, models.RoleAdmin))
			r.Post("/lock", h.Admin.LockAccount)
			r.Post("/unlock", h.Admin.UnlockAccount)
			r.Get("/lockout", h.Admin.LockoutStatus)
			r.Get("/lockouts", h.Admin.LockoutHistory)
			r.Get("/login-stats", h.Admin.LoginStatistics)
		})
	})
}
