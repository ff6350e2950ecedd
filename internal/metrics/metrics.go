// Package metrics exposes Prometheus counters for authentication outcomes.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gatekeeper"

type Metrics struct {
	LoginAttempts       *prometheus.CounterVec
	Lockouts            *prometheus.CounterVec
	MFAVerifications    *prometheus.CounterVec
	SessionsEvicted     prometheus.Counter
	AttemptRecordErrors prometheus.Counter
	TokensRevoked       *prometheus.CounterVec
	RefreshReplays      prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		LoginAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		Lockouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_total",
			Help:      "Lockouts started, by type.",
		}, []string{"type"}),
		MFAVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mfa_verifications_total",
			Help:      "Second-factor verifications by method and outcome.",
		}, []string{"method", "outcome"}),
		SessionsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions ended to respect the concurrent session cap.",
		}),
		AttemptRecordErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempt_record_errors_total",
			Help:      "Login attempts that could not be persisted.",
		}),
		TokensRevoked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_revoked_total",
			Help:      "Token revocations by scope.",
		}, []string{"scope"}),
		RefreshReplays: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_replays_total",
			Help:      "Refresh tokens presented after rotation.",
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) LoginAttempt(outcome string) {
	if m == nil {
		return
	}
	m.LoginAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Lockout(lockoutType string) {
	if m == nil {
		return
	}
	m.Lockouts.WithLabelValues(lockoutType).Inc()
}

func (m *Metrics) MFAVerification(method string, success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.MFAVerifications.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) SessionEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsEvicted.Add(float64(n))
}

func (m *Metrics) AttemptRecordFailed() {
	if m == nil {
		return
	}
	m.AttemptRecordErrors.Inc()
}

func (m *Metrics) TokenRevoked(scope string) {
	if m == nil {
		return
	}
	m.TokensRevoked.WithLabelValues(scope).Inc()
}

func (m *Metrics) RefreshReplay() {
	if m == nil {
		return
	}
	m.RefreshReplays.Inc()
}

// ObserveRequest records one served HTTP request
func (m *Metrics) ObserveRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}
