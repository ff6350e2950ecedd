package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

const maxKeyedBodyBytes = 64 << 10

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
	IPConfig          *pkghttp.IPConfig
}

// DefaultAuthRateLimit returns default rate limit config for auth endpoints (5 requests per minute)
func DefaultAuthRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 5,
	}
}

func limitExceeded(w http.ResponseWriter, r *http.Request) {
	pkghttp.WriteTooManyRequests(w, "rate limit exceeded")
}

// RateLimitByIP limits requests per client IP. The IP is resolved with the
// trusted proxy list so spoofed forwarding headers cannot mint new buckets.
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(clientIPKey(config.IPConfig)),
		httprate.WithLimitHandler(limitExceeded),
	)
}

// RateLimitByIPAndHandle limits login requests per client IP and submitted
// handle, so one address cannot spray a single account.
func RateLimitByIPAndHandle(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(clientIPKey(config.IPConfig), handleKey),
		httprate.WithLimitHandler(limitExceeded),
	)
}

func clientIPKey(ipConfig *pkghttp.IPConfig) httprate.KeyFunc {
	return func(r *http.Request) (string, error) {
		return pkghttp.ExtractClientIP(r, ipConfig), nil
	}
}

// handleKey reads the "handle" field of a JSON body and restores the body
// for the handler. Unparseable bodies share one bucket per IP.
func handleKey(r *http.Request) (string, error) {
	if r.Body == nil {
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxKeyedBodyBytes))
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var payload struct {
		Handle string `json:"handle"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	return models.NormalizeHandle(payload.Handle), nil
}
