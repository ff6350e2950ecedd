package http

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// FingerprintHeader lets clients supply a stable device identifier
const FingerprintHeader = "X-Device-Fingerprint"

const maxUserAgentLength = 512

// ExtractDevice collects the client metadata recorded with login attempts and sessions
func ExtractDevice(r *http.Request, config *IPConfig) models.DeviceMeta {
	ua := r.UserAgent()
	if len(ua) > maxUserAgentLength {
		ua = ua[:maxUserAgentLength]
	}

	fingerprint := strings.TrimSpace(r.Header.Get(FingerprintHeader))
	if fingerprint == "" || len(fingerprint) > 128 {
		fingerprint = Fingerprint(ua)
	}

	return models.DeviceMeta{
		IPAddress:         ExtractClientIP(r, config),
		UserAgent:         ua,
		DeviceFingerprint: fingerprint,
		DeviceName:        DeviceName(ua),
		DeviceType:        DeviceType(ua),
	}
}

// Fingerprint derives a device identifier from the user agent
func Fingerprint(userAgent string) string {
	if userAgent == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:16])
}

// DeviceType classifies a user agent as mobile, tablet or desktop
func DeviceType(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		return "tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone"):
		return "mobile"
	default:
		return "desktop"
	}
}

// DeviceName returns a short "Browser on OS" label
func DeviceName(userAgent string) string {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return ""
	}

	browser := "Unknown browser"
	switch {
	case strings.Contains(ua, "edg/") || strings.Contains(ua, "edge"):
		browser = "Edge"
	case strings.Contains(ua, "firefox"):
		browser = "Firefox"
	case strings.Contains(ua, "chrome"):
		browser = "Chrome"
	case strings.Contains(ua, "safari"):
		browser = "Safari"
	}

	os := "unknown OS"
	switch {
	case strings.Contains(ua, "windows"):
		os = "Windows"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad"):
		os = "iOS"
	case strings.Contains(ua, "mac"):
		os = "macOS"
	case strings.Contains(ua, "android"):
		os = "Android"
	case strings.Contains(ua, "linux"):
		os = "Linux"
	}

	return browser + " on " + os
}
