package logger

import (
	"net/netip"
	"strings"
)

// MaskEmail masks a handle for logging ("u***@*******.com"). Non-email handles keep their first character.
func MaskEmail(handle string) string {
	username, domain, ok := strings.Cut(handle, "@")
	if !ok {
		if len(handle) <= 1 {
			return handle
		}
		return handle[:1] + strings.Repeat("*", len(handle)-1)
	}

	if len(username) > 1 {
		username = username[:1] + strings.Repeat("*", len(username)-1)
	}

	parts := strings.Split(domain, ".")
	for i := 0; i < len(parts)-1; i++ {
		parts[i] = strings.Repeat("*", len(parts[i]))
	}

	return username + "@" + strings.Join(parts, ".")
}

// SanitizeIP returns a canonical address, or "[invalid-ip]" for anything that does not parse
func SanitizeIP(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "[invalid-ip]"
	}
	return addr.Unmap().String()
}

var sensitiveParams = []string{"password", "secret", "token", "code", "otp", "handle", "email"}

// SanitizeQueryString reports whether a raw query should be redacted from logs
func SanitizeQueryString(rawQuery string) bool {
	query := strings.ToLower(rawQuery)
	for _, param := range sensitiveParams {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}
