package logger

import (
	"context"
	"log/slog"
	"time"
)

// Audit categories
const (
	AuditLogin   = "login"
	AuditLockout = "lockout"
	AuditMFA     = "mfa"
	AuditSession = "session"
)

// AuditEvent is a security-relevant event
type AuditEvent struct {
	Category   string
	EventType  string
	IdentityID string
	Handle     string
	IPAddress  string
	UserAgent  string
	Success    bool
	Reason     string
	Metadata   map[string]string
}

// AuditLogger writes security events through slog. Failed events log at Warn.
type AuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{logger: logger, now: time.Now}
}

// Log writes one audit event
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) {
	if al == nil {
		return
	}

	attrs := []slog.Attr{
		slog.String("audit_type", event.Category),
		slog.String("event_type", event.EventType),
		slog.Bool("success", event.Success),
		slog.String("timestamp", al.now().UTC().Format(time.RFC3339)),
	}

	if event.IdentityID != "" {
		attrs = append(attrs, slog.String("identity_id", event.IdentityID))
	}
	if event.Handle != "" {
		attrs = append(attrs, slog.String("handle", MaskEmail(event.Handle)))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", SanitizeIP(event.IPAddress)))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	for key, val := range event.Metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(ctx, level, "audit", attrs...)
}

// LogLoginAttempt records the outcome of a credential check
func (al *AuditLogger) LogLoginAttempt(ctx context.Context, identityID, handle, ip, userAgent string, success bool, reason string) {
	al.Log(ctx, AuditEvent{
		Category:   AuditLogin,
		EventType:  "login_attempt",
		IdentityID: identityID,
		Handle:     handle,
		IPAddress:  ip,
		UserAgent:  userAgent,
		Success:    success,
		Reason:     reason,
	})
}

// LogLockout records a lockout being imposed or released
func (al *AuditLogger) LogLockout(ctx context.Context, eventType, identityID, actorID, reason string, metadata map[string]string) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	if actorID != "" {
		metadata["actor_id"] = actorID
	}
	al.Log(ctx, AuditEvent{
		Category:   AuditLockout,
		EventType:  eventType,
		IdentityID: identityID,
		Success:    true,
		Reason:     reason,
		Metadata:   metadata,
	})
}

// LogMFA records a second-factor action
func (al *AuditLogger) LogMFA(ctx context.Context, eventType, identityID, method, ip string, success bool, reason string) {
	var metadata map[string]string
	if method != "" {
		metadata = map[string]string{"method": method}
	}
	al.Log(ctx, AuditEvent{
		Category:   AuditMFA,
		EventType:  eventType,
		IdentityID: identityID,
		IPAddress:  ip,
		Success:    success,
		Reason:     reason,
		Metadata:   metadata,
	})
}

// LogSession records session lifecycle events such as eviction and revocation
func (al *AuditLogger) LogSession(ctx context.Context, eventType, identityID, sessionID string, success bool, reason string) {
	al.Log(ctx, AuditEvent{
		Category:   AuditSession,
		EventType:  eventType,
		IdentityID: identityID,
		Success:    success,
		Reason:     reason,
		Metadata:   map[string]string{"session_id": sessionID},
	})
}
