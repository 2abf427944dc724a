package logger

import (
	"context"
	"log/slog"
	"time"
)

// DecisionEvent describes a registration decision for the audit log
type DecisionEvent struct {
	AttemptID      string
	IPAddress      string
	Email          string
	Outcome        string
	Reason         string
	SuspicionScore float64
	Mode           string
	RequiresReview bool
}

// PostureEvent describes a defense posture transition
type PostureEvent struct {
	FromMode string
	ToMode   string
	Version  int64
	Trigger  string
	Operator string
	Reason   string
}

// AuditLogger provides audit logging functionality
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogRegistrationDecision logs every registration decision. Emails are masked.
func (al *AuditLogger) LogRegistrationDecision(ctx context.Context, event DecisionEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "registration"),
		slog.String("outcome", event.Outcome),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.AttemptID != "" {
		attrs = append(attrs, slog.String("attempt_id", event.AttemptID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.Email != "" {
		attrs = append(attrs, slog.String("email", SanitizedEmail(event.Email)))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	if event.Mode != "" {
		attrs = append(attrs, slog.String("mode", event.Mode))
	}
	if event.RequiresReview {
		attrs = append(attrs, slog.Bool("requires_review", true))
	}
	attrs = append(attrs, slog.Float64("suspicion_score", event.SuspicionScore))

	level := slog.LevelInfo
	if event.Outcome == "rejected" {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(ctx, level, "audit", attrs...)
}

// LogPostureChange logs defense posture transitions
func (al *AuditLogger) LogPostureChange(ctx context.Context, event PostureEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "posture"),
		slog.String("from_mode", event.FromMode),
		slog.String("to_mode", event.ToMode),
		slog.Int64("version", event.Version),
		slog.String("trigger", event.Trigger),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.Operator != "" {
		attrs = append(attrs, slog.String("operator", event.Operator))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}

	al.logger.LogAttrs(ctx, slog.LevelWarn, "audit", attrs...)
}

// LogOperatorAction logs admin control surface actions
func (al *AuditLogger) LogOperatorAction(ctx context.Context, action, operator, ipAddress string, metadata map[string]string) {
	attrs := []slog.Attr{
		slog.String("audit_type", "operator"),
		slog.String("event_type", action),
		slog.String("operator", operator),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if ipAddress != "" {
		attrs = append(attrs, slog.String("ip_address", ipAddress))
	}

	for key, val := range metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}
