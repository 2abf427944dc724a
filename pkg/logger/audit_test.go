package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestAuditLogger_LogRegistrationDecision_MasksEmail(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	al.LogRegistrationDecision(context.Background(), DecisionEvent{
		IPAddress: "203.0.113.5",
		Email:     "alice@example.com",
		Outcome:   "rejected",
		Reason:    "RATE_LIMIT_EXCEEDED",
	})

	entry := decodeLastLine(t, &buf)
	assert.Equal(t, "registration", entry["audit_type"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "a****@*******.com", entry["email"])
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", entry["reason"])
}

func TestAuditLogger_LogPostureChange(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	al.LogPostureChange(context.Background(), PostureEvent{
		FromMode: "strict",
		ToMode:   "emergency_disabled",
		Version:  4,
		Trigger:  "manual",
		Operator: "ops-1",
	})

	entry := decodeLastLine(t, &buf)
	assert.Equal(t, "posture", entry["audit_type"])
	assert.Equal(t, "emergency_disabled", entry["to_mode"])
	assert.Equal(t, float64(4), entry["version"])
	assert.Equal(t, "ops-1", entry["operator"])
	_, hasReason := entry["reason"]
	assert.False(t, hasReason)
}

func TestSanitizedEmail(t *testing.T) {
	assert.Equal(t, "b**@*******.org", SanitizedEmail("bob@example.org"))
	assert.Equal(t, "[invalid-email]", SanitizedEmail("not-an-email"))
}
