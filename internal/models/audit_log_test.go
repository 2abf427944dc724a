package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPostureChangeMetadata(t *testing.T) {
	metadata := NewPostureChangeMetadata(ModeElevated, ModeStrict, 7, TriggerAutomatic)

	assert.Equal(t, "elevated", metadata["from_mode"])
	assert.Equal(t, "strict", metadata["to_mode"])
	assert.Equal(t, int64(7), metadata["version"])
	assert.Equal(t, "automatic", metadata["trigger"])
}

func TestNewBlockMetadata_Permanent(t *testing.T) {
	entry := &BlockEntry{Subject: "203.0.113.5", SubjectType: BlockSubjectIP}

	metadata := NewBlockMetadata(entry)

	assert.Equal(t, "203.0.113.5", metadata["subject"])
	assert.Equal(t, true, metadata["permanent"])
	_, hasExpiry := metadata["expires_at"]
	assert.False(t, hasExpiry, "permanent blocks should not carry expires_at")
	_, hasReason := metadata["reason"]
	assert.False(t, hasReason)
}

func TestNewBlockMetadata_Expiring(t *testing.T) {
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entry := &BlockEntry{Subject: "spam.example", SubjectType: BlockSubjectDomain, Reason: "abuse", ExpiresAt: &expires}

	metadata := NewBlockMetadata(entry)

	assert.Equal(t, false, metadata["permanent"])
	assert.Equal(t, "2026-01-02T03:04:05Z", metadata["expires_at"])
	assert.Equal(t, "abuse", metadata["reason"])
}

func TestAuditMetadata_JSONRoundTrip(t *testing.T) {
	metadata := AuditMetadata{"subject": "10.0.0.0/8"}

	data, err := json.Marshal(metadata)
	require.NoError(t, err)

	var decoded AuditMetadata
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "10.0.0.0/8", decoded["subject"])
}

func TestAuditMetadata_ScanNil(t *testing.T) {
	var metadata AuditMetadata
	require.NoError(t, metadata.Scan(nil))
	assert.NotNil(t, metadata)
	assert.Empty(t, metadata)
}
