package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types for audit logging
const (
	AuditEventTypeRegistration = "registration"
	AuditEventTypePosture      = "posture_change"
	AuditEventTypeBlock        = "block"
	AuditEventTypeConfigure    = "configure"
	AuditEventTypePurge        = "purge"
)

// Resource types
const (
	AuditResourceTypeAttempt     = "attempt"
	AuditResourceTypeBlockEntry  = "block_entry"
	AuditResourceTypePolicyState = "policy_state"
	AuditResourceTypePending     = "pending_registration"
)

// Actions
const (
	AuditActionCreate = "create"
	AuditActionUpdate = "update"
	AuditActionDelete = "delete"
	AuditActionAccess = "access"
)

// AuditLog is a durable record of an operator action or defense event.
// Actor is an operator identity or "system" for automatic actions.
type AuditLog struct {
	ID            uuid.UUID     `db:"id"`
	EventType     string        `db:"event_type"`
	Actor         string        `db:"actor"`
	ResourceType  *string       `db:"resource_type"`
	ResourceID    *string       `db:"resource_id"`
	Action        string        `db:"action"`
	Success       bool          `db:"success"`
	FailureReason *string       `db:"failure_reason"`
	IPAddress     *string       `db:"ip_address"`
	Metadata      AuditMetadata `db:"metadata"`
	CreatedAt     time.Time     `db:"created_at"`
}

// SystemActor identifies automatic actions taken by the defense subsystem
const SystemActor = "system"

// AuditMetadata holds additional context for audit events
type AuditMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (am *AuditMetadata) Scan(value interface{}) error {
	if value == nil {
		*am = make(AuditMetadata)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (am AuditMetadata) Value() (driver.Value, error) {
	if am == nil {
		return nil, nil
	}
	return json.Marshal(am)
}

// NewPostureChangeMetadata builds metadata for a posture transition audit entry
func NewPostureChangeMetadata(from, to PostureMode, version int64, trigger TransitionTrigger) AuditMetadata {
	return AuditMetadata{
		"from_mode": string(from),
		"to_mode":   string(to),
		"version":   version,
		"trigger":   string(trigger),
	}
}

// NewBlockMetadata builds metadata for a block entry audit entry
func NewBlockMetadata(entry *BlockEntry) AuditMetadata {
	m := AuditMetadata{
		"subject":      entry.Subject,
		"subject_type": string(entry.SubjectType),
		"permanent":    entry.IsPermanent(),
	}
	if entry.Reason != "" {
		m["reason"] = entry.Reason
	}
	if entry.ExpiresAt != nil {
		m["expires_at"] = entry.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return m
}
