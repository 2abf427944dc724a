package models

import (
	"time"

	"github.com/google/uuid"
)

// PatternType identifies the attack signature a detector rule recognized
type PatternType string

const (
	PatternCredentialStuffing PatternType = "credential_stuffing"
	PatternEnumeration        PatternType = "enumeration"
	PatternDistributed        PatternType = "distributed"
	PatternSequential         PatternType = "sequential"
)

// AttackPattern is produced by the Pattern Detector and consumed by the Escalation Controller
type AttackPattern struct {
	ID                     uuid.UUID   `json:"id" db:"id"`
	Type                   PatternType `json:"type" db:"pattern_type"`
	Confidence             float64     `json:"confidence" db:"confidence"`
	Subject                string      `json:"subject,omitempty" db:"subject"` // IP, stem@domain or "*" for global patterns
	UniqueSources          int         `json:"unique_sources" db:"unique_sources"`
	WindowStart            time.Time   `json:"window_start" db:"window_start"`
	WindowEnd              time.Time   `json:"window_end" db:"window_end"`
	DetectedAt             time.Time   `json:"detected_at" db:"detected_at"`
	ContributingAttemptIDs []uuid.UUID `json:"contributing_attempt_ids" db:"contributing_attempt_ids"`
}
