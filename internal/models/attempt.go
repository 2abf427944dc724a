package models

import (
	"time"

	"github.com/google/uuid"
)

// AttemptOutcome is the recorded result of a registration attempt
type AttemptOutcome string

const (
	AttemptAllowed    AttemptOutcome = "allowed"
	AttemptChallenged AttemptOutcome = "challenged"
	AttemptBlocked    AttemptOutcome = "blocked"
)

// Attempt represents a single registration attempt. Attempts are immutable once recorded.
type Attempt struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	Timestamp      time.Time      `json:"timestamp" db:"attempted_at"`
	SourceIP       string         `json:"source_ip" db:"source_ip"`
	Email          string         `json:"email" db:"email"`
	Outcome        AttemptOutcome `json:"outcome" db:"outcome"`
	Reason         string         `json:"reason,omitempty" db:"reason"`
	SuspicionScore float64        `json:"suspicion_score" db:"suspicion_score"`
	FingerprintID  string         `json:"fingerprint_id,omitempty" db:"fingerprint_id"`
}

// AttemptStats aggregates attempts over a time range for the admin metrics view
type AttemptStats struct {
	Total      int64            `json:"total"`
	ByOutcome  map[string]int64 `json:"by_outcome"`
	ByReason   map[string]int64 `json:"by_reason"`
	UniqueIPs  int64            `json:"unique_ips"`
	UniqueMail int64            `json:"unique_emails"`
}
