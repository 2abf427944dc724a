package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PostureMode is the platform-wide defense posture
type PostureMode string

const (
	ModeNormal            PostureMode = "normal"
	ModeElevated          PostureMode = "elevated"
	ModeStrict            PostureMode = "strict"
	ModeEmergencyDisabled PostureMode = "emergency_disabled"
)

var postureLevels = map[PostureMode]int{
	ModeNormal:            0,
	ModeElevated:          1,
	ModeStrict:            2,
	ModeEmergencyDisabled: 3,
}

var postureByLevel = []PostureMode{ModeNormal, ModeElevated, ModeStrict, ModeEmergencyDisabled}

// Level returns the ordinal of the mode (Normal=0 ... EmergencyDisabled=3)
func (m PostureMode) Level() int {
	return postureLevels[m]
}

// Valid reports whether m is a known posture
func (m PostureMode) Valid() bool {
	_, ok := postureLevels[m]
	return ok
}

// AtLeast reports whether m is at or above other
func (m PostureMode) AtLeast(other PostureMode) bool {
	return m.Level() >= other.Level()
}

// Up returns the next stricter mode, or m itself at the top
func (m PostureMode) Up() PostureMode {
	l := m.Level()
	if l+1 >= len(postureByLevel) {
		return m
	}
	return postureByLevel[l+1]
}

// Down returns the next more permissive mode, or m itself at the bottom
func (m PostureMode) Down() PostureMode {
	l := m.Level()
	if l == 0 {
		return m
	}
	return postureByLevel[l-1]
}

// ParsePostureMode parses a posture name
func ParsePostureMode(s string) (PostureMode, error) {
	m := PostureMode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", NewValidationError("mode", fmt.Sprintf("unknown posture %q", s))
	}
	return m, nil
}

// Thresholds are the tunable limits carried in PolicyState
type Thresholds struct {
	ChallengeThreshold float64 `json:"challenge_threshold"`
	BlockThreshold     float64 `json:"block_threshold"`

	IPLimit           int           `json:"ip_limit"`
	IPWindow          time.Duration `json:"ip_window"`
	EmailLimit        int           `json:"email_limit"`
	EmailWindow       time.Duration `json:"email_window"`
	GlobalLimit       int           `json:"global_limit"`
	GlobalWindow      time.Duration `json:"global_window"`
	StrictLimitFactor float64       `json:"strict_limit_factor"`

	RapidAttemptLimit  int           `json:"rapid_attempt_limit"`
	RapidAttemptWindow time.Duration `json:"rapid_attempt_window"`

	StuffingDistinctEmails int           `json:"stuffing_distinct_emails"`
	EnumerationMinSequence int           `json:"enumeration_min_sequence"`
	DetectionWindow        time.Duration `json:"detection_window"`
	DistributedThreshold   int           `json:"distributed_threshold"`
	ExtremeThreshold       int           `json:"extreme_threshold"`
	DistributedWindow      time.Duration `json:"distributed_window"`
	SequentialMinAttempts  int           `json:"sequential_min_attempts"`
	SequentialMaxCV        float64       `json:"sequential_max_cv"`

	EscalationConfidence        float64       `json:"escalation_confidence"`
	DeescalationConfidenceFloor float64       `json:"deescalation_confidence_floor"`
	DeescalationCooldown        time.Duration `json:"deescalation_cooldown"`
	ElevatedMaxDuration         time.Duration `json:"elevated_max_duration"`
}

// DefaultThresholds returns the built-in defaults
func DefaultThresholds() Thresholds {
	return Thresholds{
		ChallengeThreshold:          0.5,
		BlockThreshold:              0.85,
		IPLimit:                     5,
		IPWindow:                    15 * time.Minute,
		EmailLimit:                  3,
		EmailWindow:                 15 * time.Minute,
		GlobalLimit:                 100,
		GlobalWindow:                time.Hour,
		StrictLimitFactor:           0.5,
		RapidAttemptLimit:           10,
		RapidAttemptWindow:          5 * time.Minute,
		StuffingDistinctEmails:      5,
		EnumerationMinSequence:      4,
		DetectionWindow:             15 * time.Minute,
		DistributedThreshold:        100,
		ExtremeThreshold:            500,
		DistributedWindow:           time.Minute,
		SequentialMinAttempts:       8,
		SequentialMaxCV:             0.1,
		EscalationConfidence:        0.3,
		DeescalationConfidenceFloor: 0.15,
		DeescalationCooldown:        30 * time.Minute,
		ElevatedMaxDuration:         20 * time.Minute,
	}
}

// Validate checks threshold ordering and ranges
func (t Thresholds) Validate() error {
	switch {
	case t.ChallengeThreshold <= 0 || t.ChallengeThreshold > 1:
		return NewValidationError("challenge_threshold", "must be in (0,1]")
	case t.BlockThreshold <= 0 || t.BlockThreshold > 1:
		return NewValidationError("block_threshold", "must be in (0,1]")
	case t.ChallengeThreshold >= t.BlockThreshold:
		return NewValidationError("challenge_threshold", "must be lower than block_threshold")
	case t.IPLimit < 1 || t.EmailLimit < 1 || t.GlobalLimit < 1:
		return NewValidationError("limits", "rate limits must be at least 1")
	case t.IPWindow <= 0 || t.EmailWindow <= 0 || t.GlobalWindow <= 0:
		return NewValidationError("windows", "rate limit windows must be positive")
	case t.StrictLimitFactor <= 0 || t.StrictLimitFactor > 1:
		return NewValidationError("strict_limit_factor", "must be in (0,1]")
	case t.DistributedThreshold < 1 || t.ExtremeThreshold <= t.DistributedThreshold:
		return NewValidationError("extreme_threshold", "must be greater than distributed_threshold")
	case t.EscalationConfidence <= 0 || t.EscalationConfidence > 1:
		return NewValidationError("escalation_confidence", "must be in (0,1]")
	case t.DeescalationConfidenceFloor <= 0 || t.DeescalationConfidenceFloor >= t.EscalationConfidence:
		return NewValidationError("deescalation_confidence_floor", "must be positive and lower than escalation_confidence")
	case t.DeescalationCooldown <= 0:
		return NewValidationError("deescalation_cooldown", "must be positive")
	case t.DetectionWindow <= 0 || t.DistributedWindow <= 0 || t.RapidAttemptWindow <= 0:
		return NewValidationError("detection_window", "detection windows must be positive")
	}
	return nil
}

// PolicyState is the singleton, versioned defense posture record
type PolicyState struct {
	Mode              PostureMode `json:"mode" db:"mode"`
	EnteredAt         time.Time   `json:"entered_at" db:"entered_at"`
	RolloutPercentage int         `json:"rollout_percentage" db:"rollout_percentage"`
	Thresholds        Thresholds  `json:"thresholds" db:"thresholds"`
	Version           int64       `json:"version" db:"version"`
	Manual            bool        `json:"manual" db:"manual"`
	ChangedBy         string      `json:"changed_by,omitempty" db:"changed_by"`
	Reason            string      `json:"reason,omitempty" db:"reason"`
	LastQualifyingAt  *time.Time  `json:"last_qualifying_at,omitempty" db:"last_qualifying_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

// DefaultPolicyState is the state used when no record exists yet
func DefaultPolicyState(now time.Time) PolicyState {
	return PolicyState{
		Mode:              ModeNormal,
		EnteredAt:         now,
		RolloutPercentage: 100,
		Thresholds:        DefaultThresholds(),
		UpdatedAt:         now,
	}
}

// TransitionTrigger records what caused a posture change
type TransitionTrigger string

const (
	TriggerAutomatic TransitionTrigger = "automatic"
	TriggerManual    TransitionTrigger = "manual"
	TriggerCooldown  TransitionTrigger = "cooldown"
	TriggerConfigure TransitionTrigger = "configure"
)

// PolicyTransition is an audit record of a single posture change
type PolicyTransition struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	FromMode   PostureMode       `json:"from_mode" db:"from_mode"`
	ToMode     PostureMode       `json:"to_mode" db:"to_mode"`
	Version    int64             `json:"version" db:"version"`
	Trigger    TransitionTrigger `json:"trigger" db:"trigger"`
	Operator   string            `json:"operator,omitempty" db:"operator"`
	Reason     string            `json:"reason,omitempty" db:"reason"`
	OccurredAt time.Time         `json:"occurred_at" db:"occurred_at"`
}
