package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostureMode_Ordering(t *testing.T) {
	assert.Equal(t, ModeElevated, ModeNormal.Up())
	assert.Equal(t, ModeStrict, ModeElevated.Up())
	assert.Equal(t, ModeEmergencyDisabled, ModeStrict.Up())
	assert.Equal(t, ModeEmergencyDisabled, ModeEmergencyDisabled.Up())

	assert.Equal(t, ModeStrict, ModeEmergencyDisabled.Down())
	assert.Equal(t, ModeNormal, ModeNormal.Down())

	assert.True(t, ModeStrict.AtLeast(ModeElevated))
	assert.False(t, ModeNormal.AtLeast(ModeElevated))
}

func TestParsePostureMode(t *testing.T) {
	m, err := ParsePostureMode(" Strict ")
	require.NoError(t, err)
	assert.Equal(t, ModeStrict, m)

	_, err = ParsePostureMode("lockdown")
	assert.True(t, IsValidationError(err))
}

func TestThresholds_Validate(t *testing.T) {
	require.NoError(t, DefaultThresholds().Validate())

	tests := []struct {
		name   string
		mutate func(*Thresholds)
		field  string
	}{
		{"challenge above block", func(th *Thresholds) { th.ChallengeThreshold = 0.9 }, "challenge_threshold"},
		{"extreme below distributed", func(th *Thresholds) { th.ExtremeThreshold = 50 }, "extreme_threshold"},
		{"floor above escalation", func(th *Thresholds) { th.DeescalationConfidenceFloor = 0.5 }, "deescalation_confidence_floor"},
		{"zero ip limit", func(th *Thresholds) { th.IPLimit = 0 }, "limits"},
		{"strict factor out of range", func(th *Thresholds) { th.StrictLimitFactor = 2 }, "strict_limit_factor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := DefaultThresholds()
			tt.mutate(&th)
			err := th.Validate()
			require.Error(t, err)
			ve, ok := err.(*ValidationError)
			require.True(t, ok)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestClassifySubject(t *testing.T) {
	tests := []struct {
		in      string
		subject string
		kind    BlockSubjectType
		wantErr bool
	}{
		{"203.0.113.5", "203.0.113.5", BlockSubjectIP, false},
		{"203.0.113.7/24", "203.0.113.0/24", BlockSubjectSubnet, false},
		{"@Mailinator.com", "mailinator.com", BlockSubjectDomain, false},
		{"", "", "", true},
		{"not a domain", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			subject, kind, err := ClassifySubject(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.subject, subject)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestRateLimitedDecision_MinimumRetryAfter(t *testing.T) {
	d := RateLimited(0)
	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, ReasonRateLimitExceeded, d.Reason)
	assert.Equal(t, 1, d.RetryAfterSeconds)
}
