package models

import (
	"time"

	"github.com/google/uuid"
)

// PendingRegistration is an allowed registration awaiting email verification
type PendingRegistration struct {
	ID          uuid.UUID  `json:"id"`
	Email       string     `json:"email"`
	TokenHash   string     `json:"-"` // Never expose token hash
	SourceIP    string     `json:"source_ip"`
	AttemptID   uuid.UUID  `json:"attempt_id"`
	NeedsReview bool       `json:"needs_review"`
	ExpiresAt   time.Time  `json:"expires_at"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsExpired checks if the verification window has passed
func (p *PendingRegistration) IsExpired() bool {
	return time.Now().After(p.ExpiresAt)
}

// IsVerified checks if the registration has already been verified
func (p *PendingRegistration) IsVerified() bool {
	return p.VerifiedAt != nil
}

// IsValid checks if the registration can still be verified
func (p *PendingRegistration) IsValid() bool {
	return !p.IsExpired() && !p.IsVerified()
}
