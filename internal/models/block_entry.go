package models

import (
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BlockSubjectType classifies what a BlockEntry matches against
type BlockSubjectType string

const (
	BlockSubjectIP     BlockSubjectType = "ip"
	BlockSubjectSubnet BlockSubjectType = "subnet"
	BlockSubjectDomain BlockSubjectType = "domain"
)

// BlockEntry blocks an IP, subnet or email domain. A nil ExpiresAt means permanent.
type BlockEntry struct {
	ID          uuid.UUID        `json:"id" db:"id"`
	Subject     string           `json:"subject" db:"subject"`
	SubjectType BlockSubjectType `json:"subject_type" db:"subject_type"`
	Reason      string           `json:"reason" db:"reason"`
	CreatedBy   string           `json:"created_by" db:"created_by"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty" db:"expires_at"`
}

// IsPermanent reports whether the entry never expires
func (b *BlockEntry) IsPermanent() bool {
	return b.ExpiresAt == nil
}

// IsExpired reports whether the entry has expired at now
func (b *BlockEntry) IsExpired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// ClassifySubject normalizes a block subject and determines its type.
// IPs and CIDRs are canonicalized; anything else must look like a domain.
func ClassifySubject(subject string) (string, BlockSubjectType, error) {
	s := strings.ToLower(strings.TrimSpace(subject))
	if s == "" {
		return "", "", NewValidationError("subject", "this field is required")
	}

	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), BlockSubjectIP, nil
	}

	if _, ipNet, err := net.ParseCIDR(s); err == nil {
		return ipNet.String(), BlockSubjectSubnet, nil
	}

	s = strings.TrimPrefix(s, "@")
	if !strings.Contains(s, ".") || strings.ContainsAny(s, " /:@") {
		return "", "", NewValidationError("subject", "must be an IP address, CIDR subnet or email domain")
	}
	return s, BlockSubjectDomain, nil
}
