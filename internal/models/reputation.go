package models

import "time"

// ReputationEntry is a cached IP reputation lookup
type ReputationEntry struct {
	Subject    string    `json:"subject"`
	Score      float64   `json:"score"` // 1.0 = clean, 0.0 = known bad
	IsVPN      bool      `json:"is_vpn"`
	IsProxy    bool      `json:"is_proxy"`
	Country    string    `json:"country,omitempty"`
	Source     string    `json:"source"`
	ComputedAt time.Time `json:"computed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired reports whether the cached entry is stale at now
func (e *ReputationEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// ReputationSignals are the individual inputs to a suspicion score
type ReputationSignals struct {
	IsDisposableEmail  bool    `json:"is_disposable_email"`
	IsVPNOrProxy       bool    `json:"is_vpn_or_proxy"`
	IPReputationScore  float64 `json:"ip_reputation_score"`
	IsKnownBadSubnet   bool    `json:"is_known_bad_subnet"`
	MissingFingerprint bool    `json:"missing_fingerprint"`
	FeedUnavailable    bool    `json:"feed_unavailable"`
	Country            string  `json:"country,omitempty"`
}

// ReputationResult is the output of the Reputation Evaluator
type ReputationResult struct {
	SuspicionScore float64           `json:"suspicion_score"`
	Signals        ReputationSignals `json:"signals"`
}

// ReputationWeights are the configured contributions of each signal to the suspicion score
type ReputationWeights struct {
	DisposableEmail    float64 `json:"disposable_email"`
	KnownBadSubnet     float64 `json:"known_bad_subnet"`
	VPNOrProxy         float64 `json:"vpn_or_proxy"`
	LowIPReputation    float64 `json:"low_ip_reputation"` // scaled by (1 - ipReputationScore)
	MissingFingerprint float64 `json:"missing_fingerprint"`
	FeedUnavailable    float64 `json:"feed_unavailable"`
}
