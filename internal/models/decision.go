package models

// DecisionOutcome is the top-level result of evaluating a registration attempt
type DecisionOutcome string

const (
	OutcomeAllowed    DecisionOutcome = "allowed"
	OutcomeChallenged DecisionOutcome = "challenged"
	OutcomeRejected   DecisionOutcome = "rejected"
)

// Machine-readable reason codes returned to callers
const (
	ReasonCaptchaRequired      = "CAPTCHA_REQUIRED"
	ReasonRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	ReasonIPBlocked            = "IP_BLOCKED"
	ReasonDomainBlocked        = "DOMAIN_BLOCKED"
	ReasonReputationBlocked    = "REPUTATION_BLOCKED"
	ReasonRegistrationDisabled = "REGISTRATION_DISABLED"
	ReasonGeoRestricted        = "GEO_RESTRICTED"
)

// Decision is the tagged result of the registration pipeline
type Decision struct {
	Outcome           DecisionOutcome `json:"outcome"`
	Reason            string          `json:"reason,omitempty"`
	RetryAfterSeconds int             `json:"retry_after_seconds,omitempty"`
	SuspicionScore    float64         `json:"-"`
	RequiresReview    bool            `json:"-"`
	AttemptID         string          `json:"-"`
}

// Allowed builds an Allowed decision
func Allowed() Decision {
	return Decision{Outcome: OutcomeAllowed}
}

// Challenged builds a Challenged(CAPTCHA_REQUIRED) decision
func Challenged() Decision {
	return Decision{Outcome: OutcomeChallenged, Reason: ReasonCaptchaRequired}
}

// Rejected builds a Rejected decision with the given reason code
func Rejected(reason string) Decision {
	return Decision{Outcome: OutcomeRejected, Reason: reason}
}

// RateLimited builds Rejected(RATE_LIMIT_EXCEEDED, retryAfterSeconds)
func RateLimited(retryAfterSeconds int) Decision {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	return Decision{Outcome: OutcomeRejected, Reason: ReasonRateLimitExceeded, RetryAfterSeconds: retryAfterSeconds}
}

// IsAllowed reports whether the decision permits the registration to proceed
func (d Decision) IsAllowed() bool {
	return d.Outcome == OutcomeAllowed
}
