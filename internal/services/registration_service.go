package services

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/pkg/logger"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// PolicyReader provides the current defense posture
type PolicyReader interface {
	Current(ctx context.Context) (*models.PolicyState, error)
}

// PostureController re-evaluates the defense posture
type PostureController interface {
	Evaluate(ctx context.Context, sig EscalationSignal) (*models.PolicyState, error)
}

// BlockMatcher matches attempts against the blocklist
type BlockMatcher interface {
	Match(ip, email string) *BlockMatch
}

// AttemptRateLimiter throttles attempts and counts them globally
type AttemptRateLimiter interface {
	CheckAttempt(ctx context.Context, ip, email string, state *models.PolicyState) (RateLimitResult, RateLimitScope, error)
	RecordGlobal(ctx context.Context, th models.Thresholds) (GlobalSignal, error)
}

// ReputationEvaluator scores attempts
type ReputationEvaluator interface {
	Evaluate(ctx context.Context, ip, email, fingerprint string) models.ReputationResult
	IsRestrictedCountry(country string) bool
}

// AttemptAnalyzer records attempts and detects attack patterns
type AttemptAnalyzer interface {
	Record(a *models.Attempt)
	Detect(ctx context.Context, th models.Thresholds, trigger *models.Attempt) Detection
	MatchesRecentSignature(ip, email string) bool
}

// AttemptRecorder persists attempts
type AttemptRecorder interface {
	Enqueue(a *models.Attempt) bool
}

// PendingCreator creates pending registrations for allowed attempts
type PendingCreator interface {
	Create(ctx context.Context, email, sourceIP string, attemptID uuid.UUID, needsReview bool) (*models.PendingRegistration, error)
}

// DecisionAuditor writes decisions to the audit stream
type DecisionAuditor interface {
	LogRegistrationDecision(ctx context.Context, attempt *models.Attempt, decision models.Decision, mode models.PostureMode)
}

// DecisionMetrics records decision outcomes
type DecisionMetrics interface {
	ObserveDecision(outcome, reason string, seconds float64)
}

// AttemptRequest is a single registration attempt
type AttemptRequest struct {
	IP           string
	Email        string
	Fingerprint  string
	CaptchaToken string
}

// defaultPostureTimeout bounds posture reads and controller writes on the request path
const defaultPostureTimeout = 500 * time.Millisecond

// RegistrationService orchestrates the registration decision pipeline: posture, blocklist,
// rate limits, reputation, then recording and detection. Cheap global checks run before
// per-request external calls.
type RegistrationService struct {
	policy       PolicyReader
	controller   PostureController
	blocklist    BlockMatcher
	limiter      AttemptRateLimiter
	reputation   ReputationEvaluator
	captcha      CaptchaVerifier
	analyzer     AttemptAnalyzer
	recorder     AttemptRecorder
	pending      PendingCreator
	auditor      DecisionAuditor
	metrics      DecisionMetrics
	logger       *slog.Logger
	failClosedRA int
	postureTTL   time.Duration
	now          func() time.Time
}

// RegistrationDeps groups the collaborators of RegistrationService
type RegistrationDeps struct {
	Policy     PolicyReader
	Controller PostureController
	Blocklist  BlockMatcher
	Limiter    AttemptRateLimiter
	Reputation ReputationEvaluator
	Captcha    CaptchaVerifier
	Analyzer   AttemptAnalyzer
	Recorder   AttemptRecorder
	Pending    PendingCreator
	Auditor    DecisionAuditor
	Metrics    DecisionMetrics
}

// NewRegistrationService creates a new RegistrationService
func NewRegistrationService(deps RegistrationDeps, failClosedRetryAfter time.Duration, logger *slog.Logger) *RegistrationService {
	return &RegistrationService{
		policy:       deps.Policy,
		controller:   deps.Controller,
		blocklist:    deps.Blocklist,
		limiter:      deps.Limiter,
		reputation:   deps.Reputation,
		captcha:      deps.Captcha,
		analyzer:     deps.Analyzer,
		recorder:     deps.Recorder,
		pending:      deps.Pending,
		auditor:      deps.Auditor,
		metrics:      deps.Metrics,
		logger:       logger,
		failClosedRA: retryAfterSeconds(failClosedRetryAfter),
		postureTTL:   defaultPostureTimeout,
		now:          time.Now,
	}
}

// WithClock overrides the time source
func (s *RegistrationService) WithClock(now func() time.Time) *RegistrationService {
	s.now = now
	return s
}

// WithPostureTimeout overrides the bound on posture store calls made while
// deciding an attempt
func (s *RegistrationService) WithPostureTimeout(d time.Duration) *RegistrationService {
	if d > 0 {
		s.postureTTL = d
	}
	return s
}

// Evaluate decides whether an attempt is allowed, challenged or rejected.
// Expected rejections are returned as decisions; errors are reserved for malformed
// input and internal failures.
func (s *RegistrationService) Evaluate(ctx context.Context, req AttemptRequest) (models.Decision, error) {
	start := s.now()

	ip, email, err := normalizeAttempt(req)
	if err != nil {
		return models.Decision{}, err
	}

	policyCtx, cancel := context.WithTimeout(ctx, s.postureTTL)
	state, err := s.policy.Current(policyCtx)
	cancel()
	if err != nil {
		s.logger.Error("policy state unavailable, failing closed",
			slog.String("ip_address", ip),
			slog.Any("error", err))
		return s.finish(ctx, start, nil, models.RateLimited(s.failClosedRA), models.ModeNormal), nil
	}

	// 1. posture
	if state.Mode == models.ModeEmergencyDisabled {
		return s.finish(ctx, start, nil, models.Rejected(models.ReasonRegistrationDisabled), state.Mode), nil
	}

	attempt := &models.Attempt{
		ID:            uuid.New(),
		Timestamp:     start,
		SourceIP:      ip,
		Email:         email,
		FingerprintID: strings.TrimSpace(req.Fingerprint),
	}

	// 2. blocklist
	if match := s.blocklist.Match(ip, email); match != nil {
		return s.reject(ctx, start, attempt, state, models.Rejected(match.Reason)), nil
	}

	// 3. rate limits
	rl, scope, err := s.limiter.CheckAttempt(ctx, ip, email, state)
	if err != nil {
		if models.IsValidationError(err) {
			return models.Decision{}, err
		}
		s.logger.Error("counter store unavailable, failing closed",
			slog.String("ip_address", ip),
			slog.String("scope", string(scope)),
			slog.Any("error", err))
		return s.reject(ctx, start, attempt, state, models.RateLimited(s.failClosedRA)), nil
	}
	if !rl.Allowed {
		return s.reject(ctx, start, attempt, state, models.RateLimited(rl.RetryAfterSeconds)), nil
	}

	// 4. reputation
	rep := s.reputation.Evaluate(ctx, ip, email, attempt.FingerprintID)
	attempt.SuspicionScore = rep.SuspicionScore
	th := state.Thresholds

	if rep.SuspicionScore >= th.BlockThreshold {
		return s.reject(ctx, start, attempt, state, models.Rejected(models.ReasonReputationBlocked)), nil
	}
	if s.reputation.IsRestrictedCountry(rep.Signals.Country) {
		return s.reject(ctx, start, attempt, state, models.Rejected(models.ReasonGeoRestricted)), nil
	}

	attempt.Outcome = models.AttemptAllowed
	if s.challengeRequired(rep, state, ip) {
		attempt.Outcome = models.AttemptChallenged
		if !s.captchaPassed(ctx, req.CaptchaToken, ip) {
			decision := models.Challenged()
			decision.SuspicionScore = rep.SuspicionScore
			attempt.Reason = models.ReasonCaptchaRequired
			s.record(ctx, attempt, state)
			return s.finish(ctx, start, attempt, decision, state.Mode), nil
		}
	}

	// 5. record, detect, escalate
	s.record(ctx, attempt, state)

	// 6. allowed
	decision := models.Allowed()
	decision.SuspicionScore = rep.SuspicionScore
	decision.AttemptID = attempt.ID.String()
	decision.RequiresReview = state.Mode.AtLeast(models.ModeStrict) && s.analyzer.MatchesRecentSignature(ip, email)

	if s.pending != nil {
		if _, err := s.pending.Create(ctx, email, ip, attempt.ID, decision.RequiresReview); err != nil {
			s.logger.Error("failed to create pending registration",
				slog.String("attempt_id", attempt.ID.String()),
				slog.Any("error", err))
			return models.Decision{}, models.ErrInternalServer
		}
	}

	return s.finish(ctx, start, attempt, decision, state.Mode), nil
}

func normalizeAttempt(req AttemptRequest) (string, string, error) {
	parsed := net.ParseIP(strings.TrimSpace(req.IP))
	if parsed == nil {
		return "", "", models.NewValidationError("ip", "must be a valid IP address")
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", models.NewValidationError("email", "must be a valid email address")
	}

	return parsed.String(), email, nil
}

// challengeRequired applies the suspicion threshold, the feed-unavailable fallback and the
// posture-driven mandatory CAPTCHA for the rolled-out share of source IPs
func (s *RegistrationService) challengeRequired(rep models.ReputationResult, state *models.PolicyState, ip string) bool {
	if rep.SuspicionScore >= state.Thresholds.ChallengeThreshold || rep.Signals.FeedUnavailable {
		return true
	}
	return state.Mode.AtLeast(models.ModeElevated) && InRollout(ip, state.RolloutPercentage)
}

// InRollout reports whether subject falls into the first percentage of 100 stable buckets
func InRollout(subject string, percentage int) bool {
	if percentage >= 100 {
		return true
	}
	if percentage <= 0 {
		return false
	}
	return int(murmur3.Sum32([]byte(subject))%100) < percentage
}

func (s *RegistrationService) captchaPassed(ctx context.Context, token, ip string) bool {
	if strings.TrimSpace(token) == "" || s.captcha == nil {
		return false
	}

	ok, err := s.captcha.Verify(ctx, token, ip)
	if err != nil {
		s.logger.Warn("captcha verification unavailable",
			slog.String("ip_address", ip),
			slog.Any("error", err))
		return false
	}
	return ok
}

func (s *RegistrationService) reject(ctx context.Context, start time.Time, attempt *models.Attempt, state *models.PolicyState, decision models.Decision) models.Decision {
	attempt.Outcome = models.AttemptBlocked
	attempt.Reason = decision.Reason
	decision.SuspicionScore = attempt.SuspicionScore
	s.record(ctx, attempt, state)
	return s.finish(ctx, start, attempt, decision, state.Mode)
}

// record appends the attempt to history and persistence, then runs detection and the
// controller. Failures here never change the decision already made.
func (s *RegistrationService) record(ctx context.Context, attempt *models.Attempt, state *models.PolicyState) {
	s.analyzer.Record(attempt)
	if s.recorder != nil {
		s.recorder.Enqueue(attempt)
	}

	var sig EscalationSignal
	global, err := s.limiter.RecordGlobal(ctx, state.Thresholds)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to record global attempt rate", slog.Any("error", err))
	}
	sig.GlobalExceeded = global.LimitExceeded
	sig.Detection = s.analyzer.Detect(ctx, state.Thresholds, attempt)

	if s.controller == nil {
		return
	}
	evalCtx, cancel := context.WithTimeout(ctx, s.postureTTL)
	defer cancel()
	if _, err := s.controller.Evaluate(evalCtx, sig); err != nil {
		s.logger.Error("posture evaluation failed", slog.Any("error", err))
	}
}

func (s *RegistrationService) finish(ctx context.Context, start time.Time, attempt *models.Attempt, decision models.Decision, mode models.PostureMode) models.Decision {
	if attempt != nil && decision.AttemptID == "" {
		decision.AttemptID = attempt.ID.String()
	}

	if s.metrics != nil {
		s.metrics.ObserveDecision(string(decision.Outcome), decision.Reason, s.now().Sub(start).Seconds())
	}
	if s.auditor != nil {
		s.auditor.LogRegistrationDecision(ctx, attempt, decision, mode)
	}

	if decision.Outcome == models.OutcomeRejected && attempt != nil {
		s.logger.Info("registration rejected",
			slog.String("reason", decision.Reason),
			slog.String("ip_address", attempt.SourceIP),
			slog.String("email", logger.SanitizedEmail(attempt.Email)))
	}

	return decision
}
