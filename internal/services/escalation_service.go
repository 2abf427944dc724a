package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/events"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	"github.com/google/uuid"
)

const (
	maxTransitionAttempts = 3
	auditWriteTimeout     = 2 * time.Second
)

// EscalationMetrics is the subset of metrics used by the escalation controller
type EscalationMetrics interface {
	SetPostureLevel(level int)
	IncrementPostureTransition(to, trigger string)
	IncrementPolicyConflicts()
}

// AlertPublisher publishes operator alerts
type AlertPublisher interface {
	PublishAlert(alert *events.Alert) error
}

// PostureAuditor records posture transitions
type PostureAuditor interface {
	LogPostureChange(ctx context.Context, t *models.PolicyTransition) error
}

// RegistrationPurger removes unverified pending registrations
type RegistrationPurger interface {
	PurgeUnverified(ctx context.Context) (int64, error)
}

// EscalationConfig configures the EscalationService
type EscalationConfig struct {
	CacheTTL         time.Duration
	PurgeOnEmergency bool
	AlertRecipients  []string
}

// EscalationSignal carries the inputs of one controller evaluation
type EscalationSignal struct {
	Detection      Detection
	GlobalExceeded bool
}

// EscalationService is the posture state machine. Every transition is an optimistic
// compare-and-swap against the PolicyStore; a stale write is retried with fresh state.
type EscalationService struct {
	store   repositories.PolicyStore
	alerts  AlertPublisher
	email   EmailService
	purger  RegistrationPurger
	audit   PostureAuditor
	metrics EscalationMetrics
	cfg     EscalationConfig
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	cached   *models.PolicyState
	cachedAt time.Time

	effects sync.WaitGroup
}

// NewEscalationService creates a new EscalationService
func NewEscalationService(
	store repositories.PolicyStore,
	alerts AlertPublisher,
	email EmailService,
	purger RegistrationPurger,
	audit PostureAuditor,
	metrics EscalationMetrics,
	cfg EscalationConfig,
	logger *slog.Logger,
) *EscalationService {
	return &EscalationService{
		store:   store,
		alerts:  alerts,
		email:   email,
		purger:  purger,
		audit:   audit,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the time source
func (s *EscalationService) WithClock(now func() time.Time) *EscalationService {
	s.now = now
	return s
}

// Current returns the policy state, served from a short-lived local snapshot.
// If the store is unreachable a previously cached state is returned.
func (s *EscalationService) Current(ctx context.Context) (*models.PolicyState, error) {
	now := s.now()

	s.mu.RLock()
	cached, cachedAt := s.cached, s.cachedAt
	s.mu.RUnlock()
	if cached != nil && now.Sub(cachedAt) < s.cfg.CacheTTL {
		return cached, nil
	}

	state, err := s.store.Get(ctx)
	if err != nil {
		if cached != nil {
			s.logger.Warn("policy store unavailable, using cached policy state",
				slog.Int64("version", cached.Version),
				slog.Any("error", err))
			return cached, nil
		}
		return nil, fmt.Errorf("%w: failed to load policy state: %v", models.ErrDependencyUnavailable, err)
	}

	s.setCached(state)
	return state, nil
}

// Refresh bypasses the local snapshot
func (s *EscalationService) Refresh(ctx context.Context) (*models.PolicyState, error) {
	state, err := s.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy state: %w", err)
	}
	s.setCached(state)
	return state, nil
}

func (s *EscalationService) setCached(state *models.PolicyState) {
	s.mu.Lock()
	if s.cached == nil || state.Version >= s.cached.Version {
		s.cached = state
		s.cachedAt = s.now()
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetPostureLevel(state.Mode.Level())
	}
}

// decideFunc derives the next state from cur. Returning a nil state means no write is needed;
// a nil transition means the write does not change posture.
type decideFunc func(cur *models.PolicyState) (*models.PolicyState, *models.PolicyTransition, error)

// transition applies decide with optimistic concurrency. The first attempt decides on the
// local snapshot; a version conflict is retried with state read fresh from the store.
func (s *EscalationService) transition(ctx context.Context, decide decideFunc) (*models.PolicyState, *models.PolicyTransition, error) {
	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		var cur *models.PolicyState
		var err error
		if attempt == 1 {
			cur, err = s.Current(ctx)
		} else {
			cur, err = s.Refresh(ctx)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: failed to load policy state: %v", models.ErrDependencyUnavailable, err)
		}

		next, t, err := decide(cur)
		if err != nil {
			return nil, nil, err
		}
		if next == nil {
			return cur, nil, nil
		}

		saved, err := s.store.CompareAndSwap(ctx, cur.Version, next, t)
		if errors.Is(err, models.ErrConcurrencyConflict) {
			if s.metrics != nil {
				s.metrics.IncrementPolicyConflicts()
			}
			s.logger.Info("policy state changed concurrently, retrying",
				slog.Int64("version", cur.Version),
				slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: failed to write policy state: %v", models.ErrDependencyUnavailable, err)
		}

		s.setCached(saved)
		if t != nil {
			s.afterTransition(ctx, saved, t)
		}
		return saved, t, nil
	}

	return nil, nil, fmt.Errorf("%w: policy state transition conflicted %d times", models.ErrDependencyUnavailable, maxTransitionAttempts)
}

func newTransition(from, to models.PostureMode, trigger models.TransitionTrigger, operator, reason string, at time.Time) *models.PolicyTransition {
	return &models.PolicyTransition{
		ID:         uuid.New(),
		FromMode:   from,
		ToMode:     to,
		Trigger:    trigger,
		Operator:   operator,
		Reason:     reason,
		OccurredAt: at,
	}
}

// Evaluate runs the automatic controller. Escalation moves one level per write and may
// apply several consecutive levels in a single evaluation; de-escalation moves at most one level.
func (s *EscalationService) Evaluate(ctx context.Context, sig EscalationSignal) (*models.PolicyState, error) {
	now := s.now()
	confidence := sig.Detection.MaxConfidence()

	var state *models.PolicyState
	for step := 0; step <= models.ModeEmergencyDisabled.Level(); step++ {
		saved, t, err := s.transition(ctx, func(cur *models.PolicyState) (*models.PolicyState, *models.PolicyTransition, error) {
			next, t := decideAutomatic(cur, sig, confidence, now)
			return next, t, nil
		})
		if err != nil {
			return nil, err
		}
		state = saved
		if t == nil || t.Trigger == models.TriggerCooldown {
			break
		}
	}
	return state, nil
}

// decideAutomatic is the pure transition function of the controller
func decideAutomatic(cur *models.PolicyState, sig EscalationSignal, confidence float64, now time.Time) (*models.PolicyState, *models.PolicyTransition) {
	th := cur.Thresholds
	next := *cur
	touched := false

	if confidence >= th.DeescalationConfidenceFloor && (cur.LastQualifyingAt == nil || cur.LastQualifyingAt.Before(now)) {
		qualifying := now
		next.LastQualifyingAt = &qualifying
		touched = true
	}

	if cur.Manual {
		if !touched {
			return nil, nil
		}
		next.UpdatedAt = now
		return &next, nil
	}

	uniqueIPs := sig.Detection.UniqueIPs
	target := cur.Mode
	var reason string

	switch cur.Mode {
	case models.ModeNormal:
		switch {
		case confidence >= th.EscalationConfidence:
			target, reason = models.ModeElevated, fmt.Sprintf("attack pattern confidence %.2f", confidence)
		case sig.GlobalExceeded:
			target, reason = models.ModeElevated, "global attempt rate exceeded"
		case uniqueIPs > th.DistributedThreshold:
			target, reason = models.ModeElevated, fmt.Sprintf("%d distinct source IPs", uniqueIPs)
		}
	case models.ModeElevated:
		switch {
		case uniqueIPs > th.DistributedThreshold:
			target, reason = models.ModeStrict, fmt.Sprintf("distributed attack from %d distinct source IPs", uniqueIPs)
		case confidence >= th.EscalationConfidence && now.Sub(cur.EnteredAt) >= th.ElevatedMaxDuration:
			target, reason = models.ModeStrict, "elevated posture did not contain the attack"
		}
	case models.ModeStrict:
		if uniqueIPs > th.ExtremeThreshold {
			target, reason = models.ModeEmergencyDisabled, fmt.Sprintf("extreme distributed attack from %d distinct source IPs", uniqueIPs)
		}
	}

	if target != cur.Mode {
		next.Mode = target
		next.EnteredAt = now
		next.ChangedBy = models.SystemActor
		next.Reason = reason
		next.UpdatedAt = now
		return &next, newTransition(cur.Mode, target, models.TriggerAutomatic, "", reason, now)
	}

	if cur.Mode != models.ModeNormal {
		quietSince := cur.EnteredAt
		if next.LastQualifyingAt != nil && next.LastQualifyingAt.After(quietSince) {
			quietSince = *next.LastQualifyingAt
		}
		if now.Sub(quietSince) >= th.DeescalationCooldown {
			target = cur.Mode.Down()
			reason = fmt.Sprintf("no qualifying attack pattern for %s", th.DeescalationCooldown)
			next.Mode = target
			next.EnteredAt = now
			next.ChangedBy = models.SystemActor
			next.Reason = reason
			next.UpdatedAt = now
			return &next, newTransition(cur.Mode, target, models.TriggerCooldown, "", reason, now)
		}
	}

	if touched {
		next.UpdatedAt = now
		return &next, nil
	}
	return nil, nil
}

// EmergencyDisable forces EmergencyDisabled. The override is sticky until ResumeAutomatic.
func (s *EscalationService) EmergencyDisable(ctx context.Context, operator, reason string) (*models.PolicyState, error) {
	return s.forceMode(ctx, models.ModeEmergencyDisabled, operator, reason)
}

// ForceNormal forces Normal. The override is sticky until ResumeAutomatic.
func (s *EscalationService) ForceNormal(ctx context.Context, operator, reason string) (*models.PolicyState, error) {
	return s.forceMode(ctx, models.ModeNormal, operator, reason)
}

func (s *EscalationService) forceMode(ctx context.Context, mode models.PostureMode, operator, reason string) (*models.PolicyState, error) {
	if err := requireOperator(operator, reason); err != nil {
		return nil, err
	}

	now := s.now()
	state, _, err := s.transition(ctx, func(cur *models.PolicyState) (*models.PolicyState, *models.PolicyTransition, error) {
		if cur.Mode == mode && cur.Manual {
			return nil, nil, nil
		}
		next := *cur
		next.Mode = mode
		next.Manual = true
		next.ChangedBy = operator
		next.Reason = reason
		next.UpdatedAt = now
		if cur.Mode != mode {
			next.EnteredAt = now
		}
		return &next, newTransition(cur.Mode, mode, models.TriggerManual, operator, reason, now), nil
	})
	return state, err
}

// ResumeAutomatic clears a manual override. The cool-down restarts from now.
func (s *EscalationService) ResumeAutomatic(ctx context.Context, operator, reason string) (*models.PolicyState, error) {
	if err := requireOperator(operator, "resume"); err != nil {
		return nil, err
	}

	now := s.now()
	state, _, err := s.transition(ctx, func(cur *models.PolicyState) (*models.PolicyState, *models.PolicyTransition, error) {
		if !cur.Manual {
			return nil, nil, nil
		}
		next := *cur
		next.Manual = false
		next.EnteredAt = now
		next.ChangedBy = operator
		next.Reason = reason
		next.UpdatedAt = now
		return &next, newTransition(cur.Mode, cur.Mode, models.TriggerManual, operator, "resume automatic: "+reason, now), nil
	})
	return state, err
}

// Configure replaces thresholds and/or the rollout percentage without changing mode.
// Nil arguments leave the current value in place.
func (s *EscalationService) Configure(ctx context.Context, thresholds *models.Thresholds, rolloutPercentage *int, operator string) (*models.PolicyState, error) {
	if thresholds == nil && rolloutPercentage == nil {
		return nil, models.NewValidationError("thresholds", "thresholds or rollout_percentage is required")
	}
	if thresholds != nil {
		if err := thresholds.Validate(); err != nil {
			return nil, err
		}
	}
	if rolloutPercentage != nil && (*rolloutPercentage < 0 || *rolloutPercentage > 100) {
		return nil, models.NewValidationError("rollout_percentage", "must be between 0 and 100")
	}

	now := s.now()
	state, _, err := s.transition(ctx, func(cur *models.PolicyState) (*models.PolicyState, *models.PolicyTransition, error) {
		next := *cur
		if thresholds != nil {
			next.Thresholds = *thresholds
		}
		if rolloutPercentage != nil {
			next.RolloutPercentage = *rolloutPercentage
		}
		next.UpdatedAt = now
		return &next, newTransition(cur.Mode, cur.Mode, models.TriggerConfigure, operator, "thresholds updated", now), nil
	})
	return state, err
}

// ListTransitions returns recorded transitions in [from, to), newest first
func (s *EscalationService) ListTransitions(ctx context.Context, from, to time.Time, limit int) ([]*models.PolicyTransition, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	transitions, err := s.store.ListTransitions(ctx, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy transitions: %w", err)
	}
	return transitions, nil
}

func requireOperator(operator, reason string) error {
	if strings.TrimSpace(operator) == "" {
		return models.NewValidationError("operator", "operator identity is required")
	}
	if strings.TrimSpace(reason) == "" {
		return models.NewValidationError("reason", "this field is required")
	}
	return nil
}

func (s *EscalationService) afterTransition(ctx context.Context, state *models.PolicyState, t *models.PolicyTransition) {
	if s.metrics != nil {
		s.metrics.IncrementPostureTransition(string(t.ToMode), string(t.Trigger))
	}
	if s.audit != nil {
		// the transition is committed, so its audit row outlives the caller
		auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
		_ = s.audit.LogPostureChange(auditCtx, t)
		cancel()
	}

	if t.FromMode != t.ToMode {
		s.logger.Warn("defense posture changed",
			slog.String("from_mode", string(t.FromMode)),
			slog.String("to_mode", string(t.ToMode)),
			slog.Int64("version", state.Version),
			slog.String("trigger", string(t.Trigger)),
			slog.String("reason", t.Reason))
	}

	if t.ToMode == models.ModeEmergencyDisabled && t.FromMode != models.ModeEmergencyDisabled {
		s.effects.Add(1)
		go func() {
			defer s.effects.Done()
			s.onEmergency(*state, *t)
		}()
	}
}

// onEmergency raises operator alerts and optionally purges unverified registrations
func (s *EscalationService) onEmergency(state models.PolicyState, t models.PolicyTransition) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	title := "Registration disabled"
	detail := fmt.Sprintf("Registration posture moved from %s to %s (version %d, trigger %s). Reason: %s",
		t.FromMode, t.ToMode, state.Version, t.Trigger, t.Reason)
	if t.Operator != "" {
		detail += fmt.Sprintf(". Operator: %s", t.Operator)
	}

	s.logger.Error("ALERT: registration emergency disabled",
		slog.Int64("version", state.Version),
		slog.String("trigger", string(t.Trigger)),
		slog.String("reason", t.Reason))

	if s.alerts != nil {
		if err := s.alerts.PublishAlert(&events.Alert{
			Severity:   "critical",
			Title:      title,
			Detail:     detail,
			Mode:       t.ToMode,
			Version:    state.Version,
			OccurredAt: t.OccurredAt,
		}); err != nil {
			s.logger.Warn("failed to publish alert", slog.Any("error", err))
		}
	}

	if s.email != nil && len(s.cfg.AlertRecipients) > 0 {
		if err := s.email.SendOperatorAlert(ctx, s.cfg.AlertRecipients, title, detail); err != nil {
			s.logger.Warn("failed to email operators", slog.Any("error", err))
		}
	}

	if s.cfg.PurgeOnEmergency && s.purger != nil {
		if _, err := s.purger.PurgeUnverified(ctx); err != nil {
			s.logger.Error("failed to purge unverified registrations", slog.Any("error", err))
		}
	}
}

// WaitForEffects blocks until background transition effects have finished
func (s *EscalationService) WaitForEffects() {
	s.effects.Wait()
}
