package services

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
)

// RateLimitScope namespaces counters
type RateLimitScope string

const (
	ScopeIP     RateLimitScope = "ip"
	ScopeEmail  RateLimitScope = "email"
	ScopeGlobal RateLimitScope = "global"
	ScopeRapid  RateLimitScope = "rapid"
)

// RateLimitResult is the outcome of a single check-and-consume
type RateLimitResult struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

// GlobalSignal is the aggregate attempt rate observed by the global scopes
type GlobalSignal struct {
	WindowCount   int64
	WindowLimit   int
	RapidCount    int64
	RapidLimit    int
	LimitExceeded bool
}

// RateLimitMetrics is the subset of metrics used by the rate limiter
type RateLimitMetrics interface {
	IncrementRateLimitRejection(scope string)
	IncrementCounterStoreErrors()
}

// RateLimitService implements sliding-window throttling on top of a CounterStore
type RateLimitService struct {
	store   repositories.CounterStore
	metrics RateLimitMetrics
	logger  *slog.Logger
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(store repositories.CounterStore, metrics RateLimitMetrics, logger *slog.Logger) *RateLimitService {
	return &RateLimitService{
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

func counterKey(scope RateLimitScope, key string) string {
	return string(scope) + ":" + strings.ToLower(key)
}

// CheckAndConsume consumes one unit for key and reports whether it was within limit.
// The increment is the only store operation, so concurrent callers cannot both pass on the last unit.
// Store failures are returned wrapped in models.ErrDependencyUnavailable.
func (s *RateLimitService) CheckAndConsume(ctx context.Context, scope RateLimitScope, key string, limit int, window time.Duration) (RateLimitResult, error) {
	res, err := s.store.Increment(ctx, counterKey(scope, key), window)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncrementCounterStoreErrors()
		}
		if !errors.Is(err, models.ErrDependencyUnavailable) && !models.IsValidationError(err) {
			err = errors.Join(models.ErrDependencyUnavailable, err)
		}
		return RateLimitResult{}, err
	}

	if res.Count > int64(limit) {
		if s.metrics != nil {
			s.metrics.IncrementRateLimitRejection(string(scope))
		}
		return RateLimitResult{
			Allowed:           false,
			Remaining:         0,
			RetryAfterSeconds: retryAfterSeconds(res.WindowRemaining),
		}, nil
	}

	return RateLimitResult{
		Allowed:   true,
		Remaining: limit - int(res.Count),
	}, nil
}

// CheckAttempt applies the per-IP then per-email limits for an attempt. The first
// exceeded scope wins and later scopes are not consumed. In Strict posture limits
// are scaled by the strict limit factor.
func (s *RateLimitService) CheckAttempt(ctx context.Context, ip, email string, state *models.PolicyState) (RateLimitResult, RateLimitScope, error) {
	th := state.Thresholds

	res, err := s.CheckAndConsume(ctx, ScopeIP, ip, effectiveLimit(th.IPLimit, state), th.IPWindow)
	if err != nil || !res.Allowed {
		if err == nil {
			s.logger.Warn("registration rate limited",
				slog.String("scope", string(ScopeIP)),
				slog.String("ip_address", ip),
				slog.Int("retry_after_seconds", res.RetryAfterSeconds))
		}
		return res, ScopeIP, err
	}

	res, err = s.CheckAndConsume(ctx, ScopeEmail, email, effectiveLimit(th.EmailLimit, state), th.EmailWindow)
	if err == nil && !res.Allowed {
		s.logger.Warn("registration rate limited",
			slog.String("scope", string(ScopeEmail)),
			slog.String("ip_address", ip),
			slog.Int("retry_after_seconds", res.RetryAfterSeconds))
	}
	return res, ScopeEmail, err
}

// RecordGlobal counts an attempt against the global scopes used for aggregate monitoring.
// Global scopes never reject an attempt.
func (s *RateLimitService) RecordGlobal(ctx context.Context, th models.Thresholds) (GlobalSignal, error) {
	hourly, err := s.store.Increment(ctx, counterKey(ScopeGlobal, "all"), th.GlobalWindow)
	if err != nil {
		return GlobalSignal{}, err
	}

	rapid, err := s.store.Increment(ctx, counterKey(ScopeRapid, "all"), th.RapidAttemptWindow)
	if err != nil {
		return GlobalSignal{}, err
	}

	return GlobalSignal{
		WindowCount:   hourly.Count,
		WindowLimit:   th.GlobalLimit,
		RapidCount:    rapid.Count,
		RapidLimit:    th.RapidAttemptLimit,
		LimitExceeded: hourly.Count > int64(th.GlobalLimit) || rapid.Count > int64(th.RapidAttemptLimit),
	}, nil
}

// PeekGlobal reads the global scopes without consuming
func (s *RateLimitService) PeekGlobal(ctx context.Context, th models.Thresholds) (GlobalSignal, error) {
	hourly, err := s.store.Peek(ctx, counterKey(ScopeGlobal, "all"))
	if err != nil {
		return GlobalSignal{}, err
	}
	rapid, err := s.store.Peek(ctx, counterKey(ScopeRapid, "all"))
	if err != nil {
		return GlobalSignal{}, err
	}

	return GlobalSignal{
		WindowCount:   hourly,
		WindowLimit:   th.GlobalLimit,
		RapidCount:    rapid,
		RapidLimit:    th.RapidAttemptLimit,
		LimitExceeded: hourly > int64(th.GlobalLimit) || rapid > int64(th.RapidAttemptLimit),
	}, nil
}

// Reset clears a scope's counter, e.g. after an operator unblocks a subject
func (s *RateLimitService) Reset(ctx context.Context, scope RateLimitScope, key string) error {
	return s.store.Reset(ctx, counterKey(scope, key))
}

func effectiveLimit(limit int, state *models.PolicyState) int {
	if !state.Mode.AtLeast(models.ModeStrict) {
		return limit
	}
	scaled := int(math.Floor(float64(limit) * state.Thresholds.StrictLimitFactor))
	if scaled < 1 {
		return 1
	}
	return scaled
}

func retryAfterSeconds(remaining time.Duration) int {
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
