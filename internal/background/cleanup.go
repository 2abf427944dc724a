package background

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
)

// CounterSweeper drops expired in-process counters. The Redis store expires keys itself.
type CounterSweeper interface {
	Sweep(now time.Time) int
}

// BlockSweeper removes expired block entries from the store and the snapshot
type BlockSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// DetectorSweeper prunes in-memory history and signatures, deletes old persisted
// patterns and re-runs detection without a triggering attempt
type DetectorSweeper interface {
	Prune(now time.Time) (attempts int, signatures int)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Detect(ctx context.Context, th models.Thresholds, trigger *models.Attempt) services.Detection
}

// RetentionPurger deletes persisted rows older than cutoff
type RetentionPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PendingSweeper deletes expired unverified registrations
type PendingSweeper interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// ReputationSweeper evicts expired reputation cache entries
type ReputationSweeper interface {
	Sweep(now time.Time) int
	CacheSize() int
}

// PostureEvaluator re-evaluates the posture between attempts so that
// de-escalation still happens when traffic stops entirely
type PostureEvaluator interface {
	Current(ctx context.Context) (*models.PolicyState, error)
	Evaluate(ctx context.Context, sig services.EscalationSignal) (*models.PolicyState, error)
}

// SweepMetrics records sweep outcomes
type SweepMetrics interface {
	IncrementSweepRuns(status string)
	ObserveSweepDuration(seconds float64)
	AddSweepRemoved(kind string, n int64)
	SetReputationCacheSize(n int)
}

// SweepConfig controls the sweep cadence and retention
type SweepConfig struct {
	Interval         time.Duration
	StepTimeout      time.Duration
	AttemptRetention time.Duration
	PatternRetention time.Duration
	AuditRetention   time.Duration
}

// SweepDeps are the components swept on every run. Nil entries are skipped.
type SweepDeps struct {
	Counters   CounterSweeper
	Blocks     BlockSweeper
	Detector   DetectorSweeper
	Attempts   RetentionPurger
	Audit      RetentionPurger
	Pending    PendingSweeper
	Reputation ReputationSweeper
	Posture    PostureEvaluator
	Metrics    SweepMetrics
}

// SweepManager periodically purges expired defense state
type SweepManager struct {
	deps   SweepDeps
	cfg    SweepConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewSweepManager creates a new sweep manager
func NewSweepManager(deps SweepDeps, cfg SweepConfig, logger *slog.Logger) *SweepManager {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	return &SweepManager{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source
func (sm *SweepManager) WithClock(now func() time.Time) *SweepManager {
	sm.now = now
	return sm
}

// Run sweeps immediately and then on every interval until ctx is cancelled
func (sm *SweepManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(sm.cfg.Interval)
	defer ticker.Stop()

	sm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			sm.RunOnce(ctx)
		case <-ctx.Done():
			sm.logger.Info("sweep manager stopped")
			return nil
		}
	}
}

// RunOnce performs a single sweep. Each step runs under its own timeout and
// a failing step does not prevent the others.
func (sm *SweepManager) RunOnce(ctx context.Context) {
	start := sm.now()
	failed := 0

	step := func(name string, fn func(ctx context.Context) (int64, error)) {
		stepCtx, cancel := context.WithTimeout(ctx, sm.cfg.StepTimeout)
		defer cancel()

		n, err := fn(stepCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			failed++
			sm.logger.Error("sweep step failed",
				slog.String("step", name),
				slog.Any("error", err))
			return
		}
		if n > 0 {
			if sm.deps.Metrics != nil {
				sm.deps.Metrics.AddSweepRemoved(name, n)
			}
			sm.logger.Debug("sweep step completed",
				slog.String("step", name),
				slog.Int64("removed", n))
		}
	}

	if c := sm.deps.Counters; c != nil {
		step("counters", func(context.Context) (int64, error) {
			return int64(c.Sweep(start)), nil
		})
	}
	if b := sm.deps.Blocks; b != nil {
		step("blocks", b.SweepExpired)
	}
	if d := sm.deps.Detector; d != nil {
		step("history", func(context.Context) (int64, error) {
			attempts, signatures := d.Prune(start)
			return int64(attempts + signatures), nil
		})
		if sm.cfg.PatternRetention > 0 {
			step("patterns", func(ctx context.Context) (int64, error) {
				return d.DeleteOlderThan(ctx, start.Add(-sm.cfg.PatternRetention))
			})
		}
	}
	if a := sm.deps.Attempts; a != nil && sm.cfg.AttemptRetention > 0 {
		step("attempts", func(ctx context.Context) (int64, error) {
			return a.DeleteOlderThan(ctx, start.Add(-sm.cfg.AttemptRetention))
		})
	}
	if a := sm.deps.Audit; a != nil && sm.cfg.AuditRetention > 0 {
		step("audit_logs", func(ctx context.Context) (int64, error) {
			return a.DeleteOlderThan(ctx, start.Add(-sm.cfg.AuditRetention))
		})
	}
	if p := sm.deps.Pending; p != nil {
		step("pending_registrations", p.CleanupExpired)
	}
	if r := sm.deps.Reputation; r != nil {
		step("reputation_cache", func(context.Context) (int64, error) {
			n := r.Sweep(start)
			if sm.deps.Metrics != nil {
				sm.deps.Metrics.SetReputationCacheSize(r.CacheSize())
			}
			return int64(n), nil
		})
	}
	if sm.deps.Posture != nil && sm.deps.Detector != nil {
		step("posture", sm.evaluatePosture)
	}

	status := "success"
	if failed > 0 {
		status = "partial"
	}
	if sm.deps.Metrics != nil {
		sm.deps.Metrics.IncrementSweepRuns(status)
		sm.deps.Metrics.ObserveSweepDuration(sm.now().Sub(start).Seconds())
	}
}

func (sm *SweepManager) evaluatePosture(ctx context.Context) (int64, error) {
	state, err := sm.deps.Posture.Current(ctx)
	if err != nil {
		return 0, err
	}
	if state.Manual {
		return 0, nil
	}

	detection := sm.deps.Detector.Detect(ctx, state.Thresholds, nil)
	if _, err := sm.deps.Posture.Evaluate(ctx, services.EscalationSignal{Detection: detection}); err != nil {
		return 0, err
	}
	return 0, nil
}
