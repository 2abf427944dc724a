package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the registration defense subsystem
type Metrics struct {
	DecisionsTotal           *prometheus.CounterVec
	DecisionDurationSeconds  prometheus.Histogram
	RateLimitRejectionsTotal *prometheus.CounterVec
	CounterStoreErrorsTotal  prometheus.Counter
	ReputationLookupsTotal   *prometheus.CounterVec
	ReputationCacheSize      prometheus.Gauge
	PatternsDetectedTotal    *prometheus.CounterVec
	PostureMode              prometheus.Gauge
	PostureTransitionsTotal  *prometheus.CounterVec
	PolicyConflictsTotal     prometheus.Counter
	AttemptsDroppedTotal     prometheus.Counter
	AttemptHistorySize       prometheus.Gauge
	SweepRunsTotal           *prometheus.CounterVec
	SweepDurationSeconds     prometheus.Histogram
	SweepRemovedTotal        *prometheus.CounterVec
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_registration_decisions_total",
			Help: "Total registration decisions by outcome and reason",
		}, []string{"outcome", "reason"}),
		DecisionDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_registration_decision_duration_seconds",
			Help:    "Time spent evaluating a registration attempt",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		RateLimitRejectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_ratelimit_rejections_total",
			Help: "Total rate limit rejections by scope",
		}, []string{"scope"}),
		CounterStoreErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_counter_store_errors_total",
			Help: "Total counter store failures (fail-closed rejections)",
		}),
		ReputationLookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_reputation_lookups_total",
			Help: "Total reputation lookups by result (hit, miss, error)",
		}, []string{"result"}),
		ReputationCacheSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_reputation_cache_entries",
			Help: "Current number of cached reputation entries",
		}),
		PatternsDetectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_attack_patterns_detected_total",
			Help: "Total attack patterns emitted by type",
		}, []string{"type"}),
		PostureMode: f.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_posture_level",
			Help: "Current defense posture level (0=normal, 1=elevated, 2=strict, 3=emergency_disabled)",
		}),
		PostureTransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_posture_transitions_total",
			Help: "Total posture transitions by target mode and trigger",
		}, []string{"to", "trigger"}),
		PolicyConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_policy_version_conflicts_total",
			Help: "Total optimistic-concurrency conflicts on policy state writes",
		}),
		AttemptsDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_attempt_persist_dropped_total",
			Help: "Total attempts dropped because the persistence queue was full",
		}),
		AttemptHistorySize: f.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_attempt_history_size",
			Help: "Current number of attempts held in the in-memory history",
		}),
		SweepRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_sweep_runs_total",
			Help: "Total sweep runs by status",
		}, []string{"status"}),
		SweepDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name: "gatekeeper_sweep_duration_seconds",
			Help: "Duration of sweep runs in seconds",
		}),
		SweepRemovedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_sweep_removed_total",
			Help: "Total records removed by the sweep, by kind",
		}, []string{"kind"}),
	}
}

// NewNoop returns Metrics registered against a private registry, for tests and tools
func NewNoop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) ObserveDecision(outcome, reason string, seconds float64) {
	m.DecisionsTotal.WithLabelValues(outcome, reason).Inc()
	m.DecisionDurationSeconds.Observe(seconds)
}

func (m *Metrics) IncrementRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

func (m *Metrics) IncrementCounterStoreErrors() {
	m.CounterStoreErrorsTotal.Inc()
}

func (m *Metrics) IncrementReputationLookup(result string) {
	m.ReputationLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetReputationCacheSize(n int) {
	m.ReputationCacheSize.Set(float64(n))
}

func (m *Metrics) IncrementPatternDetected(patternType string) {
	m.PatternsDetectedTotal.WithLabelValues(patternType).Inc()
}

func (m *Metrics) SetPostureLevel(level int) {
	m.PostureMode.Set(float64(level))
}

func (m *Metrics) IncrementPostureTransition(to, trigger string) {
	m.PostureTransitionsTotal.WithLabelValues(to, trigger).Inc()
}

func (m *Metrics) IncrementPolicyConflicts() {
	m.PolicyConflictsTotal.Inc()
}

func (m *Metrics) IncrementAttemptsDropped() {
	m.AttemptsDroppedTotal.Inc()
}

func (m *Metrics) SetAttemptHistorySize(n int) {
	m.AttemptHistorySize.Set(float64(n))
}

func (m *Metrics) IncrementSweepRuns(status string) {
	m.SweepRunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSweepDuration(seconds float64) {
	m.SweepDurationSeconds.Observe(seconds)
}

func (m *Metrics) AddSweepRemoved(kind string, n int64) {
	if n > 0 {
		m.SweepRemovedTotal.WithLabelValues(kind).Add(float64(n))
	}
}
