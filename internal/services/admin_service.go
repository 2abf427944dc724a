package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

const maxReportRange = 31 * 24 * time.Hour

// AttemptStatsRepository is the subset of AttemptRepository methods needed by AdminService
type AttemptStatsRepository interface {
	Stats(ctx context.Context, from, to time.Time) (*models.AttemptStats, error)
}

// PostureManager is the subset of EscalationService used by the admin surface
type PostureManager interface {
	Current(ctx context.Context) (*models.PolicyState, error)
	Refresh(ctx context.Context) (*models.PolicyState, error)
	EmergencyDisable(ctx context.Context, operator, reason string) (*models.PolicyState, error)
	ForceNormal(ctx context.Context, operator, reason string) (*models.PolicyState, error)
	ResumeAutomatic(ctx context.Context, operator, reason string) (*models.PolicyState, error)
	Configure(ctx context.Context, thresholds *models.Thresholds, rolloutPercentage *int, operator string) (*models.PolicyState, error)
	ListTransitions(ctx context.Context, from, to time.Time, limit int) ([]*models.PolicyTransition, error)
}

// BlocklistManager is the subset of BlocklistService used by the admin surface
type BlocklistManager interface {
	Block(ctx context.Context, subject string, duration time.Duration, reason, operator string) (*models.BlockEntry, error)
	BlockDomain(ctx context.Context, domain, reason, operator string) (*models.BlockEntry, error)
	Unblock(ctx context.Context, subject, operator string) error
	List(ctx context.Context) ([]*models.BlockEntry, error)
	Size() int
}

// PatternLister reads persisted attack patterns
type PatternLister interface {
	ListPatterns(ctx context.Context, from, to time.Time, limit int) ([]*models.AttackPattern, error)
}

// OperatorAuditor records operator actions
type OperatorAuditor interface {
	LogOperatorAction(ctx context.Context, a OperatorAction) error
}

// Operator identifies the caller of an admin operation
type Operator struct {
	ID        string
	IPAddress string
}

// BlockRequest is the input of BlockSubject
type BlockRequest struct {
	Subject         string
	DurationMinutes int
	Permanent       bool
	Reason          string
}

// MetricsReport is the read-only observability view over a time range
type MetricsReport struct {
	From                time.Time            `json:"from"`
	To                  time.Time            `json:"to"`
	Mode                models.PostureMode   `json:"mode"`
	Version             int64                `json:"version"`
	Manual              bool                 `json:"manual"`
	Attempts            *models.AttemptStats `json:"attempts"`
	PatternsByType      map[string]int       `json:"patterns_by_type"`
	Transitions         int                  `json:"transitions"`
	ActiveBlocks        int                  `json:"active_blocks"`
	ReputationCacheSize int                  `json:"reputation_cache_size"`
	HistorySize         int                  `json:"history_size"`
}

// AdminService implements the operator control surface
type AdminService struct {
	posture    PostureManager
	blocklist  BlocklistManager
	patterns   PatternLister
	attempts   AttemptStatsRepository
	pending    RegistrationPurger
	audit      OperatorAuditor
	reputation *ReputationService
	history    *AttemptHistory
	logger     *slog.Logger
	now        func() time.Time
}

// AdminDeps groups the collaborators of AdminService
type AdminDeps struct {
	Posture    PostureManager
	Blocklist  BlocklistManager
	Patterns   PatternLister
	Attempts   AttemptStatsRepository
	Pending    RegistrationPurger
	Audit      OperatorAuditor
	Reputation *ReputationService
	History    *AttemptHistory
}

// NewAdminService creates a new AdminService
func NewAdminService(deps AdminDeps, logger *slog.Logger) *AdminService {
	return &AdminService{
		posture:    deps.Posture,
		blocklist:  deps.Blocklist,
		patterns:   deps.Patterns,
		attempts:   deps.Attempts,
		pending:    deps.Pending,
		audit:      deps.Audit,
		reputation: deps.Reputation,
		history:    deps.History,
		logger:     logger,
		now:        time.Now,
	}
}

// EmergencyDisable forces registration off
func (s *AdminService) EmergencyDisable(ctx context.Context, op Operator, reason string) (*models.PolicyState, error) {
	state, err := s.posture.EmergencyDisable(ctx, op.ID, reason)
	s.logPosture(ctx, op, "emergency_disable", reason, state, err)
	return state, err
}

// ForceNormal forces the Normal posture
func (s *AdminService) ForceNormal(ctx context.Context, op Operator, reason string) (*models.PolicyState, error) {
	state, err := s.posture.ForceNormal(ctx, op.ID, reason)
	s.logPosture(ctx, op, "force_normal", reason, state, err)
	return state, err
}

// ResumeAutomatic returns posture control to the automatic controller
func (s *AdminService) ResumeAutomatic(ctx context.Context, op Operator, reason string) (*models.PolicyState, error) {
	state, err := s.posture.ResumeAutomatic(ctx, op.ID, reason)
	s.logPosture(ctx, op, "resume_automatic", reason, state, err)
	return state, err
}

func (s *AdminService) logPosture(ctx context.Context, op Operator, action, reason string, state *models.PolicyState, err error) {
	a := OperatorAction{
		EventType:    models.AuditEventTypePosture,
		Operator:     op.ID,
		Action:       action,
		ResourceType: models.AuditResourceTypePolicyState,
		IPAddress:    op.IPAddress,
		Success:      err == nil,
		Metadata:     models.AuditMetadata{"reason": reason},
	}
	if state != nil {
		a.ResourceID = strconv.FormatInt(state.Version, 10)
		a.Metadata["mode"] = string(state.Mode)
	}
	if err != nil {
		a.FailureReason = err.Error()
	}
	s.record(ctx, a)
}

// BlockSubject inserts or updates a block for an IP, subnet or domain
func (s *AdminService) BlockSubject(ctx context.Context, op Operator, req BlockRequest) (*models.BlockEntry, error) {
	if !req.Permanent && req.DurationMinutes <= 0 {
		return nil, models.NewValidationError("duration_minutes", "must be positive unless permanent is set")
	}

	var duration time.Duration
	if !req.Permanent {
		duration = time.Duration(req.DurationMinutes) * time.Minute
	}

	entry, err := s.blocklist.Block(ctx, req.Subject, duration, req.Reason, op.ID)
	s.logBlock(ctx, op, models.AuditActionCreate, req.Subject, entry, err)
	return entry, err
}

// BlacklistDomain inserts a permanent email-domain block
func (s *AdminService) BlacklistDomain(ctx context.Context, op Operator, domain, reason string) (*models.BlockEntry, error) {
	entry, err := s.blocklist.BlockDomain(ctx, domain, reason, op.ID)
	s.logBlock(ctx, op, models.AuditActionCreate, domain, entry, err)
	return entry, err
}

// Unblock removes a block
func (s *AdminService) Unblock(ctx context.Context, op Operator, subject string) error {
	err := s.blocklist.Unblock(ctx, subject, op.ID)
	s.logBlock(ctx, op, models.AuditActionDelete, subject, nil, err)
	return err
}

// ListBlocks returns active block entries
func (s *AdminService) ListBlocks(ctx context.Context) ([]*models.BlockEntry, error) {
	return s.blocklist.List(ctx)
}

func (s *AdminService) logBlock(ctx context.Context, op Operator, action, subject string, entry *models.BlockEntry, err error) {
	a := OperatorAction{
		EventType:    models.AuditEventTypeBlock,
		Operator:     op.ID,
		Action:       action,
		ResourceType: models.AuditResourceTypeBlockEntry,
		ResourceID:   subject,
		IPAddress:    op.IPAddress,
		Success:      err == nil,
		Metadata:     models.AuditMetadata{},
	}
	if entry != nil {
		a.ResourceID = entry.Subject
		a.Metadata = models.NewBlockMetadata(entry)
	}
	if err != nil {
		a.FailureReason = err.Error()
	}
	s.record(ctx, a)
}

// Configure updates thresholds and rollout without changing mode
func (s *AdminService) Configure(ctx context.Context, op Operator, thresholds *models.Thresholds, rolloutPercentage *int) (*models.PolicyState, error) {
	state, err := s.posture.Configure(ctx, thresholds, rolloutPercentage, op.ID)

	a := OperatorAction{
		EventType:    models.AuditEventTypeConfigure,
		Operator:     op.ID,
		Action:       models.AuditActionUpdate,
		ResourceType: models.AuditResourceTypePolicyState,
		IPAddress:    op.IPAddress,
		Success:      err == nil,
		Metadata:     models.AuditMetadata{"thresholds_changed": thresholds != nil},
	}
	if rolloutPercentage != nil {
		a.Metadata["rollout_percentage"] = *rolloutPercentage
	}
	if state != nil {
		a.ResourceID = strconv.FormatInt(state.Version, 10)
	}
	if err != nil {
		a.FailureReason = err.Error()
	}
	s.record(ctx, a)

	return state, err
}

// GetPolicy returns the current policy state read through to the store
func (s *AdminService) GetPolicy(ctx context.Context) (*models.PolicyState, error) {
	state, err := s.posture.Refresh(ctx)
	if err != nil {
		return s.posture.Current(ctx)
	}
	return state, nil
}

// PurgeUnverified deletes unverified pending registrations
func (s *AdminService) PurgeUnverified(ctx context.Context, op Operator) (int64, error) {
	n, err := s.pending.PurgeUnverified(ctx)

	a := OperatorAction{
		EventType:    models.AuditEventTypePurge,
		Operator:     op.ID,
		Action:       models.AuditActionDelete,
		ResourceType: models.AuditResourceTypePending,
		IPAddress:    op.IPAddress,
		Success:      err == nil,
		Metadata:     models.AuditMetadata{"purged": n},
	}
	if err != nil {
		a.FailureReason = err.Error()
	}
	s.record(ctx, a)

	return n, err
}

// GetMetrics summarizes attempts, patterns and transitions in [from, to)
func (s *AdminService) GetMetrics(ctx context.Context, from, to time.Time) (*MetricsReport, error) {
	from, to, err := s.normalizeRange(from, to)
	if err != nil {
		return nil, err
	}

	state, err := s.posture.Current(ctx)
	if err != nil {
		return nil, err
	}

	stats, err := s.attempts.Stats(ctx, from, to)
	if err != nil {
		s.logger.Error("metrics: failed to aggregate attempts", slog.Any("error", err))
		return nil, fmt.Errorf("failed to aggregate attempts: %w", err)
	}

	patterns, err := s.patterns.ListPatterns(ctx, from, to, 1000)
	if err != nil {
		s.logger.Error("metrics: failed to list patterns", slog.Any("error", err))
		return nil, err
	}
	byType := make(map[string]int)
	for _, p := range patterns {
		byType[string(p.Type)]++
	}

	transitions, err := s.posture.ListTransitions(ctx, from, to, 1000)
	if err != nil {
		s.logger.Error("metrics: failed to list transitions", slog.Any("error", err))
		return nil, err
	}

	report := &MetricsReport{
		From:           from,
		To:             to,
		Mode:           state.Mode,
		Version:        state.Version,
		Manual:         state.Manual,
		Attempts:       stats,
		PatternsByType: byType,
		Transitions:    len(transitions),
		ActiveBlocks:   s.blocklist.Size(),
	}
	if s.reputation != nil {
		report.ReputationCacheSize = s.reputation.CacheSize()
	}
	if s.history != nil {
		report.HistorySize = s.history.Len()
	}

	return report, nil
}

// GetAttackPatterns returns persisted patterns detected in [from, to)
func (s *AdminService) GetAttackPatterns(ctx context.Context, from, to time.Time, limit int) ([]*models.AttackPattern, error) {
	from, to, err := s.normalizeRange(from, to)
	if err != nil {
		return nil, err
	}
	return s.patterns.ListPatterns(ctx, from, to, limit)
}

// ListTransitions returns posture transitions in [from, to)
func (s *AdminService) ListTransitions(ctx context.Context, from, to time.Time, limit int) ([]*models.PolicyTransition, error) {
	from, to, err := s.normalizeRange(from, to)
	if err != nil {
		return nil, err
	}
	return s.posture.ListTransitions(ctx, from, to, limit)
}

// normalizeRange defaults an empty range to the last hour and bounds its length
func (s *AdminService) normalizeRange(from, to time.Time) (time.Time, time.Time, error) {
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.Add(-time.Hour)
	}
	if !from.Before(to) {
		return from, to, models.NewValidationError("from", "must be before to")
	}
	if to.Sub(from) > maxReportRange {
		return from, to, models.NewValidationError("from", "time range must not exceed 31 days")
	}
	return from, to, nil
}

func (s *AdminService) record(ctx context.Context, a OperatorAction) {
	if s.audit == nil {
		return
	}
	_ = s.audit.LogOperatorAction(ctx, a)
}
