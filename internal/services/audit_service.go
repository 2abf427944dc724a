package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/pkg/logger"
)

// AuditLogRepository defines the persistence operations used by AuditService
type AuditLogRepository interface {
	Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error)
	ListByTimeRange(ctx context.Context, eventType string, from, to time.Time, limit int) ([]*models.AuditLog, error)
}

// AuditService handles audit logging with dual-write pattern (slog + database).
// Registration decisions are high volume and go to slog only; the attempt itself is persisted separately.
type AuditService struct {
	repo        AuditLogRepository
	auditLogger *logger.AuditLogger
	logger      *slog.Logger
}

// NewAuditService creates a new AuditService
func NewAuditService(repo AuditLogRepository, log *slog.Logger) *AuditService {
	return &AuditService{
		repo:        repo,
		auditLogger: logger.NewAuditLogger(log),
		logger:      log,
	}
}

// LogRegistrationDecision writes a registration decision to the audit log stream
func (s *AuditService) LogRegistrationDecision(ctx context.Context, attempt *models.Attempt, decision models.Decision, mode models.PostureMode) {
	event := logger.DecisionEvent{
		Outcome:        string(decision.Outcome),
		Reason:         decision.Reason,
		SuspicionScore: decision.SuspicionScore,
		Mode:           string(mode),
		RequiresReview: decision.RequiresReview,
	}
	if attempt != nil {
		event.AttemptID = attempt.ID.String()
		event.IPAddress = attempt.SourceIP
		event.Email = attempt.Email
	}
	s.auditLogger.LogRegistrationDecision(ctx, event)
}

// LogPostureChange records a posture transition
func (s *AuditService) LogPostureChange(ctx context.Context, t *models.PolicyTransition) error {
	s.auditLogger.LogPostureChange(ctx, logger.PostureEvent{
		FromMode: string(t.FromMode),
		ToMode:   string(t.ToMode),
		Version:  t.Version,
		Trigger:  string(t.Trigger),
		Operator: t.Operator,
		Reason:   t.Reason,
	})

	actor := t.Operator
	if actor == "" {
		actor = models.SystemActor
	}
	resourceType := models.AuditResourceTypePolicyState
	resourceID := strconv.FormatInt(t.Version, 10)
	metadata := models.NewPostureChangeMetadata(t.FromMode, t.ToMode, t.Version, t.Trigger)
	if t.Reason != "" {
		metadata["reason"] = t.Reason
	}

	s.persist(ctx, &models.AuditLog{
		EventType:    models.AuditEventTypePosture,
		Actor:        actor,
		ResourceType: &resourceType,
		ResourceID:   &resourceID,
		Action:       models.AuditActionUpdate,
		Success:      true,
		Metadata:     metadata,
	})
	return nil
}

// OperatorAction describes an admin control surface action for the audit log
type OperatorAction struct {
	EventType     string
	Operator      string
	Action        string
	ResourceType  string
	ResourceID    string
	IPAddress     string
	Success       bool
	FailureReason string
	Metadata      models.AuditMetadata
}

// LogOperatorAction records an operator action (block, configure, purge)
func (s *AuditService) LogOperatorAction(ctx context.Context, a OperatorAction) error {
	log := &models.AuditLog{
		EventType: a.EventType,
		Actor:     a.Operator,
		Action:    a.Action,
		Success:   a.Success,
		Metadata:  a.Metadata,
	}
	if a.ResourceType != "" {
		log.ResourceType = &a.ResourceType
	}
	if a.ResourceID != "" {
		log.ResourceID = &a.ResourceID
	}
	if a.IPAddress != "" {
		log.IPAddress = &a.IPAddress
	}
	if !a.Success && a.FailureReason != "" {
		log.FailureReason = &a.FailureReason
	}

	fields := map[string]string{"action": a.Action}
	if a.ResourceID != "" {
		fields["resource_id"] = a.ResourceID
	}
	if !a.Success {
		fields["failure_reason"] = a.FailureReason
	}
	s.auditLogger.LogOperatorAction(ctx, a.EventType, a.Operator, a.IPAddress, fields)

	s.persist(ctx, log)
	return nil
}

// ListEvents returns audit records of eventType in [from, to)
func (s *AuditService) ListEvents(ctx context.Context, eventType string, from, to time.Time, limit int) ([]*models.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	logs, err := s.repo.ListByTimeRange(ctx, eventType, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return logs, nil
}

// persist writes to the database. Failures are logged and never propagate.
func (s *AuditService) persist(ctx context.Context, log *models.AuditLog) {
	if s.repo == nil {
		return
	}
	if _, err := s.repo.Create(ctx, log); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist audit log",
			slog.String("event_type", log.EventType),
			slog.Any("error", err))
	}
}
