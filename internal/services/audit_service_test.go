package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
)

type auditCapture struct {
	mu   sync.Mutex
	logs []*models.AuditLog
}

func (c *auditCapture) repo(err error) *services.MockAuditLogRepository {
	return &services.MockAuditLogRepository{
		CreateFunc: func(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.logs = append(c.logs, log)
			return log, err
		},
	}
}

func TestAuditService_LogPostureChange_SystemActor(t *testing.T) {
	capture := &auditCapture{}
	svc := services.NewAuditService(capture.repo(nil), newTestLogger())

	err := svc.LogPostureChange(context.Background(), &models.PolicyTransition{
		ID:         uuid.New(),
		FromMode:   models.ModeNormal,
		ToMode:     models.ModeElevated,
		Trigger:    models.TriggerAutomatic,
		Reason:     "global attempt rate exceeded",
		Version:    4,
		OccurredAt: t0,
	})
	require.NoError(t, err)

	require.Len(t, capture.logs, 1)
	log := capture.logs[0]
	assert.Equal(t, models.AuditEventTypePosture, log.EventType)
	assert.Equal(t, models.SystemActor, log.Actor)
	require.NotNil(t, log.ResourceID)
	assert.Equal(t, "4", *log.ResourceID)
	assert.Equal(t, "global attempt rate exceeded", log.Metadata["reason"])
}

func TestAuditService_LogOperatorAction(t *testing.T) {
	capture := &auditCapture{}
	svc := services.NewAuditService(capture.repo(nil), newTestLogger())

	err := svc.LogOperatorAction(context.Background(), services.OperatorAction{
		EventType:     models.AuditEventTypeBlock,
		Operator:      "alice",
		Action:        models.AuditActionDelete,
		ResourceType:  models.AuditResourceTypeBlockEntry,
		ResourceID:    "203.0.113.9",
		IPAddress:     "192.0.2.10",
		Success:       false,
		FailureReason: "resource not found",
	})
	require.NoError(t, err)

	require.Len(t, capture.logs, 1)
	log := capture.logs[0]
	assert.Equal(t, "alice", log.Actor)
	require.NotNil(t, log.IPAddress)
	assert.Equal(t, "192.0.2.10", *log.IPAddress)
	require.NotNil(t, log.FailureReason)
	assert.Equal(t, "resource not found", *log.FailureReason)
}

func TestAuditService_PersistFailureDoesNotPropagate(t *testing.T) {
	capture := &auditCapture{}
	svc := services.NewAuditService(capture.repo(errors.New("db down")), newTestLogger())

	err := svc.LogOperatorAction(context.Background(), services.OperatorAction{
		EventType: models.AuditEventTypePurge,
		Operator:  "alice",
		Action:    models.AuditActionDelete,
		Success:   true,
	})
	assert.NoError(t, err)
}

func TestAuditService_LogRegistrationDecision_NotPersisted(t *testing.T) {
	capture := &auditCapture{}
	svc := services.NewAuditService(capture.repo(nil), newTestLogger())

	svc.LogRegistrationDecision(context.Background(), services.NewTestAttempt("203.0.113.1", "a@example.com", t0), models.Allowed(), models.ModeNormal)
	svc.LogRegistrationDecision(context.Background(), nil, models.Rejected(models.ReasonRegistrationDisabled), models.ModeEmergencyDisabled)

	assert.Empty(t, capture.logs)
}

func TestAuditService_ListEvents(t *testing.T) {
	var gotLimit int
	var gotType string
	repo := &services.MockAuditLogRepository{
		ListByTimeRangeFunc: func(ctx context.Context, eventType string, from, to time.Time, limit int) ([]*models.AuditLog, error) {
			gotType, gotLimit = eventType, limit
			return []*models.AuditLog{{EventType: eventType}}, nil
		},
	}
	svc := services.NewAuditService(repo, newTestLogger())

	logs, err := svc.ListEvents(context.Background(), models.AuditEventTypeBlock, t0.Add(-time.Hour), t0, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.Equal(t, models.AuditEventTypeBlock, gotType)
	assert.Equal(t, 100, gotLimit)
}
