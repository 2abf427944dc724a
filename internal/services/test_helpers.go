package services

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/events"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	"github.com/google/uuid"
)

// MockCounterStore implements repositories.CounterStore for testing
type MockCounterStore struct {
	IncrementFunc func(ctx context.Context, key string, window time.Duration) (repositories.CounterResult, error)
	PeekFunc      func(ctx context.Context, key string) (int64, error)
	ResetFunc     func(ctx context.Context, key string) error
}

func (m *MockCounterStore) Increment(ctx context.Context, key string, window time.Duration) (repositories.CounterResult, error) {
	if m.IncrementFunc != nil {
		return m.IncrementFunc(ctx, key, window)
	}
	return repositories.CounterResult{Count: 1, WindowRemaining: window}, nil
}

func (m *MockCounterStore) Peek(ctx context.Context, key string) (int64, error) {
	if m.PeekFunc != nil {
		return m.PeekFunc(ctx, key)
	}
	return 0, nil
}

func (m *MockCounterStore) Reset(ctx context.Context, key string) error {
	if m.ResetFunc != nil {
		return m.ResetFunc(ctx, key)
	}
	return nil
}

// MockBlockEntryRepository implements BlockEntryRepository for testing
type MockBlockEntryRepository struct {
	UpsertFunc        func(ctx context.Context, entry *models.BlockEntry) (*models.BlockEntry, error)
	ListActiveFunc    func(ctx context.Context, now time.Time) ([]*models.BlockEntry, error)
	DeleteFunc        func(ctx context.Context, subject string) error
	DeleteExpiredFunc func(ctx context.Context, now time.Time) (int64, error)
}

func (m *MockBlockEntryRepository) Upsert(ctx context.Context, entry *models.BlockEntry) (*models.BlockEntry, error) {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, entry)
	}
	saved := *entry
	saved.ID = uuid.New()
	saved.CreatedAt = time.Now()
	return &saved, nil
}

func (m *MockBlockEntryRepository) ListActive(ctx context.Context, now time.Time) ([]*models.BlockEntry, error) {
	if m.ListActiveFunc != nil {
		return m.ListActiveFunc(ctx, now)
	}
	return []*models.BlockEntry{}, nil
}

func (m *MockBlockEntryRepository) Delete(ctx context.Context, subject string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, subject)
	}
	return nil
}

func (m *MockBlockEntryRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if m.DeleteExpiredFunc != nil {
		return m.DeleteExpiredFunc(ctx, now)
	}
	return 0, nil
}

// MockPendingRegistrationRepository implements PendingRegistrationRepository for testing
type MockPendingRegistrationRepository struct {
	CreateFunc           func(ctx context.Context, p *models.PendingRegistration) (*models.PendingRegistration, error)
	GetByTokenHashFunc   func(ctx context.Context, tokenHash string) (*models.PendingRegistration, error)
	MarkVerifiedFunc     func(ctx context.Context, id string) error
	IsRegisteredFunc     func(ctx context.Context, email string) (bool, error)
	DeleteUnverifiedFunc func(ctx context.Context) (int64, error)
	DeleteExpiredFunc    func(ctx context.Context, now time.Time) (int64, error)
}

func (m *MockPendingRegistrationRepository) Create(ctx context.Context, p *models.PendingRegistration) (*models.PendingRegistration, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, p)
	}
	created := *p
	created.CreatedAt = time.Now()
	return &created, nil
}

func (m *MockPendingRegistrationRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*models.PendingRegistration, error) {
	if m.GetByTokenHashFunc != nil {
		return m.GetByTokenHashFunc(ctx, tokenHash)
	}
	return nil, models.ErrNotFound
}

func (m *MockPendingRegistrationRepository) MarkVerified(ctx context.Context, id string) error {
	if m.MarkVerifiedFunc != nil {
		return m.MarkVerifiedFunc(ctx, id)
	}
	return nil
}

func (m *MockPendingRegistrationRepository) IsRegistered(ctx context.Context, email string) (bool, error) {
	if m.IsRegisteredFunc != nil {
		return m.IsRegisteredFunc(ctx, email)
	}
	return false, nil
}

func (m *MockPendingRegistrationRepository) DeleteUnverified(ctx context.Context) (int64, error) {
	if m.DeleteUnverifiedFunc != nil {
		return m.DeleteUnverifiedFunc(ctx)
	}
	return 0, nil
}

func (m *MockPendingRegistrationRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if m.DeleteExpiredFunc != nil {
		return m.DeleteExpiredFunc(ctx, now)
	}
	return 0, nil
}

// MockAttackPatternRepository implements AttackPatternRepository for testing
type MockAttackPatternRepository struct {
	CreateFunc          func(ctx context.Context, p *models.AttackPattern) error
	ListByTimeRangeFunc func(ctx context.Context, from, to time.Time, limit int) ([]*models.AttackPattern, error)
	DeleteOlderThanFunc func(ctx context.Context, cutoff time.Time) (int64, error)
}

func (m *MockAttackPatternRepository) Create(ctx context.Context, p *models.AttackPattern) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, p)
	}
	return nil
}

func (m *MockAttackPatternRepository) ListByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]*models.AttackPattern, error) {
	if m.ListByTimeRangeFunc != nil {
		return m.ListByTimeRangeFunc(ctx, from, to, limit)
	}
	return []*models.AttackPattern{}, nil
}

func (m *MockAttackPatternRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.DeleteOlderThanFunc != nil {
		return m.DeleteOlderThanFunc(ctx, cutoff)
	}
	return 0, nil
}

// MockAttemptRepository implements AttemptBatchRepository and AttemptStatsRepository for testing
type MockAttemptRepository struct {
	CreateBatchFunc func(ctx context.Context, attempts []*models.Attempt) (int64, error)
	StatsFunc       func(ctx context.Context, from, to time.Time) (*models.AttemptStats, error)
}

func (m *MockAttemptRepository) CreateBatch(ctx context.Context, attempts []*models.Attempt) (int64, error) {
	if m.CreateBatchFunc != nil {
		return m.CreateBatchFunc(ctx, attempts)
	}
	return int64(len(attempts)), nil
}

func (m *MockAttemptRepository) Stats(ctx context.Context, from, to time.Time) (*models.AttemptStats, error) {
	if m.StatsFunc != nil {
		return m.StatsFunc(ctx, from, to)
	}
	return &models.AttemptStats{ByOutcome: map[string]int64{}, ByReason: map[string]int64{}}, nil
}

// MockAuditLogRepository implements AuditLogRepository for testing
type MockAuditLogRepository struct {
	CreateFunc          func(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error)
	ListByTimeRangeFunc func(ctx context.Context, eventType string, from, to time.Time, limit int) ([]*models.AuditLog, error)
}

func (m *MockAuditLogRepository) Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, log)
	}
	return log, nil
}

func (m *MockAuditLogRepository) ListByTimeRange(ctx context.Context, eventType string, from, to time.Time, limit int) ([]*models.AuditLog, error) {
	if m.ListByTimeRangeFunc != nil {
		return m.ListByTimeRangeFunc(ctx, eventType, from, to, limit)
	}
	return []*models.AuditLog{}, nil
}

// MockEmailService implements EmailService for testing
type MockEmailService struct {
	SendVerificationEmailFunc func(ctx context.Context, email, token string, expiresAt time.Time) error
	SendOperatorAlertFunc     func(ctx context.Context, recipients []string, subject, body string) error
}

func (m *MockEmailService) SendVerificationEmail(ctx context.Context, email, token string, expiresAt time.Time) error {
	if m.SendVerificationEmailFunc != nil {
		return m.SendVerificationEmailFunc(ctx, email, token, expiresAt)
	}
	return nil
}

func (m *MockEmailService) SendOperatorAlert(ctx context.Context, recipients []string, subject, body string) error {
	if m.SendOperatorAlertFunc != nil {
		return m.SendOperatorAlertFunc(ctx, recipients, subject, body)
	}
	return nil
}

// MockCaptchaVerifier implements CaptchaVerifier for testing
type MockCaptchaVerifier struct {
	VerifyFunc func(ctx context.Context, token, remoteIP string) (bool, error)
}

func (m *MockCaptchaVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, token, remoteIP)
	}
	return false, nil
}

// MockReputationFeed implements ReputationFeed for testing
type MockReputationFeed struct {
	LookupFunc func(ctx context.Context, ip string) (*models.ReputationEntry, error)
}

func (m *MockReputationFeed) Lookup(ctx context.Context, ip string) (*models.ReputationEntry, error) {
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, ip)
	}
	return &models.ReputationEntry{Subject: ip, Score: 1, Source: "mock"}, nil
}

// MockPublisher records published events for testing
type MockPublisher struct {
	mu       sync.Mutex
	Patterns []*models.AttackPattern
	Alerts   []*events.Alert
}

func (m *MockPublisher) PublishPattern(p *models.AttackPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Patterns = append(m.Patterns, p)
	return nil
}

func (m *MockPublisher) PublishAlert(a *events.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = append(m.Alerts, a)
	return nil
}

// AlertCount returns the number of alerts published
func (m *MockPublisher) AlertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Alerts)
}

// PatternCount returns the number of patterns published
func (m *MockPublisher) PatternCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Patterns)
}

// NewTestAttempt creates an attempt for testing
func NewTestAttempt(ip, email string, at time.Time) *models.Attempt {
	return &models.Attempt{
		ID:        uuid.New(),
		Timestamp: at,
		SourceIP:  ip,
		Email:     email,
		Outcome:   models.AttemptAllowed,
	}
}

// NewTestPolicyState creates a policy state in mode with default thresholds
func NewTestPolicyState(mode models.PostureMode, enteredAt time.Time) models.PolicyState {
	state := models.DefaultPolicyState(enteredAt)
	state.Mode = mode
	return state
}
