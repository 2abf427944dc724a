package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithOperatorContext adds operator claims to request context for testing admin endpoints
func WithOperatorContext(req *http.Request, operator, role string) *http.Request {
	claims := &models.TokenClaims{
		Type:     models.TokenTypeOperator,
		Operator: operator,
		Role:     role,
	}
	ctx := context.WithValue(req.Context(), auth.OperatorContextKey, claims)
	return req.WithContext(ctx)
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockRegistrationEvaluator implements RegistrationEvaluator for testing
type MockRegistrationEvaluator struct {
	EvaluateFunc func(ctx context.Context, req services.AttemptRequest) (models.Decision, error)
	LastRequest  services.AttemptRequest
}

func (m *MockRegistrationEvaluator) Evaluate(ctx context.Context, req services.AttemptRequest) (models.Decision, error) {
	m.LastRequest = req
	if m.EvaluateFunc == nil {
		return models.Allowed(), nil
	}
	return m.EvaluateFunc(ctx, req)
}

// MockPendingRegistrations implements PendingRegistrations for testing
type MockPendingRegistrations struct {
	VerifyFunc       func(ctx context.Context, plainToken string) (*models.PendingRegistration, error)
	IsRegisteredFunc func(ctx context.Context, email string) (bool, error)
}

func (m *MockPendingRegistrations) Verify(ctx context.Context, plainToken string) (*models.PendingRegistration, error) {
	if m.VerifyFunc == nil {
		return nil, models.ErrUnauthorized
	}
	return m.VerifyFunc(ctx, plainToken)
}

func (m *MockPendingRegistrations) IsRegistered(ctx context.Context, email string) (bool, error) {
	if m.IsRegisteredFunc == nil {
		return false, nil
	}
	return m.IsRegisteredFunc(ctx, email)
}

// MockAdminService implements AdminServiceInterface for testing
type MockAdminService struct {
	EmergencyDisableFunc  func(ctx context.Context, op services.Operator, reason string) (*models.PolicyState, error)
	ForceNormalFunc       func(ctx context.Context, op services.Operator, reason string) (*models.PolicyState, error)
	ResumeAutomaticFunc   func(ctx context.Context, op services.Operator, reason string) (*models.PolicyState, error)
	BlockSubjectFunc      func(ctx context.Context, op services.Operator, req services.BlockRequest) (*models.BlockEntry, error)
	BlacklistDomainFunc   func(ctx context.Context, op services.Operator, domain, reason string) (*models.BlockEntry, error)
	UnblockFunc           func(ctx context.Context, op services.Operator, subject string) error
	ListBlocksFunc        func(ctx context.Context) ([]*models.BlockEntry, error)
	ConfigureFunc         func(ctx context.Context, op services.Operator, thresholds *models.Thresholds, rolloutPercentage *int) (*models.PolicyState, error)
	GetPolicyFunc         func(ctx context.Context) (*models.PolicyState, error)
	PurgeUnverifiedFunc   func(ctx context.Context, op services.Operator) (int64, error)
	GetMetricsFunc        func(ctx context.Context, from, to time.Time) (*services.MetricsReport, error)
	GetAttackPatternsFunc func(ctx context.Context, from, to time.Time, limit int) ([]*models.AttackPattern, error)
	ListTransitionsFunc   func(ctx context.Context, from, to time.Time, limit int) ([]*models.PolicyTransition, error)
}

func (m *MockAdminService) EmergencyDisable(ctx context.Context, op services.Operator, reason string) (*models.PolicyState, error) {
	if m.EmergencyDisableFunc == nil {
		return &models.PolicyState{Mode: models.ModeEmergencyDisabled, Manual: true}, nil
	}
	return m.EmergencyDisableFunc(ctx, op, reason)
}

func (m *MockAdminService) ForceNormal(ctx context.Context, op services.Operator, reason string) (*models.PolicyState, error) {
	if m.ForceNormalFunc == nil {
		return &models.PolicyState{Mode: models.ModeNormal, Manual: true}, nil
	}
	return m.ForceNormalFunc(ctx, op, reason)
}

func (m *MockAdminService) ResumeAutomatic(ctx context.Context, op services.Operator, reason string) (*models.PolicyState, error) {
	if m.ResumeAutomaticFunc == nil {
		return &models.PolicyState{Mode: models.ModeNormal}, nil
	}
	return m.ResumeAutomaticFunc(ctx, op, reason)
}

func (m *MockAdminService) BlockSubject(ctx context.Context, op services.Operator, req services.BlockRequest) (*models.BlockEntry, error) {
	if m.BlockSubjectFunc == nil {
		return &models.BlockEntry{Subject: req.Subject, Reason: req.Reason}, nil
	}
	return m.BlockSubjectFunc(ctx, op, req)
}

func (m *MockAdminService) BlacklistDomain(ctx context.Context, op services.Operator, domain, reason string) (*models.BlockEntry, error) {
	if m.BlacklistDomainFunc == nil {
		return &models.BlockEntry{Subject: domain, Reason: reason}, nil
	}
	return m.BlacklistDomainFunc(ctx, op, domain, reason)
}

func (m *MockAdminService) Unblock(ctx context.Context, op services.Operator, subject string) error {
	if m.UnblockFunc == nil {
		return nil
	}
	return m.UnblockFunc(ctx, op, subject)
}

func (m *MockAdminService) ListBlocks(ctx context.Context) ([]*models.BlockEntry, error) {
	if m.ListBlocksFunc == nil {
		return []*models.BlockEntry{}, nil
	}
	return m.ListBlocksFunc(ctx)
}

func (m *MockAdminService) Configure(ctx context.Context, op services.Operator, thresholds *models.Thresholds, rolloutPercentage *int) (*models.PolicyState, error) {
	if m.ConfigureFunc == nil {
		return &models.PolicyState{}, nil
	}
	return m.ConfigureFunc(ctx, op, thresholds, rolloutPercentage)
}

func (m *MockAdminService) GetPolicy(ctx context.Context) (*models.PolicyState, error) {
	if m.GetPolicyFunc == nil {
		return &models.PolicyState{Mode: models.ModeNormal, Version: 1}, nil
	}
	return m.GetPolicyFunc(ctx)
}

func (m *MockAdminService) PurgeUnverified(ctx context.Context, op services.Operator) (int64, error) {
	if m.PurgeUnverifiedFunc == nil {
		return 0, nil
	}
	return m.PurgeUnverifiedFunc(ctx, op)
}

func (m *MockAdminService) GetMetrics(ctx context.Context, from, to time.Time) (*services.MetricsReport, error) {
	if m.GetMetricsFunc == nil {
		return &services.MetricsReport{From: from, To: to}, nil
	}
	return m.GetMetricsFunc(ctx, from, to)
}

func (m *MockAdminService) GetAttackPatterns(ctx context.Context, from, to time.Time, limit int) ([]*models.AttackPattern, error) {
	if m.GetAttackPatternsFunc == nil {
		return []*models.AttackPattern{}, nil
	}
	return m.GetAttackPatternsFunc(ctx, from, to, limit)
}

func (m *MockAdminService) ListTransitions(ctx context.Context, from, to time.Time, limit int) ([]*models.PolicyTransition, error) {
	if m.ListTransitionsFunc == nil {
		return []*models.PolicyTransition{}, nil
	}
	return m.ListTransitionsFunc(ctx, from, to, limit)
}

// MockAuditLister implements AuditLister for testing
type MockAuditLister struct {
	ListEventsFunc func(ctx context.Context, eventType string, from, to time.Time, limit int) ([]*models.AuditLog, error)
}

func (m *MockAuditLister) ListEvents(ctx context.Context, eventType string, from, to time.Time, limit int) ([]*models.AuditLog, error) {
	if m.ListEventsFunc == nil {
		return []*models.AuditLog{}, nil
	}
	return m.ListEventsFunc(ctx, eventType, from, to, limit)
}

// WithChiRouteContext adds chi URL parameters to request context for testing
// This helper allows tests to set URL parameters that would normally be extracted
// by the Chi router from the URL path.
//
// Example usage:
//
//	req := httptest.NewRequest("DELETE", "/admin/blocks/203.0.113.9", nil)
//	req = WithChiRouteContext(req, map[string]string{
//	    "subject": "203.0.113.9",
//	})
func WithChiRouteContext(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
