package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/events"
	"github.com/BradenHooton/gatekeeper/internal/handlers"
	"github.com/BradenHooton/gatekeeper/internal/metrics"
	middlewareCustom "github.com/BradenHooton/gatekeeper/internal/middleware"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	"github.com/BradenHooton/gatekeeper/internal/routes"
	"github.com/BradenHooton/gatekeeper/internal/services"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

const testJWTSecret = "test-secret-32-characters-long-for-testing"

// SentEmail represents a captured email message
type SentEmail struct {
	To    string
	Token string
}

// MockEmailService captures sent emails for test assertions
type MockEmailService struct {
	SentEmails []SentEmail
	Alerts     []string
	mu         sync.Mutex
}

// SendVerificationEmail records the email
func (m *MockEmailService) SendVerificationEmail(ctx context.Context, email, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentEmails = append(m.SentEmails, SentEmail{To: email, Token: token})
	return nil
}

// SendOperatorAlert records the alert subject
func (m *MockEmailService) SendOperatorAlert(ctx context.Context, recipients []string, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = append(m.Alerts, subject)
	return nil
}

// WaitForEmail polls for the verification email sent to address
func (m *MockEmailService) WaitForEmail(address string, timeout time.Duration) *SentEmail {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		for i := len(m.SentEmails) - 1; i >= 0; i-- {
			if m.SentEmails[i].To == address {
				found := m.SentEmails[i]
				m.mu.Unlock()
				return &found
			}
		}
		m.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// TestServer wraps httptest.Server with database and all dependencies
type TestServer struct {
	Server       *httptest.Server
	DB           *database.DB
	EmailService *MockEmailService
	Tokens       *auth.TokenManager
	Escalation   *services.EscalationService
	Blocklist    *services.BlocklistService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTestServer initializes a complete HTTP server with real database, an in-process
// counter store and mocked email. Requests come from loopback, which is a trusted proxy,
// so tests pick the client IP with X-Forwarded-For.
func NewTestServer(ctx context.Context, db *database.DB) (*TestServer, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if _, err := SeedPolicyState(ctx, db); err != nil {
		return nil, err
	}

	repos := InitializeRepositories(db)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	mockEmail := &MockEmailService{}
	publisher := events.NoopPublisher{}

	auditService := services.NewAuditService(repos.Audit, logger)
	disposable := services.NewDisposableDomains(nil)
	reputation := services.NewReputationService(services.StaticReputationFeed{}, disposable, services.ReputationConfig{
		Weights: models.ReputationWeights{
			DisposableEmail:    0.6,
			KnownBadSubnet:     0.7,
			VPNOrProxy:         0.3,
			LowIPReputation:    0.5,
			MissingFingerprint: 0.1,
			FeedUnavailable:    0.2,
		},
		CacheTTL:        time.Minute,
		CacheMaxEntries: 1000,
	}, m, logger)

	blocklist := services.NewBlocklistService(repos.Blocks, reputation, disposable, true, logger)
	if err := blocklist.Refresh(ctx); err != nil {
		return nil, err
	}

	limiter := services.NewRateLimitService(repositories.NewMemoryCounterStore(), m, logger)
	history := services.NewAttemptHistory(10000, time.Hour)
	writer := services.NewAttemptWriter(repos.Attempts, 1000, m, logger)
	detector := services.NewPatternDetector(history, repos.Patterns, publisher, m, services.PatternDetectorConfig{
		ReemitInterval:  5 * time.Minute,
		SignatureWindow: 30 * time.Minute,
	}, logger)
	pending := services.NewPendingRegistrationService(repos.Pending, mockEmail, logger, 24*time.Hour)

	escalation := services.NewEscalationService(repos.Policy, publisher, mockEmail, pending, auditService, m, services.EscalationConfig{
		AlertRecipients: []string{"oncall@example.com"},
	}, logger)

	registration := services.NewRegistrationService(services.RegistrationDeps{
		Policy:     escalation,
		Controller: escalation,
		Blocklist:  blocklist,
		Limiter:    limiter,
		Reputation: reputation,
		Captcha:    services.StaticCaptchaVerifier{},
		Analyzer:   detector,
		Recorder:   writer,
		Pending:    pending,
		Auditor:    auditService,
		Metrics:    m,
	}, 30*time.Second, logger)

	admin := services.NewAdminService(services.AdminDeps{
		Posture:    escalation,
		Blocklist:  blocklist,
		Patterns:   detector,
		Attempts:   repos.Attempts,
		Pending:    pending,
		Audit:      auditService,
		Reputation: reputation,
		History:    history,
	}, logger)

	tokenManager, err := auth.NewTokenManager(testJWTSecret, "gatekeeper-test", time.Hour)
	if err != nil {
		return nil, err
	}
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 10})
	ipConfig := &pkghttp.IPConfig{TrustedProxies: []string{"127.0.0.1/32", "::1/128"}}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: "test"}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(r, routes.Handlers{
		Registration: handlers.NewRegistrationHandler(registration, pending, timingDelay, ipConfig, logger),
		Admin:        handlers.NewAdminHandler(admin, ipConfig, logger),
		Audit:        handlers.NewAuditHandler(auditService, logger),
	}, tokenManager, ipConfig)
	routes.RegisterOpsRoutes(r, map[string]routes.HealthCheck{"database": db.HealthCheck},
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = writer.Run(runCtx)
	}()

	return &TestServer{
		Server:       httptest.NewServer(r),
		DB:           db,
		EmailService: mockEmail,
		Tokens:       tokenManager,
		Escalation:   escalation,
		Blocklist:    blocklist,
		cancel:       cancel,
		done:         done,
	}, nil
}

// Close shuts down the test server and flushes queued attempts
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
	ts.cancel()
	<-ts.done
	ts.Escalation.WaitForEffects()
}

// OperatorToken issues a signed operator token for role
func (ts *TestServer) OperatorToken(operator, role string) string {
	token, err := ts.Tokens.GenerateOperatorToken(operator, role, time.Hour)
	if err != nil {
		panic(err)
	}
	return token
}

// Request makes an HTTP request to the test server
func (ts *TestServer) Request(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return http.DefaultClient.Do(req)
}

// RequestFrom makes a request that appears to come from clientIP
func (ts *TestServer) RequestFrom(clientIP, method, path string, body interface{}) (*http.Response, error) {
	return ts.Request(method, path, body, map[string]string{"X-Forwarded-For": clientIP})
}

// RequestWithAuth makes an authenticated HTTP request with an operator token
func (ts *TestServer) RequestWithAuth(method, path, token string, body interface{}) (*http.Response, error) {
	return ts.Request(method, path, body, map[string]string{"Authorization": "Bearer " + token})
}

// ParseJSONResponse parses JSON response body into target struct
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// GetErrorMessage extracts error message from error response
func GetErrorMessage(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	var errResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return "", err
	}
	if msg, ok := errResp["message"].(string); ok {
		return msg, nil
	}
	return "", nil
}
