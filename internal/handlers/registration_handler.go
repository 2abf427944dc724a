package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

// RegistrationEvaluator decides registration attempts
type RegistrationEvaluator interface {
	Evaluate(ctx context.Context, req services.AttemptRequest) (models.Decision, error)
}

// PendingRegistrations exposes verification and availability of pending registrations
type PendingRegistrations interface {
	Verify(ctx context.Context, plainToken string) (*models.PendingRegistration, error)
	IsRegistered(ctx context.Context, email string) (bool, error)
}

// RegistrationHandler serves the public registration endpoints
type RegistrationHandler struct {
	registration RegistrationEvaluator
	pending      PendingRegistrations
	timing       *auth.TimingDelay
	ipConfig     *pkghttp.IPConfig
	logger       *slog.Logger
}

// NewRegistrationHandler creates a new RegistrationHandler
func NewRegistrationHandler(registration RegistrationEvaluator, pending PendingRegistrations, timing *auth.TimingDelay, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *RegistrationHandler {
	return &RegistrationHandler{
		registration: registration,
		pending:      pending,
		timing:       timing,
		ipConfig:     ipConfig,
		logger:       logger,
	}
}

// RegisterRequest is the body of POST /register
type RegisterRequest struct {
	Email        string `json:"email" validate:"required,email,max=254"`
	Fingerprint  string `json:"fingerprint" validate:"max=256"`
	CaptchaToken string `json:"captcha_token" validate:"max=4096"`
}

// VerifyRequest is the body of POST /register/verify
type VerifyRequest struct {
	Token string `json:"token" validate:"required,max=128"`
}

// RegisterResponse is returned for allowed attempts
type RegisterResponse struct {
	Outcome models.DecisionOutcome `json:"outcome"`
	Message string                 `json:"message"`
}

// AvailabilityResponse is returned by GET /register/availability
type AvailabilityResponse struct {
	Email     string `json:"email"`
	Available bool   `json:"available"`
}

// VerifyResponse is returned by POST /register/verify
type VerifyResponse struct {
	Email      string    `json:"email"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Register handles POST /register
func (h *RegistrationHandler) Register(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		writeValidation(w, err)
		return
	}

	decision, err := h.registration.Evaluate(r.Context(), services.AttemptRequest{
		IP:           pkghttp.ExtractClientIP(r, h.ipConfig),
		Email:        req.Email,
		Fingerprint:  req.Fingerprint,
		CaptchaToken: req.CaptchaToken,
	})
	if err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			pkghttp.WriteValidationError(w, ve.Field, ve.Message)
			return
		}
		h.logger.Error("registration evaluation failed",
			slog.String("email", pkglogger.SanitizedEmail(req.Email)),
			slog.Any("error", err))
		pkghttp.WriteInternalError(w, "internal server error")
		return
	}

	h.writeDecision(w, r, start, decision)
}

// writeDecision maps a decision to its HTTP status. Every rejection except
// rate limiting is held to the same minimum latency.
func (h *RegistrationHandler) writeDecision(w http.ResponseWriter, r *http.Request, start time.Time, d models.Decision) {
	switch d.Outcome {
	case models.OutcomeAllowed:
		pkghttp.WriteJSON(w, http.StatusAccepted, RegisterResponse{
			Outcome: d.Outcome,
			Message: "check your email to complete registration",
		})
	case models.OutcomeChallenged:
		pkghttp.WriteJSON(w, http.StatusPreconditionRequired, d)
	default:
		status := http.StatusForbidden
		switch d.Reason {
		case models.ReasonRateLimitExceeded:
			pkghttp.SetRetryAfter(w, time.Duration(d.RetryAfterSeconds)*time.Second)
			pkghttp.WriteJSON(w, http.StatusTooManyRequests, d)
			return
		case models.ReasonRegistrationDisabled:
			status = http.StatusServiceUnavailable
		}
		h.timing.WaitFrom(r.Context(), start, true)
		pkghttp.WriteJSON(w, status, d)
	}
}

// Availability handles GET /register/availability?email=
func (h *RegistrationHandler) Availability(w http.ResponseWriter, r *http.Request) {
	email := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("email")))
	if err := validate.Var(email, "required,email,max=254"); err != nil {
		pkghttp.WriteBadRequest(w, "email must be a valid email address")
		return
	}

	registered, err := h.pending.IsRegistered(r.Context(), email)
	if err != nil {
		h.logger.Error("availability lookup failed",
			slog.String("email", pkglogger.SanitizedEmail(email)),
			slog.Any("error", err))
		pkghttp.WriteInternalError(w, "internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, AvailabilityResponse{Email: email, Available: !registered})
}

// Verify handles POST /register/verify
func (h *RegistrationHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		writeValidation(w, err)
		return
	}

	pending, err := h.pending.Verify(r.Context(), req.Token)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUnauthorized):
			pkghttp.WriteBadRequest(w, "invalid or expired verification token")
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteConflict(w, "email already registered")
		default:
			h.logger.Error("verification failed", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "internal server error")
		}
		return
	}

	resp := VerifyResponse{Email: pending.Email}
	if pending.VerifiedAt != nil {
		resp.VerifiedAt = *pending.VerifiedAt
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}
