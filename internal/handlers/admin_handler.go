package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	"github.com/go-chi/chi/v5"
)

// AdminServiceInterface defines the operator control surface contract.
type AdminServiceInterface interface {
	EmergencyDisable(ctx context.Context, op services.Operator, reason string) (*models.PolicyState, error)
	ForceNormal(ctx context.Context, op services.Operator, reason string) (*models.PolicyState, error)
	ResumeAutomatic(ctx context.Context, op services.Operator, reason string) (*models.PolicyState, error)
	BlockSubject(ctx context.Context, op services.Operator, req services.BlockRequest) (*models.BlockEntry, error)
	BlacklistDomain(ctx context.Context, op services.Operator, domain, reason string) (*models.BlockEntry, error)
	Unblock(ctx context.Context, op services.Operator, subject string) error
	ListBlocks(ctx context.Context) ([]*models.BlockEntry, error)
	Configure(ctx context.Context, op services.Operator, thresholds *models.Thresholds, rolloutPercentage *int) (*models.PolicyState, error)
	GetPolicy(ctx context.Context) (*models.PolicyState, error)
	PurgeUnverified(ctx context.Context, op services.Operator) (int64, error)
	GetMetrics(ctx context.Context, from, to time.Time) (*services.MetricsReport, error)
	GetAttackPatterns(ctx context.Context, from, to time.Time, limit int) ([]*models.AttackPattern, error)
	ListTransitions(ctx context.Context, from, to time.Time, limit int) ([]*models.PolicyTransition, error)
}

// AdminHandler handles operator HTTP requests.
type AdminHandler struct {
	service  AdminServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(service AdminServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{service: service, ipConfig: ipConfig, logger: logger}
}

// PostureRequest carries the mandatory reason for a manual posture change
type PostureRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// BlockSubjectRequest is the body of POST /admin/blocks
type BlockSubjectRequest struct {
	Subject         string `json:"subject" validate:"required,max=255,block_subject"`
	DurationMinutes int    `json:"duration_minutes" validate:"gte=0,lte=525600"`
	Permanent       bool   `json:"permanent"`
	Reason          string `json:"reason" validate:"required,max=500"`
}

// DomainBlockRequest is the body of POST /admin/domains
type DomainBlockRequest struct {
	Domain string `json:"domain" validate:"required,fqdn,max=253"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// PolicyUpdateRequest is the body of PUT /admin/policy
type PolicyUpdateRequest struct {
	Thresholds        *models.Thresholds `json:"thresholds"`
	RolloutPercentage *int               `json:"rollout_percentage" validate:"omitempty,gte=0,lte=100"`
}

// ListResponse wraps list results with their count
type ListResponse struct {
	Items interface{} `json:"items"`
	Count int         `json:"count"`
}

func (h *AdminHandler) operator(r *http.Request) services.Operator {
	op := services.Operator{IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig)}
	if claims := auth.GetOperatorFromContext(r); claims != nil {
		op.ID = claims.Operator
	}
	return op
}

// writeServiceError maps service errors to HTTP responses
func (h *AdminHandler) writeServiceError(w http.ResponseWriter, err error, action string) {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		pkghttp.WriteValidationError(w, ve.Field, ve.Message)
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, err.Error())
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "resource not found")
	case errors.Is(err, models.ErrConcurrencyConflict):
		pkghttp.WriteConflict(w, "policy state changed concurrently, retry")
	case errors.Is(err, models.ErrDependencyUnavailable):
		pkghttp.WriteServiceUnavailable(w, "policy store unavailable")
	default:
		h.logger.Error("admin operation failed",
			slog.String("action", action),
			slog.Any("error", err))
		pkghttp.WriteInternalError(w, "internal server error")
	}
}

func (h *AdminHandler) decodePosture(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req PostureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return "", false
	}
	if err := ValidateRequest(&req); err != nil {
		writeValidation(w, err)
		return "", false
	}
	return req.Reason, true
}

// EmergencyDisable handles POST /admin/emergency-disable
func (h *AdminHandler) EmergencyDisable(w http.ResponseWriter, r *http.Request) {
	reason, ok := h.decodePosture(w, r)
	if !ok {
		return
	}
	state, err := h.service.EmergencyDisable(r.Context(), h.operator(r), reason)
	if err != nil {
		h.writeServiceError(w, err, "emergency_disable")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, state)
}

// ForceNormal handles POST /admin/force-normal
func (h *AdminHandler) ForceNormal(w http.ResponseWriter, r *http.Request) {
	reason, ok := h.decodePosture(w, r)
	if !ok {
		return
	}
	state, err := h.service.ForceNormal(r.Context(), h.operator(r), reason)
	if err != nil {
		h.writeServiceError(w, err, "force_normal")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, state)
}

// ResumeAutomatic handles POST /admin/resume-automatic
func (h *AdminHandler) ResumeAutomatic(w http.ResponseWriter, r *http.Request) {
	reason, ok := h.decodePosture(w, r)
	if !ok {
		return
	}
	state, err := h.service.ResumeAutomatic(r.Context(), h.operator(r), reason)
	if err != nil {
		h.writeServiceError(w, err, "resume_automatic")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, state)
}

// BlockSubject handles POST /admin/blocks
func (h *AdminHandler) BlockSubject(w http.ResponseWriter, r *http.Request) {
	var req BlockSubjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		writeValidation(w, err)
		return
	}

	entry, err := h.service.BlockSubject(r.Context(), h.operator(r), services.BlockRequest{
		Subject:         req.Subject,
		DurationMinutes: req.DurationMinutes,
		Permanent:       req.Permanent,
		Reason:          req.Reason,
	})
	if err != nil {
		h.writeServiceError(w, err, "block_subject")
		return
	}
	pkghttp.WriteJSON(w, http.StatusCreated, entry)
}

// BlacklistDomain handles POST /admin/domains
func (h *AdminHandler) BlacklistDomain(w http.ResponseWriter, r *http.Request) {
	var req DomainBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		writeValidation(w, err)
		return
	}

	entry, err := h.service.BlacklistDomain(r.Context(), h.operator(r), req.Domain, req.Reason)
	if err != nil {
		h.writeServiceError(w, err, "blacklist_domain")
		return
	}
	pkghttp.WriteJSON(w, http.StatusCreated, entry)
}

// Unblock handles DELETE /admin/blocks/{subject}
// CIDR subjects arrive path-escaped (10.0.0.0%2F24).
func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	subject, err := url.PathUnescape(chi.URLParam(r, "subject"))
	if err != nil || subject == "" {
		pkghttp.WriteBadRequest(w, "invalid subject")
		return
	}

	if err := h.service.Unblock(r.Context(), h.operator(r), subject); err != nil {
		h.writeServiceError(w, err, "unblock")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListBlocks handles GET /admin/blocks
func (h *AdminHandler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ListBlocks(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "list_blocks")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, ListResponse{Items: entries, Count: len(entries)})
}

// GetPolicy handles GET /admin/policy
func (h *AdminHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.GetPolicy(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "get_policy")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, state)
}

// UpdatePolicy handles PUT /admin/policy
func (h *AdminHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		writeValidation(w, err)
		return
	}

	state, err := h.service.Configure(r.Context(), h.operator(r), req.Thresholds, req.RolloutPercentage)
	if err != nil {
		h.writeServiceError(w, err, "configure")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, state)
}

// PurgeUnverified handles POST /admin/purge-unverified
func (h *AdminHandler) PurgeUnverified(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.PurgeUnverified(r.Context(), h.operator(r))
	if err != nil {
		h.writeServiceError(w, err, "purge_unverified")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// GetMetrics handles GET /admin/metrics?from=&to=
func (h *AdminHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseTimeRange(r)
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	report, err := h.service.GetMetrics(r.Context(), from, to)
	if err != nil {
		h.writeServiceError(w, err, "get_metrics")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, report)
}

// GetAttackPatterns handles GET /admin/patterns?from=&to=&limit=
func (h *AdminHandler) GetAttackPatterns(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseTimeRange(r)
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	patterns, err := h.service.GetAttackPatterns(r.Context(), from, to, parseLimit(r, 200, 1000))
	if err != nil {
		h.writeServiceError(w, err, "get_patterns")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, ListResponse{Items: patterns, Count: len(patterns)})
}

// ListTransitions handles GET /admin/transitions?from=&to=&limit=
func (h *AdminHandler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseTimeRange(r)
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	transitions, err := h.service.ListTransitions(r.Context(), from, to, parseLimit(r, 200, 1000))
	if err != nil {
		h.writeServiceError(w, err, "list_transitions")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, ListResponse{Items: transitions, Count: len(transitions)})
}

// parseTimeRange reads optional RFC 3339 from/to query params.
// Zero values are defaulted by the service.
func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	var from, to time.Time
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, errors.New("from must be an RFC 3339 timestamp")
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, errors.New("to must be an RFC 3339 timestamp")
		}
		to = t
	}
	return from, to, nil
}

func parseLimit(r *http.Request, def, upper int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= upper {
			return n
		}
	}
	return def
}
