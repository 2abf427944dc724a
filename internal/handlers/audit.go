package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

// AuditLister reads persisted audit events
type AuditLister interface {
	ListEvents(ctx context.Context, eventType string, from, to time.Time, limit int) ([]*models.AuditLog, error)
}

// AuditHandler handles audit log HTTP requests
type AuditHandler struct {
	audit  AuditLister
	logger *slog.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(audit AuditLister, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

// AuditLogResponse represents an audit log entry in HTTP response
type AuditLogResponse struct {
	ID            string                 `json:"id"`
	EventType     string                 `json:"event_type"`
	Actor         string                 `json:"actor"`
	ResourceType  *string                `json:"resource_type,omitempty"`
	ResourceID    *string                `json:"resource_id,omitempty"`
	Action        string                 `json:"action"`
	Success       bool                   `json:"success"`
	FailureReason *string                `json:"failure_reason,omitempty"`
	IPAddress     *string                `json:"ip_address,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     string                 `json:"created_at"`
}

var auditEventTypes = map[string]bool{
	models.AuditEventTypeRegistration: true,
	models.AuditEventTypePosture:      true,
	models.AuditEventTypeBlock:        true,
	models.AuditEventTypeConfigure:    true,
	models.AuditEventTypePurge:        true,
}

// ListEvents handles GET /admin/audit?event_type=&from=&to=&limit=
func (h *AuditHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("event_type")
	if eventType != "" && !auditEventTypes[eventType] {
		pkghttp.WriteBadRequest(w, "unknown event_type")
		return
	}

	from, to, err := parseTimeRange(r)
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	if to.IsZero() {
		to = time.Now()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	if !from.Before(to) {
		pkghttp.WriteBadRequest(w, "from must be before to")
		return
	}

	logs, err := h.audit.ListEvents(r.Context(), eventType, from, to, parseLimit(r, 100, 500))
	if err != nil {
		h.logger.Error("failed to list audit events", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "failed to retrieve audit events")
		return
	}

	items := make([]AuditLogResponse, 0, len(logs))
	for _, l := range logs {
		items = append(items, AuditLogResponse{
			ID:            l.ID.String(),
			EventType:     l.EventType,
			Actor:         l.Actor,
			ResourceType:  l.ResourceType,
			ResourceID:    l.ResourceID,
			Action:        l.Action,
			Success:       l.Success,
			FailureReason: l.FailureReason,
			IPAddress:     l.IPAddress,
			Metadata:      l.Metadata,
			CreatedAt:     l.CreatedAt.Format(time.RFC3339),
		})
	}

	pkghttp.WriteJSON(w, http.StatusOK, ListResponse{Items: items, Count: len(items)})
}
