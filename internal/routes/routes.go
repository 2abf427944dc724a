package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/handlers"
	"github.com/BradenHooton/gatekeeper/internal/middleware"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	"github.com/go-chi/chi/v5"
)

// Handlers groups the HTTP handlers mounted by RegisterRoutes
type Handlers struct {
	Registration *handlers.RegistrationHandler
	Admin        *handlers.AdminHandler
	Audit        *handlers.AuditHandler
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	h Handlers,
	tokenManager *auth.TokenManager,
	ipConfig *pkghttp.IPConfig,
) {
	// Public registration routes. POST /register is throttled by the decision
	// pipeline itself, not by httprate.
	router.Post("/register", h.Registration.Register)
	router.Post("/register/verify", h.Registration.Verify)
	router.With(middleware.RateLimitByIP(middleware.DefaultAvailabilityRateLimit(ipConfig))).
		Get("/register/availability", h.Registration.Availability)

	// Operator control surface
	router.Route("/admin", func(r chi.Router) {
		r.Use(auth.OperatorAuthMiddleware(tokenManager))
		r.Use(middleware.RateLimitByOperator(middleware.DefaultAdminRateLimit(ipConfig)))

		// read-only views
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(models.RoleOperator, models.RoleViewer))
			r.Get("/policy", h.Admin.GetPolicy)
			r.Get("/blocks", h.Admin.ListBlocks)
			r.Get("/metrics", h.Admin.GetMetrics)
			r.Get("/patterns", h.Admin.GetAttackPatterns)
			r.Get("/transitions", h.Admin.ListTransitions)
			r.Get("/audit", h.Audit.ListEvents)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(models.RoleOperator))
			r.Post("/emergency-disable", h.Admin.EmergencyDisable)
			r.Post("/force-normal", h.Admin.ForceNormal)
			r.Post("/resume-automatic", h.Admin.ResumeAutomatic)
			r.Post("/blocks", h.Admin.BlockSubject)
			r.Delete("/blocks/{subject}", h.Admin.Unblock)
			r.Post("/domains", h.Admin.BlacklistDomain)
			r.Put("/policy", h.Admin.UpdatePolicy)
			r.Post("/purge-unverified", h.Admin.PurgeUnverified)
		})
	})
}

// RegisterOpsRoutes mounts /health and /metrics. Every named check must pass for
// the service to report healthy.
func RegisterOpsRoutes(router chi.Router, checks map[string]HealthCheck, metricsHandler http.Handler) {
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		deps := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				deps[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			deps[name] = "up"
		}

		overall := "healthy"
		if status != http.StatusOK {
			overall = "unhealthy"
		}
		pkghttp.WriteJSON(w, status, map[string]interface{}{
			"status":       overall,
			"dependencies": deps,
		})
	})

	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler)
	}
}
