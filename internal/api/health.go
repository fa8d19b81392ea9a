package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/coach-intake/internal/schema"
	"github.com/ashureev/coach-intake/internal/store"
)

const healthCheckTimeout = 5 * time.Second

// ReadinessChecker is an optional dependency probe, such as the remote
// generator connection.
type ReadinessChecker interface {
	Ready() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo      store.Repository
	schemas   *schema.Registry
	generator ReadinessChecker
}

// NewHealthHandler creates a new health handler. generator may be nil.
func NewHealthHandler(repo store.Repository, schemas *schema.Registry, generator ReadinessChecker) *HealthHandler {
	return &HealthHandler{repo: repo, schemas: schemas, generator: generator}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		checks["database"] = "unreachable"
		status, statusCode = "degraded", http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.generator != nil {
		if h.generator.Ready() {
			checks["generator"] = "ok"
		} else {
			// Turns still work; only dispatch is affected.
			checks["generator"] = "unreachable"
			status = "degraded"
		}
	}

	body := map[string]any{"status": status, "checks": checks}
	if h.schemas != nil {
		body["domains"] = h.schemas.Domains()
	}
	JSON(w, statusCode, body)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
