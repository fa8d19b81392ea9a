// Package api provides HTTP handlers for the intake API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/coach-intake/internal/config"
	"github.com/ashureev/coach-intake/internal/dispatch"
	"github.com/ashureev/coach-intake/internal/intake"
	"github.com/ashureev/coach-intake/internal/schema"
	"github.com/ashureev/coach-intake/internal/store"
	"github.com/ashureev/coach-intake/internal/trigger"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Handler serves the intake endpoints.
type Handler struct {
	engine      *intake.Engine
	reporter    dispatch.Reporter
	rateLimiter *RateLimiter
	cfg         *config.Config
}

// NewHandler creates a Handler. cfg may be nil in tests.
func NewHandler(engine *intake.Engine, reporter dispatch.Reporter, limiter *RateLimiter, cfg *config.Config) *Handler {
	return &Handler{engine: engine, reporter: reporter, rateLimiter: limiter, cfg: cfg}
}

// RegisterRoutes registers user-facing intake routes (identity required).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/intake", func(r chi.Router) {
		r.Post("/{domain}/messages", h.HandleMessage)
		r.Get("/{domain}/session", h.GetSession)
		r.Delete("/{domain}/session", h.CancelSession)
		r.Post("/sessions/{sessionID}/generate", h.Generate)
	})
}

// RegisterInternalRoutes registers routes for the downstream generator.
// They authenticate with the internal token, not the identity cookie.
func (h *Handler) RegisterInternalRoutes(r chi.Router) {
	r.Post("/internal/generation/complete", h.ReportCompletion)
}

func (h *Handler) maxBodySize() int64 {
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		return h.cfg.SSE.MaxRequestBodySize
	}
	return defaultMaxRequestBodySize
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// statusFor maps engine and trigger errors onto HTTP statuses. Retryable
// errors are the ones where nothing was dispatched and resending is safe.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, trigger.ErrLockAcquire):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, schema.ErrUnknownDomain),
		errors.Is(err, intake.ErrSessionNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, trigger.ErrNotComplete),
		errors.Is(err, trigger.ErrStaleTicket):
		return http.StatusConflict, false
	case errors.Is(err, trigger.ErrInvalidTicket),
		errors.Is(err, trigger.ErrInvalidOutcome):
		return http.StatusBadRequest, false
	default:
		return http.StatusInternalServerError, false
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, retryable := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	JSON(w, status, errorBody{Error: msg, Retryable: retryable})
}
