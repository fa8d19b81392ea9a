package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/identity"
	"github.com/ashureev/coach-intake/internal/intake"
	"github.com/ashureev/coach-intake/internal/store"
	"github.com/ashureev/coach-intake/internal/trigger"
)

const (
	writeTimeout     = 10 * time.Second
	lastSeenTimeout  = 5 * time.Second
	maxMessageBytes  = 64 << 10
	maxImagesPerTurn = 8
)

// inbound is a client frame.
type inbound struct {
	Type    string            `json:"type"`
	Domain  string            `json:"domain,omitempty"`
	Message string            `json:"message,omitempty"`
	CoachID string            `json:"coachId,omitempty"`
	Images  []domain.ImageRef `json:"images,omitempty"`
	Restart bool              `json:"restart,omitempty"`
}

// Handler upgrades to WebSocket and runs one turn per "message" frame.
// Turns on a connection are handled in order.
type Handler struct {
	engine        *intake.Engine
	repo          store.Repository
	registry      *Registry
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a WebSocket turn handler. repo may be nil.
func NewHandler(engine *intake.Engine, repo store.Repository, registry *Registry, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		engine:        engine,
		repo:          repo,
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID := identity.ConversationIDFromContext(r.Context())
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(maxMessageBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "conversation ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.registry.Register(userID, conversationID, ws)
	defer h.registry.Unregister(userID, conversationID, ws)

	ctx := r.Context()
	for {
		var msg inbound
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		switch msg.Type {
		case "ping":
			if err := write(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				return
			}
		case "message":
			if !h.runTurn(ctx, ws, userID, conversationID, msg) {
				return
			}
			h.touch(userID)
		default:
			if err := write(ctx, ws, intake.Event{Type: intake.EventError, Error: "unknown frame type " + msg.Type}); err != nil {
				return
			}
		}
	}
}

// runTurn streams one turn's events. It returns false when the connection
// is no longer writable.
func (h *Handler) runTurn(ctx context.Context, ws *websocket.Conn, userID, conversationID string, msg inbound) bool {
	msg.Message = strings.TrimSpace(msg.Message)
	if msg.Message == "" && len(msg.Images) == 0 {
		return write(ctx, ws, intake.Event{Type: intake.EventError, Error: "message is required"}) == nil
	}
	if len(msg.Images) > maxImagesPerTurn {
		return write(ctx, ws, intake.Event{Type: intake.EventError, Error: "too many images"}) == nil
	}

	turn := intake.Turn{
		UserID:         userID,
		Domain:         msg.Domain,
		ConversationID: conversationID,
		CoachID:        msg.CoachID,
		Text:           msg.Message,
		Images:         msg.Images,
		Restart:        msg.Restart,
		Channel:        "websocket",
	}
	for ev, err := range h.engine.HandleTurn(ctx, turn) {
		if err != nil {
			slog.Error("intake turn failed", "user_id", userID, "domain", msg.Domain, "error", err)
			return write(ctx, ws, intake.Event{
				Type:      intake.EventError,
				Error:     err.Error(),
				Retryable: errors.Is(err, trigger.ErrLockAcquire),
			}) == nil
		}
		if err := write(ctx, ws, ev); err != nil {
			slog.Debug("WebSocket write error", "error", err, "user_id", userID)
			return false
		}
	}
	return true
}

func (h *Handler) touch(userID string) {
	if h.repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lastSeenTimeout)
		defer cancel()
		if err := h.repo.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
			slog.Warn("Failed to update last seen", "error", err)
		}
	}()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func write(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}
