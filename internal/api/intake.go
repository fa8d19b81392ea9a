package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/identity"
	"github.com/ashureev/coach-intake/internal/intake"
)

const (
	maxImagesPerMessage      = 8
	defaultKeepaliveInterval = 10 * time.Second
)

// MessageRequest is the body of POST /api/intake/{domain}/messages.
type MessageRequest struct {
	Message string            `json:"message"`
	CoachID string            `json:"coachId,omitempty"`
	Images  []domain.ImageRef `json:"images,omitempty"`
	Restart bool              `json:"restart,omitempty"`
}

// HandleMessage runs one turn and streams its events as SSE. Nothing is
// written until the first event, so an error that happens before any
// output still gets a proper status code.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	domainName := chi.URLParam(r, "domain")
	if _, err := h.engine.Schemas.Get(domainName); err != nil {
		writeError(w, err)
		return
	}
	if h.rateLimiter != nil && !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" && len(req.Images) == 0 {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if len(req.Images) > maxImagesPerMessage {
		Error(w, http.StatusBadRequest, fmt.Sprintf("at most %d images per message", maxImagesPerMessage))
		return
	}

	conversationID := identity.ConversationIDFromContext(r.Context())
	slog.Info("intake message",
		"user_id", userID,
		"domain", domainName,
		"conversation_id", conversationID,
		"message_length", len(req.Message),
		"images", len(req.Images),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	turn := intake.Turn{
		UserID:         userID,
		Domain:         domainName,
		ConversationID: conversationID,
		CoachID:        req.CoachID,
		Text:           req.Message,
		Images:         req.Images,
		Restart:        req.Restart,
		Channel:        "sse",
	}

	stream := newSSEStream(w)
	events, stop := h.pump(r, turn)
	defer stop()

	keepalive := time.NewTicker(h.keepaliveInterval())
	defer keepalive.Stop()
	for {
		select {
		case <-keepalive.C:
			// Only once the stream is open; before that a status is still pending.
			if stream.started {
				if err := stream.comment("keepalive"); err != nil {
					return
				}
			}
		case it, ok := <-events:
			if !ok {
				return
			}
			if it.err != nil {
				if !stream.started {
					writeError(w, it.err)
					return
				}
				status, retryable := statusFor(it.err)
				slog.Error("intake turn failed mid-stream", "user_id", userID, "status", status, "error", it.err)
				_ = stream.send(intake.Event{Type: intake.EventError, Error: it.err.Error(), Retryable: retryable})
				return
			}
			if err := stream.send(it.ev); err != nil {
				slog.Warn("failed to write SSE event", "user_id", userID, "error", err)
				return
			}
		}
	}
}

type turnItem struct {
	ev  intake.Event
	err error
}

// pump runs the turn in its own goroutine so keepalives can be written
// while the engine is busy. stop ends the turn early and waits for the
// engine to finish persisting.
func (h *Handler) pump(r *http.Request, turn intake.Turn) (<-chan turnItem, func()) {
	out := make(chan turnItem)
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		for ev, err := range h.engine.HandleTurn(r.Context(), turn) {
			select {
			case out <- turnItem{ev: ev, err: err}:
			case <-quit:
				return
			}
		}
	}()
	var once sync.Once
	return out, func() {
		once.Do(func() { close(quit) })
		<-done
	}
}

func (h *Handler) keepaliveInterval() time.Duration {
	if h.cfg != nil && h.cfg.SSE.KeepaliveInterval > 0 {
		return h.cfg.SSE.KeepaliveInterval
	}
	return defaultKeepaliveInterval
}

// GetSession returns the active session of the caller's conversation.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	snap, err := h.engine.Get(r.Context(), userID, chi.URLParam(r, "domain"), identity.ConversationIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// CancelSession retires the active session of the caller's conversation.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s, err := h.engine.Cancel(r.Context(), userID, chi.URLParam(r, "domain"), identity.ConversationIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"sessionId": s.SessionID, "deleteReason": s.DeleteReason})
}

// Generate retries generation for a completed session.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := h.engine.Generate(r.Context(), userID, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Triggered {
		status = http.StatusAccepted
	}
	JSON(w, status, intake.NewGenerationStatus(res))
}

// sseStream writes events with increasing ids, sending headers lazily.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	nextID  int64
}

func newSSEStream(w http.ResponseWriter) *sseStream {
	f, _ := w.(http.Flusher)
	return &sseStream{w: w, flusher: f}
}

func (s *sseStream) send(ev intake.Event) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.nextID++
	if err := writeSSEWithID(s.w, s.nextID, string(ev.Type), string(data)); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseStream) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
