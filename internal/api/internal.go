package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/coach-intake/internal/trigger"
)

// InternalTokenHeader authenticates the downstream generator.
const InternalTokenHeader = "X-Internal-Token"

// CompletionReport is the body of POST /internal/generation/complete.
type CompletionReport struct {
	Ticket   string `json:"ticket"`
	ResultID string `json:"resultId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ReportCompletion records a generation outcome sent by the generator.
func (h *Handler) ReportCompletion(w http.ResponseWriter, r *http.Request) {
	if !h.internalAuthorized(r) {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.reporter == nil {
		Error(w, http.StatusServiceUnavailable, "completion reporting disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	var body CompletionReport
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ticket, err := trigger.ParseTicket(body.Ticket)
	if err != nil {
		writeError(w, err)
		return
	}

	s, err := h.reporter.ReportCompletion(r.Context(), ticket, trigger.Outcome{ResultID: body.ResultID, Error: body.Error})
	if err != nil {
		slog.Warn("generation report rejected", "ticket", body.Ticket, "error", err)
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"sessionId":  s.SessionID,
		"lockStatus": s.Lock.Status,
		"resultId":   s.Lock.ResultID,
	})
}

func (h *Handler) internalAuthorized(r *http.Request) bool {
	if h.cfg == nil || h.cfg.InternalToken == "" {
		return false
	}
	got := r.Header.Get(InternalTokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.InternalToken)) == 1
}
