package intake

import (
	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/policy"
	"github.com/ashureev/coach-intake/internal/question"
	"github.com/ashureev/coach-intake/internal/slots"
	"github.com/ashureev/coach-intake/internal/trigger"
)

// EventType names what a turn emits to the transport.
type EventType string

const (
	// EventFragment carries one piece of streamed assistant text.
	EventFragment EventType = "fragment"
	// EventMessage carries the full assistant message once streaming ends.
	EventMessage EventType = "message"
	// EventCancelled means the session was dropped for a topic change; the
	// raw user message must be handled by ordinary conversation.
	EventCancelled EventType = "cancelled"
	// EventGeneration reports the completion trigger outcome.
	EventGeneration EventType = "generation"
	// EventError is produced by transports for hard errors.
	EventError EventType = "error"
)

// Event is one item of a turn's output stream.
type Event struct {
	Type       EventType         `json:"type"`
	SessionID  string            `json:"sessionId,omitempty"`
	Text       string            `json:"text,omitempty"`
	Kind       question.Kind     `json:"kind,omitempty"`
	State      policy.State      `json:"state,omitempty"`
	Progress   *slots.Progress   `json:"progress,omitempty"`
	TurnCount  int               `json:"turnCount,omitempty"`
	Fallback   bool              `json:"fallback,omitempty"`
	Redispatch string            `json:"redispatch,omitempty"`
	Generation *GenerationStatus `json:"generation,omitempty"`
	Error      string            `json:"error,omitempty"`
	Retryable  bool              `json:"retryable,omitempty"`
}

// GenerationStatus is the transport view of a trigger.Result.
type GenerationStatus struct {
	Triggered      bool              `json:"triggered"`
	AlreadyRunning bool              `json:"alreadyRunning"`
	ResultID       string            `json:"resultId,omitempty"`
	Ticket         string            `json:"ticket,omitempty"`
	LockStatus     domain.LockStatus `json:"lockStatus"`
	Partial        bool              `json:"partial"`
	DispatchError  string            `json:"dispatchError,omitempty"`
}

// NewGenerationStatus converts a trigger result.
func NewGenerationStatus(res trigger.Result) *GenerationStatus {
	st := &GenerationStatus{
		Triggered:      res.Triggered,
		AlreadyRunning: res.AlreadyRunning,
		ResultID:       res.ResultID,
		LockStatus:     res.Session.Lock.Status,
		Partial:        res.Session.PartialCompletion,
	}
	if res.Ticket.Attempt > 0 {
		st.Ticket = res.Ticket.String()
	}
	if res.DispatchErr != nil {
		st.DispatchError = res.DispatchErr.Error()
	}
	return st
}
