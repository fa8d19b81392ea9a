package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ImageRef points at an image uploaded alongside a user message.
type ImageRef struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType"`
}

// Message is one entry of the collection conversation.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	ImageRefs []ImageRef `json:"imageRefs,omitempty"`
}

// Delete reasons recorded on soft-deleted sessions.
const (
	DeleteReasonTopicChanged  = "topic_changed"
	DeleteReasonUserCancelled = "user_cancelled"
	DeleteReasonSuperseded    = "superseded"
	DeleteReasonGenerated     = "generated"
)

// Session is the aggregate root of one slot-filling conversation.
//
// Sessions are values: every transition returns a new Session and leaves the
// receiver untouched. Callers thread the returned value forward.
type Session struct {
	UserID            string          `json:"userId"`
	SessionID         string          `json:"sessionId"`
	Domain            string          `json:"domain"`
	ConversationID    string          `json:"conversationId,omitempty"`
	CoachID           string          `json:"coachId,omitempty"`
	Slots             map[string]Slot `json:"slots"`
	History           []Message       `json:"conversationHistory"`
	TurnCount         int             `json:"turnCount"`
	IsComplete        bool            `json:"isComplete"`
	PartialCompletion bool            `json:"partialCompletion,omitempty"`
	IsDeleted         bool            `json:"isDeleted"`
	DeleteReason      string          `json:"deleteReason,omitempty"`
	StartedAt         time.Time       `json:"startedAt"`
	LastActivity      time.Time       `json:"lastActivity"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	Lock              GenerationLock  `json:"generationLock"`
}

// Clone returns a deep copy of the session's mutable collections.
func (s Session) Clone() Session {
	out := s
	out.Slots = make(map[string]Slot, len(s.Slots))
	for name, slot := range s.Slots {
		slot.ImageRefs = slices.Clone(slot.ImageRefs)
		if slot.ExtractedFrom != nil {
			p := *slot.ExtractedFrom
			slot.ExtractedFrom = &p
		}
		out.Slots[name] = slot
	}
	out.History = make([]Message, len(s.History))
	for i, msg := range s.History {
		msg.ImageRefs = slices.Clone(msg.ImageRefs)
		out.History[i] = msg
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Key returns the (user, session) identity used by the store.
func (s Session) Key() string {
	return s.UserID + "/" + s.SessionID
}

// IsActive reports whether the session still participates in collection.
func (s Session) IsActive() bool {
	return !s.IsDeleted
}

// WithMessage appends a message and bumps LastActivity.
func (s Session) WithMessage(msg Message) Session {
	out := s.Clone()
	out.History = append(out.History, msg)
	if msg.Timestamp.After(out.LastActivity) {
		out.LastActivity = msg.Timestamp
	}
	return out
}

// WithUserTurn appends a user message and advances the turn counter.
func (s Session) WithUserTurn(msg Message) Session {
	msg.Role = RoleUser
	out := s.WithMessage(msg)
	out.TurnCount++
	return out
}

// WithSlots replaces the slot map.
func (s Session) WithSlots(slots map[string]Slot) Session {
	out := s.Clone()
	out.Slots = maps.Clone(slots)
	return out
}

// MarkComplete flags the session as done collecting.
func (s Session) MarkComplete(partial bool) Session {
	out := s.Clone()
	out.IsComplete = true
	out.PartialCompletion = partial
	return out
}

// SoftDelete retires the session without removing it from storage.
func (s Session) SoftDelete(now time.Time, reason string) Session {
	out := s.Clone()
	out.IsDeleted = true
	out.DeleteReason = reason
	out.CompletedAt = &now
	out.LastActivity = now
	return out
}

// WithLock replaces the generation lock.
func (s Session) WithLock(lock GenerationLock) Session {
	out := s.Clone()
	out.Lock = lock
	return out
}

// Validate checks the invariants a persisted session must hold.
func (s Session) Validate(schema SlotSchema) error {
	for name, slot := range s.Slots {
		if _, ok := schema.Spec(name); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSlot, name)
		}
		if (slot.Value != nil) != slot.IsComplete() {
			return fmt.Errorf("slot %s: value presence does not match status %s", name, slot.Status)
		}
	}
	if s.IsComplete && !s.PartialCompletion {
		for _, name := range schema.Required() {
			if !s.Slots[name].IsComplete() {
				return fmt.Errorf("session complete but required slot %s is %s", name, s.Slots[name].Status)
			}
		}
	}
	return nil
}
