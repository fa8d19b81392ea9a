package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/slots"
	"github.com/ashureev/coach-intake/internal/store"
	"github.com/ashureev/coach-intake/internal/trigger"
)

// Snapshot is a read-only view of a session's progress.
type Snapshot struct {
	Session  domain.Session `json:"session"`
	Progress slots.Progress `json:"progress"`
}

// Get returns the active session of a conversation.
func (e *Engine) Get(ctx context.Context, userID, domainName, conversationID string) (Snapshot, error) {
	schema, err := e.Schemas.Get(domainName)
	if err != nil {
		return Snapshot{}, err
	}
	s, found, err := e.Sessions.Load(ctx, userID, Turn{Domain: domainName, ConversationID: conversationID}.key())
	if err != nil {
		return Snapshot{}, err
	}
	if !found {
		return Snapshot{}, ErrSessionNotFound
	}
	return Snapshot{Session: s, Progress: slots.ComputeProgress(s.Slots, schema)}, nil
}

// Cancel retires the active session of a conversation at the user's request.
func (e *Engine) Cancel(ctx context.Context, userID, domainName, conversationID string) (domain.Session, error) {
	snap, err := e.Get(ctx, userID, domainName, conversationID)
	if err != nil {
		return domain.Session{}, err
	}
	out, err := e.Sessions.CancelLatest(ctx, snap.Session, domain.DeleteReasonUserCancelled)
	if err != nil {
		return domain.Session{}, err
	}
	e.record(out, "api", domain.RoleUser, "cancelled", "", map[string]any{"reason": domain.DeleteReasonUserCancelled})
	return out, nil
}

// Generate re-enters the completion trigger for one session, typically
// after a FAILED lock. A session retired without generating, for example
// one the user cancelled, is reported as not found and never dispatched.
func (e *Engine) Generate(ctx context.Context, userID, sessionID string) (trigger.Result, error) {
	res, err := e.Trigger.Retry(ctx, userID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return trigger.Result{}, fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	}
	if s := res.Session; s.IsDeleted && s.DeleteReason != domain.DeleteReasonGenerated {
		return trigger.Result{}, fmt.Errorf("%w: session %s was %s", ErrSessionNotFound, sessionID, s.DeleteReason)
	}
	return res, err
}
