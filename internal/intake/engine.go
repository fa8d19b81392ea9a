// Package intake runs one user turn of a slot-filling collection session
// end to end: load, extract, decide, then either ask the next question or
// hand off to generation.
package intake

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/extract"
	"github.com/ashureev/coach-intake/internal/policy"
	"github.com/ashureev/coach-intake/internal/question"
	"github.com/ashureev/coach-intake/internal/session"
	"github.com/ashureev/coach-intake/internal/slots"
	"github.com/ashureev/coach-intake/internal/store"
	"github.com/ashureev/coach-intake/internal/transcript"
	"github.com/ashureev/coach-intake/internal/trigger"
)

// ErrSessionNotFound is returned when no active session matches.
var ErrSessionNotFound = errors.New("no active collection session")

// Extractor is the subset of *extract.Extractor the engine uses.
type Extractor interface {
	Extract(ctx context.Context, in extract.Input) extract.Result
}

// Trigger is the subset of *trigger.Trigger the engine uses.
type Trigger interface {
	Fire(ctx context.Context, s domain.Session) (trigger.Result, error)
	Retry(ctx context.Context, userID, sessionID string) (trigger.Result, error)
}

// Turn is one inbound user message.
type Turn struct {
	UserID         string
	Domain         string
	ConversationID string
	CoachID        string
	Text           string
	Images         []domain.ImageRef
	// Restart retires any active session and starts collecting afresh.
	Restart bool
	At      time.Time
	// Channel names the transport, for transcripts.
	Channel string
}

func (t Turn) key() session.Key {
	return session.Key{Domain: t.Domain, ConversationID: t.ConversationID, CoachID: t.CoachID}
}

// Deps are the engine's collaborators. Contexts, Personas and Transcript
// are optional.
type Deps struct {
	Schemas    session.Schemas
	Sessions   *session.Manager
	Extractor  Extractor
	Questions  *question.Generator
	Trigger    Trigger
	Contexts   ContextProvider
	Personas   PersonaProvider
	Transcript transcript.Logger
	Logger     *slog.Logger
}

// Engine is safe for concurrent use; it holds no per-session state.
type Engine struct {
	Deps
}

// New returns an Engine.
func New(deps Deps) *Engine {
	if deps.Transcript == nil {
		deps.Transcript = transcript.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{Deps: deps}
}

// emitter wraps a range-over-func yield so nothing is sent after the
// consumer stops.
type emitter struct {
	yield   func(Event, error) bool
	stopped bool
}

func (e *emitter) event(ev Event) bool {
	if e.stopped {
		return false
	}
	if !e.yield(ev, nil) {
		e.stopped = true
	}
	return !e.stopped
}

func (e *emitter) fail(err error) {
	if !e.stopped {
		e.stopped = true
		e.yield(Event{}, err)
	}
}

// HandleTurn processes one user message and returns the events to stream.
//
// Errors yielded are hard failures: an unknown domain, a session that
// cannot be loaded, or trigger.ErrLockAcquire. Extraction and text
// generation failures never surface; they degrade to fallbacks.
func (e *Engine) HandleTurn(ctx context.Context, turn Turn) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		out := &emitter{yield: yield}
		if turn.At.IsZero() {
			turn.At = e.Sessions.Now().UTC()
		}

		schema, err := e.Schemas.Get(turn.Domain)
		if err != nil {
			out.fail(err)
			return
		}

		var (
			s         domain.Session
			found     bool
			domainCtx string
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if turn.Restart {
				return nil
			}
			var err error
			s, found, err = e.Sessions.Load(gctx, turn.UserID, turn.key())
			return err
		})
		g.Go(func() error {
			domainCtx = e.domainContext(gctx, turn)
			return nil
		})
		if err := g.Wait(); err != nil {
			out.fail(err)
			return
		}

		if !found {
			s, err = e.Sessions.Start(ctx, turn.UserID, turn.key(), schema)
			if err != nil {
				out.fail(err)
				return
			}
		}

		if s.IsComplete {
			e.completedSessionTurn(ctx, out, s, schema, turn)
			return
		}

		prior := s.History
		s = e.Sessions.AppendTurn(s, domain.Message{Content: turn.Text, Timestamp: turn.At, ImageRefs: turn.Images})
		e.record(s, turn.Channel, domain.RoleUser, "user_turn", turn.Text, nil)

		in := extract.Input{
			Text:          turn.Text,
			Images:        turn.Images,
			History:       prior,
			Slots:         s.Slots,
			Schema:        schema,
			DomainContext: domainCtx,
			Turn:          s.TurnCount,
			At:            turn.At,
		}
		var (
			res     extract.Result
			persona string
		)
		g, gctx = errgroup.WithContext(ctx)
		g.Go(func() error {
			res = e.Extractor.Extract(gctx, in)
			return nil
		})
		g.Go(func() error {
			persona = e.persona(gctx, turn)
			return nil
		})
		_ = g.Wait()

		s = s.WithSlots(slots.Apply(s.Slots, res.Patch, schema, in.Source()))
		decision := policy.Decide(policy.Input{
			Slots:         s.Slots,
			Schema:        schema,
			WantsToFinish: res.WantsToFinish,
			ChangedTopic:  res.ChangedTopic,
			TurnCount:     s.TurnCount,
		})

		e.Logger.Info("intake turn evaluated",
			"user_id", s.UserID,
			"session_id", s.SessionID,
			"domain", s.Domain,
			"turn", s.TurnCount,
			"state", decision.State,
			"extraction_failed", res.Failed,
			"completed_required", decision.Progress.CompletedRequired,
			"total_required", decision.Progress.TotalRequired,
		)

		switch {
		case decision.State == policy.StateCancelled:
			e.cancelForTopicChange(ctx, out, s, schema, turn)
		case decision.Complete:
			e.complete(ctx, out, s, schema, decision, turn, persona)
		default:
			e.ask(ctx, out, s, schema, decision, res, turn, persona)
		}
	}
}

func (e *Engine) cancelForTopicChange(ctx context.Context, out *emitter, s domain.Session, schema domain.SlotSchema, turn Turn) {
	cancelled, err := e.Sessions.Cancel(ctx, s, domain.DeleteReasonTopicChanged)
	if errors.Is(err, store.ErrConflict) {
		e.resolveConflict(ctx, out, s, schema, turn)
		return
	}
	if err != nil {
		e.Logger.Error("failed to persist topic-change cancellation",
			"user_id", s.UserID,
			"session_id", s.SessionID,
			"error", err,
		)
		cancelled = s
	}
	e.record(cancelled, turn.Channel, domain.RoleAssistant, "cancelled", "", map[string]any{"reason": domain.DeleteReasonTopicChanged})
	out.event(Event{
		Type:       EventCancelled,
		SessionID:  s.SessionID,
		State:      policy.StateCancelled,
		TurnCount:  s.TurnCount,
		Redispatch: turn.Text,
	})
}

// resolveConflict finishes a turn whose write lost to a concurrent delivery
// on the same session. The stored copy decides what the user is told.
func (e *Engine) resolveConflict(ctx context.Context, out *emitter, s domain.Session, schema domain.SlotSchema, turn Turn) {
	current, err := e.Sessions.Get(ctx, s.UserID, s.SessionID)
	if err != nil {
		out.fail(err)
		return
	}
	e.Logger.Info("turn lost a concurrent write, using stored session",
		"user_id", s.UserID,
		"session_id", s.SessionID,
		"complete", current.IsComplete,
		"deleted", current.IsDeleted,
		"lock_status", current.Lock.Status,
	)
	switch {
	case current.IsComplete:
		e.completedSessionTurn(ctx, out, current, schema, turn)
	case current.IsDeleted:
		out.event(Event{
			Type:       EventCancelled,
			SessionID:  current.SessionID,
			State:      policy.StateCancelled,
			TurnCount:  current.TurnCount,
			Redispatch: turn.Text,
		})
	default:
		// The lock moved while collection is still open. Nothing was
		// written; the client may resend.
		out.fail(fmt.Errorf("%w: %w", trigger.ErrLockAcquire, store.ErrConflict))
	}
}

func (e *Engine) ask(ctx context.Context, out *emitter, s domain.Session, schema domain.SlotSchema, d policy.Decision, res extract.Result, turn Turn, persona string) {
	if err := e.Sessions.Persist(ctx, s); err != nil {
		if errors.Is(err, store.ErrConflict) {
			e.resolveConflict(ctx, out, s, schema, turn)
			return
		}
		e.Logger.Error("failed to persist turn", "user_id", s.UserID, "session_id", s.SessionID, "error", err)
	}

	kind := question.KindInterstitial
	if res.Failed {
		kind = question.KindFallback
	}
	stream := e.Questions.Stream(ctx, question.Request{
		Kind:            kind,
		Schema:          schema,
		Decision:        d,
		Slots:           s.Slots,
		LastUserMessage: turn.Text,
		Persona:         persona,
	})
	text := e.relay(out, s.SessionID, stream)
	fallback := kind == question.KindFallback || stream.UsedFallback()

	s = e.appendAssistant(ctx, s, text)
	e.record(s, turn.Channel, domain.RoleAssistant, "question", text, map[string]any{
		"state":    d.State,
		"focus":    d.Focus,
		"fallback": fallback,
		"partial":  stream.Err() != nil && !stream.UsedFallback(),
	})

	progress := d.Progress
	out.event(Event{
		Type:      EventMessage,
		SessionID: s.SessionID,
		Text:      text,
		Kind:      kind,
		State:     d.State,
		Progress:  &progress,
		TurnCount: s.TurnCount,
		Fallback:  fallback,
	})
}

func (e *Engine) complete(ctx context.Context, out *emitter, s domain.Session, schema domain.SlotSchema, d policy.Decision, turn Turn, persona string) {
	s = s.MarkComplete(d.Partial)
	if err := e.Sessions.Persist(ctx, s); err != nil {
		if errors.Is(err, store.ErrConflict) {
			e.resolveConflict(ctx, out, s, schema, turn)
			return
		}
		out.fail(fmt.Errorf("%w: %w", trigger.ErrLockAcquire, err))
		return
	}

	res, err := e.Trigger.Fire(ctx, s)
	if err != nil {
		out.fail(err)
		return
	}
	if res.Session.SessionID != "" {
		s = res.Session
	}

	var stream *question.Stream
	kind := question.KindCompletion
	if res.DispatchErr != nil {
		kind = question.KindFallback
		stream = question.Static(question.Status(question.StatusInput{Schema: schema, Lock: s.Lock, DispatchFailed: true}))
	} else {
		stream = e.Questions.Stream(ctx, question.Request{
			Kind:            question.KindCompletion,
			Schema:          schema,
			Decision:        d,
			Slots:           s.Slots,
			LastUserMessage: turn.Text,
			Persona:         persona,
		})
	}
	text := e.relay(out, s.SessionID, stream)

	s = e.appendAssistant(ctx, s, text)
	e.record(s, turn.Channel, domain.RoleAssistant, "handoff", text, map[string]any{
		"state":     d.State,
		"partial":   d.Partial,
		"triggered": res.Triggered,
		"fallback":  stream.UsedFallback(),
	})

	progress := d.Progress
	if !out.event(Event{
		Type:      EventMessage,
		SessionID: s.SessionID,
		Text:      text,
		Kind:      kind,
		State:     d.State,
		Progress:  &progress,
		TurnCount: s.TurnCount,
		Fallback:  stream.UsedFallback(),
	}) {
		return
	}
	out.event(Event{
		Type:       EventGeneration,
		SessionID:  s.SessionID,
		State:      d.State,
		Generation: NewGenerationStatus(res),
	})
}

// completedSessionTurn handles a message arriving after collection ended.
// Nothing is extracted; the trigger is re-entered and a status is returned.
func (e *Engine) completedSessionTurn(ctx context.Context, out *emitter, s domain.Session, schema domain.SlotSchema, turn Turn) {
	s, err := e.Sessions.AppendMessage(ctx, s, domain.Message{
		Role:      domain.RoleUser,
		Content:   turn.Text,
		Timestamp: turn.At,
		ImageRefs: turn.Images,
	})
	if err != nil {
		e.Logger.Warn("failed to record message on completed session", "session_id", s.SessionID, "error", err)
	}
	e.record(s, turn.Channel, domain.RoleUser, "user_turn", turn.Text, map[string]any{"after_completion": true})

	res, err := e.Trigger.Fire(ctx, s)
	if err != nil {
		out.fail(err)
		return
	}
	if res.Session.SessionID != "" {
		s = res.Session
	}

	text := question.Status(question.StatusInput{
		Schema:         schema,
		Lock:           s.Lock,
		Triggered:      res.Triggered,
		AlreadyRunning: res.AlreadyRunning,
		DispatchFailed: res.DispatchErr != nil,
	})
	text = e.relay(out, s.SessionID, question.Static(text))
	s = e.appendAssistant(ctx, s, text)
	e.record(s, turn.Channel, domain.RoleAssistant, "status", text, map[string]any{"triggered": res.Triggered})

	if !out.event(Event{Type: EventMessage, SessionID: s.SessionID, Text: text, TurnCount: s.TurnCount}) {
		return
	}
	out.event(Event{Type: EventGeneration, SessionID: s.SessionID, Generation: NewGenerationStatus(res)})
}

// relay forwards fragments until the consumer stops, then returns the
// full accumulated text.
func (e *Engine) relay(out *emitter, sessionID string, stream *question.Stream) string {
	for frag := range stream.Fragments() {
		if !out.event(Event{Type: EventFragment, SessionID: sessionID, Text: frag}) {
			break
		}
	}
	return stream.Text()
}

func (e *Engine) appendAssistant(ctx context.Context, s domain.Session, text string) domain.Session {
	next, err := e.Sessions.AppendAssistantMessage(ctx, s, domain.Message{Content: text})
	if err != nil {
		e.Logger.Error("failed to persist assistant message", "user_id", s.UserID, "session_id", s.SessionID, "error", err)
		return s
	}
	return next
}

func (e *Engine) domainContext(ctx context.Context, turn Turn) string {
	if e.Contexts == nil {
		return ""
	}
	text, err := e.Contexts.DomainContext(ctx, turn.UserID, turn.Domain)
	if err != nil {
		e.Logger.Warn("domain context lookup failed", "user_id", turn.UserID, "domain", turn.Domain, "error", err)
		return ""
	}
	return text
}

func (e *Engine) persona(ctx context.Context, turn Turn) string {
	if e.Personas == nil {
		return ""
	}
	text, err := e.Personas.Persona(ctx, turn.UserID, turn.CoachID)
	if err != nil {
		e.Logger.Warn("persona lookup failed", "user_id", turn.UserID, "coach_id", turn.CoachID, "error", err)
		return ""
	}
	return text
}

func (e *Engine) record(s domain.Session, channel string, role domain.Role, eventType, content string, meta map[string]any) {
	e.Transcript.Log(transcript.Event{
		UserID:    s.UserID,
		SessionID: s.SessionID,
		Domain:    s.Domain,
		Channel:   channel,
		Role:      string(role),
		EventType: eventType,
		Content:   content,
		Turn:      s.TurnCount,
		Meta:      meta,
	})
}
