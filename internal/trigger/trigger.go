// Package trigger guards the downstream generation of completed sessions.
//
// Generation is a two-phase protocol. Fire persists an IN_PROGRESS lock with
// a compare-and-set, and only then dispatches; it returns a Ticket.
// The downstream worker later calls ReportCompletion with that ticket.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/store"
)

var (
	// ErrLockAcquire means the lock could not be persisted; nothing was
	// dispatched and the caller may retry.
	ErrLockAcquire = errors.New("could not persist generation lock")
	// ErrNotComplete is returned when firing a session still collecting.
	ErrNotComplete = errors.New("session is not complete")
	// ErrStaleTicket is returned for a report that does not match the
	// current generation attempt.
	ErrStaleTicket = errors.New("stale generation ticket")
	// ErrInvalidTicket is returned for a ticket that does not parse.
	ErrInvalidTicket = errors.New("invalid generation ticket")
	// ErrInvalidOutcome is returned for a report with neither a result nor an error.
	ErrInvalidOutcome = errors.New("generation outcome needs a result id or an error")
)

// Request is the payload handed to the downstream generator.
type Request struct {
	Ticket         Ticket                 `json:"ticket"`
	Domain         string                 `json:"domain"`
	ConversationID string                 `json:"conversationId,omitempty"`
	CoachID        string                 `json:"coachId,omitempty"`
	Workflow       string                 `json:"workflow,omitempty"`
	Slots          map[string]domain.Slot `json:"slots"`
	Partial        bool                   `json:"partial"`
}

// Dispatcher starts downstream generation. It returns once the work has
// been handed off; completion is reported through ReportCompletion.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

// Result is the outcome of Fire.
type Result struct {
	Triggered      bool
	AlreadyRunning bool
	ResultID       string
	Ticket         Ticket
	// DispatchErr is set when dispatch failed and the lock was rolled back.
	DispatchErr error
	// Session is the latest known state of the session.
	Session domain.Session
}

// Outcome is what the downstream worker reports.
type Outcome struct {
	ResultID string `json:"resultId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Succeeded reports whether the outcome carries a result.
func (o Outcome) Succeeded() bool {
	return o.Error == "" && o.ResultID != ""
}

// Trigger is the completion trigger.
type Trigger struct {
	repo       store.Repository
	dispatcher Dispatcher
	workflows  func(domainName string) string
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Trigger) { t.now = now }
}

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Trigger) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithWorkflows resolves the downstream workflow name for a domain.
func WithWorkflows(fn func(domainName string) string) Option {
	return func(t *Trigger) { t.workflows = fn }
}

// New returns a Trigger.
func New(repo store.Repository, dispatcher Dispatcher, opts ...Option) *Trigger {
	t := &Trigger{
		repo:       repo,
		dispatcher: dispatcher,
		workflows:  func(string) string { return "" },
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetDispatcher replaces the dispatcher. It must be called before the
// trigger is used; it exists for dispatchers that report back to this
// trigger and so can only be built after it.
func (t *Trigger) SetDispatcher(d Dispatcher) {
	t.dispatcher = d
}

func observed(s domain.Session) Result {
	r := Result{Session: s}
	switch s.Lock.Status {
	case domain.LockComplete:
		r.ResultID = s.Lock.ResultID
	case domain.LockInProgress:
		r.AlreadyRunning = true
		r.Ticket = Ticket{UserID: s.UserID, SessionID: s.SessionID, Attempt: s.Lock.Attempt}
	}
	return r
}

// Fire requests generation for a completed session. A retired session is
// never dispatched; its current lock is reported as observed.
//
// The only error that matters to a user turn is ErrLockAcquire. A failed
// dispatch is reported in Result.DispatchErr with the lock rolled back to
// FAILED.
func (t *Trigger) Fire(ctx context.Context, s domain.Session) (Result, error) {
	if !s.IsComplete {
		return Result{Session: s}, ErrNotComplete
	}
	if s.IsDeleted || !s.Lock.CanAcquire() {
		return observed(s), nil
	}

	now := t.now().UTC()
	lock, err := s.Lock.Acquire(now)
	if err != nil {
		return observed(s), nil
	}
	locked := s.WithLock(lock)

	swapped, err := t.repo.CompareAndPutSession(ctx, locked, domain.LockNotStarted, domain.LockFailed)
	if err != nil {
		t.logger.Error("generation lock write failed, not dispatching",
			"user_id", s.UserID,
			"session_id", s.SessionID,
			"error", err,
		)
		return Result{Session: s}, fmt.Errorf("%w: %w", ErrLockAcquire, err)
	}
	if !swapped {
		current, err := t.repo.GetSession(ctx, s.UserID, s.SessionID)
		if err != nil {
			return Result{Session: s}, fmt.Errorf("%w: reload after lost race: %w", ErrLockAcquire, err)
		}
		if !current.IsDeleted && current.Lock.CanAcquire() {
			t.logger.Error("generation lock still acquirable after lost race",
				"user_id", s.UserID,
				"session_id", s.SessionID,
				"lock_status", current.Lock.Status,
			)
			return Result{Session: current}, fmt.Errorf("%w: lock not taken", ErrLockAcquire)
		}
		t.logger.Info("generation lock held elsewhere",
			"user_id", s.UserID,
			"session_id", s.SessionID,
			"lock_status", current.Lock.Status,
		)
		return observed(current), nil
	}

	ticket := Ticket{UserID: s.UserID, SessionID: s.SessionID, Attempt: lock.Attempt}
	req := Request{
		Ticket:         ticket,
		Domain:         s.Domain,
		ConversationID: s.ConversationID,
		CoachID:        s.CoachID,
		Workflow:       t.workflows(s.Domain),
		Slots:          locked.Clone().Slots,
		Partial:        s.PartialCompletion,
	}

	if err := t.dispatcher.Dispatch(ctx, req); err != nil {
		t.logger.Warn("generation dispatch failed, rolling back lock",
			"ticket", ticket.String(),
			"error", err,
		)
		failedLock, ferr := lock.Fail(t.now().UTC(), err.Error())
		if ferr != nil {
			return Result{Ticket: ticket, DispatchErr: err, Session: locked}, nil
		}
		rolled := locked.WithLock(failedLock)
		ok, perr := t.repo.CompareAndPutSession(ctx, rolled, domain.LockInProgress)
		switch {
		case perr != nil:
			t.logger.Error("generation lock rollback failed", "ticket", ticket.String(), "error", perr)
			return Result{Ticket: ticket, DispatchErr: err, Session: locked}, nil
		case !ok:
			t.logger.Warn("generation lock changed before rollback", "ticket", ticket.String())
		}
		return Result{Ticket: ticket, DispatchErr: err, Session: rolled}, nil
	}

	t.logger.Info("generation dispatched",
		"ticket", ticket.String(),
		"domain", s.Domain,
		"partial", s.PartialCompletion,
	)
	return Result{Triggered: true, Ticket: ticket, Session: locked}, nil
}

// Retry loads a session and fires it again. It is the explicit retry
// entry point after a FAILED lock.
func (t *Trigger) Retry(ctx context.Context, userID, sessionID string) (Result, error) {
	s, err := t.repo.GetSession(ctx, userID, sessionID)
	if err != nil {
		return Result{}, err
	}
	return t.Fire(ctx, s)
}

// ReportCompletion records the downstream outcome of the attempt named by
// ticket. A success completes the lock and retires the session; a failure
// moves the lock to FAILED so the session can be retried. Repeating a
// successful report is a no-op.
func (t *Trigger) ReportCompletion(ctx context.Context, ticket Ticket, outcome Outcome) (domain.Session, error) {
	if !outcome.Succeeded() && outcome.Error == "" {
		return domain.Session{}, ErrInvalidOutcome
	}

	current, err := t.repo.GetSession(ctx, ticket.UserID, ticket.SessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if current.Lock.Attempt != ticket.Attempt {
		return current, fmt.Errorf("%w: attempt %d, current %d", ErrStaleTicket, ticket.Attempt, current.Lock.Attempt)
	}

	switch current.Lock.Status {
	case domain.LockInProgress:
	case domain.LockComplete:
		if outcome.Succeeded() && outcome.ResultID == current.Lock.ResultID {
			return current, nil
		}
		return current, fmt.Errorf("%w: already complete", ErrStaleTicket)
	default:
		return current, fmt.Errorf("%w: lock is %s", ErrStaleTicket, current.Lock.Status)
	}

	now := t.now().UTC()
	var next domain.Session
	if outcome.Succeeded() {
		lock, err := current.Lock.Complete(now, outcome.ResultID)
		if err != nil {
			return current, err
		}
		next = current.WithLock(lock).SoftDelete(now, domain.DeleteReasonGenerated)
	} else {
		lock, err := current.Lock.Fail(now, outcome.Error)
		if err != nil {
			return current, err
		}
		next = current.WithLock(lock)
	}

	ok, err := t.repo.CompareAndPutSession(ctx, next, domain.LockInProgress)
	if err != nil {
		return current, fmt.Errorf("record generation outcome: %w", err)
	}
	if !ok {
		return current, fmt.Errorf("%w: lock changed concurrently", ErrStaleTicket)
	}

	t.logger.Info("generation outcome recorded",
		"ticket", ticket.String(),
		"lock_status", next.Lock.Status,
		"result_id", next.Lock.ResultID,
		"error", outcome.Error,
	)
	return next, nil
}
