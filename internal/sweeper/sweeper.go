// Package sweeper fails generation locks that stayed IN_PROGRESS too long,
// so their sessions can be retried.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/shared"
	"github.com/ashureev/coach-intake/internal/trigger"
)

// TimeoutReason is recorded on locks failed by the sweeper.
const TimeoutReason = "generation timed out"

// StaleLister finds generations that started before a cutoff.
type StaleLister interface {
	ListStaleGenerations(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Session, error)
}

// Reporter records a generation outcome. *trigger.Trigger satisfies it.
type Reporter interface {
	ReportCompletion(ctx context.Context, ticket trigger.Ticket, outcome trigger.Outcome) (domain.Session, error)
}

// Config controls the sweep.
type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
	Now        func() time.Time
}

// Sweeper periodically fails stale locks.
type Sweeper struct {
	lister   StaleLister
	reporter Reporter
	cfg      Config
	logger   *slog.Logger
	done     chan struct{}
}

// New creates a Sweeper. Call Start to run it.
func New(lister StaleLister, reporter Reporter, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{lister: lister, reporter: reporter, cfg: cfg, logger: logger, done: make(chan struct{})}
}

// Start runs the sweep loop in a goroutine until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		s.logger.Info("generation sweeper started", "interval", s.cfg.Interval, "stale_after", s.cfg.StaleAfter)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				s.logger.Info("generation sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Done is closed when the loop started by Start has exited.
func (s *Sweeper) Done() <-chan struct{} { return s.done }

// Sweep fails one batch of stale locks and returns how many it failed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.cfg.Now().UTC().Add(-s.cfg.StaleAfter)
	stale, err := s.lister.ListStaleGenerations(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("sweeper failed to list stale generations", "error", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}
	s.logger.Info("sweeper found stale generations", "count", len(stale))

	failed := 0
	for _, sess := range stale {
		ticket := trigger.Ticket{UserID: sess.UserID, SessionID: sess.SessionID, Attempt: sess.Lock.Attempt}
		err := shared.RetryOnConflict(ctx, shared.DefaultRetry, "fail stale generation", func() error {
			_, err := s.reporter.ReportCompletion(ctx, ticket, trigger.Outcome{Error: TimeoutReason})
			return err
		})
		switch {
		case err == nil:
			failed++
		case errors.Is(err, trigger.ErrStaleTicket):
			// The generator reported while we were sweeping.
			s.logger.Debug("stale generation resolved concurrently", "ticket", ticket.String())
		default:
			s.logger.Warn("sweeper failed to fail generation", "ticket", ticket.String(), "error", err)
		}
	}

	s.logger.Info("sweeper pass completed", "failed", failed)
	return failed
}
