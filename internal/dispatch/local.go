package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/coach-intake/internal/question"
	"github.com/ashureev/coach-intake/internal/trigger"
)

// GenerateFunc produces the downstream artifact for req and returns its id.
type GenerateFunc func(ctx context.Context, req trigger.Request) (resultID string, err error)

// LocalConfig sizes the in-process pool.
type LocalConfig struct {
	Workers int
	Queue   int
	// Timeout bounds a single generation; zero means unbounded.
	Timeout time.Duration
}

// Local is a bounded in-process worker pool. A dispatch that finds the
// queue full fails synchronously so the trigger rolls the lock back.
type Local struct {
	generate GenerateFunc
	reporter Reporter
	timeout  time.Duration
	logger   *slog.Logger

	jobs   chan trigger.Request
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewLocal starts cfg.Workers workers.
func NewLocal(generate GenerateFunc, reporter Reporter, cfg LocalConfig, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Queue < 0 {
		cfg.Queue = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{
		generate: generate,
		reporter: reporter,
		timeout:  cfg.Timeout,
		logger:   logger,
		jobs:     make(chan trigger.Request, cfg.Queue),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	logger.Info("local generation pool started", "workers", cfg.Workers, "queue", cfg.Queue)
	return l
}

// Dispatch implements trigger.Dispatcher.
func (l *Local) Dispatch(_ context.Context, req trigger.Request) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.jobs <- req:
		return nil
	default:
		return fmt.Errorf("%w: ticket %s", ErrQueueFull, req.Ticket)
	}
}

// Close stops accepting work, lets queued jobs finish, and waits for the
// workers. Cancelling ctx aborts in-flight generations instead.
func (l *Local) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.jobs)
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		<-done
		return ctx.Err()
	}
}

func (l *Local) worker() {
	defer l.wg.Done()
	for req := range l.jobs {
		l.run(req)
	}
}

func (l *Local) run(req trigger.Request) {
	ctx := l.ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	resultID, err := l.safeGenerate(ctx, req)
	outcome := trigger.Outcome{ResultID: resultID}
	if err != nil {
		outcome = trigger.Outcome{Error: err.Error()}
	}
	l.logger.Info("local generation finished",
		"ticket", req.Ticket.String(),
		"workflow", req.Workflow,
		"duration", time.Since(start),
		"succeeded", err == nil,
	)

	// Reporting must survive shutdown cancellation.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := l.reporter.ReportCompletion(reportCtx, req.Ticket, outcome); err != nil {
		l.logger.Error("failed to report generation outcome", "ticket", req.Ticket.String(), "error", err)
	}
}

func (l *Local) safeGenerate(ctx context.Context, req trigger.Request) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panicked: %v", r)
		}
	}()
	id, err = l.generate(ctx, req)
	if err == nil && id == "" {
		err = fmt.Errorf("generator returned no result id")
	}
	return id, err
}

// FileGenerator drafts the artifact with client and writes it, together
// with the collected slots, to dir/<resultID>.json.
func FileGenerator(client question.TextClient, dir string) GenerateFunc {
	return func(ctx context.Context, req trigger.Request) (string, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "Workflow: %s\nDomain: %s\n", req.Workflow, req.Domain)
		if req.Partial {
			b.WriteString("Some fields are missing; choose sensible defaults and say which.\n")
		}
		for name, slot := range req.Slots {
			if slot.IsComplete() {
				fmt.Fprintf(&b, "- %s: %v\n", name, slot.Value)
			}
		}

		draft := ""
		if client != nil {
			text, err := client.Generate(ctx, question.TextRequest{
				SystemPrompt: "You turn collected coaching details into a finished, well structured plan or log. Use markdown.",
				UserPrompt:   b.String(),
				Temperature:  0.4,
				MaxTokens:    2048,
			})
			if err != nil {
				return "", fmt.Errorf("draft %s: %w", req.Workflow, err)
			}
			draft = text
		}

		resultID := uuid.NewString()
		doc, err := json.MarshalIndent(map[string]any{
			"resultId":    resultID,
			"ticket":      req.Ticket.String(),
			"workflow":    req.Workflow,
			"domain":      req.Domain,
			"partial":     req.Partial,
			"slots":       req.Slots,
			"draft":       draft,
			"generatedAt": time.Now().UTC(),
		}, "", "  ")
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create result dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, resultID+".json"), doc, 0o644); err != nil {
			return "", fmt.Errorf("write result: %w", err)
		}
		return resultID, nil
	}
}
