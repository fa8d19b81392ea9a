package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalclient "go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"

	"github.com/ashureev/coach-intake/internal/trigger"
)

// WorkflowStarter is the part of the Temporal client the dispatcher uses.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options temporalclient.StartWorkflowOptions, workflow interface{}, args ...interface{}) (temporalclient.WorkflowRun, error)
}

// TemporalConfig selects the Temporal cluster and queue.
type TemporalConfig struct {
	Address     string
	Namespace   string
	TaskQueue   string
	DialTimeout time.Duration
}

// DialTemporal connects to the cluster in cfg.
func DialTemporal(ctx context.Context, cfg TemporalConfig, logger *slog.Logger) (temporalclient.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	c, err := temporalclient.DialContext(dialCtx, temporalclient.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Logger:    temporallog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("temporal dial failed (address=%s namespace=%s): %w", cfg.Address, cfg.Namespace, err)
	}
	logger.Info("connected to Temporal", "address", cfg.Address, "namespace", cfg.Namespace)
	return c, nil
}

// Temporal starts one workflow per generation attempt. The workflow id is
// the ticket, so a repeated dispatch of the same attempt is a no-op.
type Temporal struct {
	starter   WorkflowStarter
	taskQueue string
	logger    *slog.Logger
}

// NewTemporal returns a Temporal dispatcher.
func NewTemporal(starter WorkflowStarter, taskQueue string, logger *slog.Logger) *Temporal {
	if logger == nil {
		logger = slog.Default()
	}
	if taskQueue == "" {
		taskQueue = "coach-generation"
	}
	return &Temporal{starter: starter, taskQueue: taskQueue, logger: logger}
}

// Dispatch implements trigger.Dispatcher.
func (t *Temporal) Dispatch(ctx context.Context, req trigger.Request) error {
	payload, err := Payload(req)
	if err != nil {
		return err
	}
	workflow := req.Workflow
	if workflow == "" {
		workflow = req.Domain + "_generation"
	}

	opts := temporalclient.StartWorkflowOptions{
		ID:                    req.Ticket.String(),
		TaskQueue:             t.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    10 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	}
	_, err = t.starter.ExecuteWorkflow(ctx, opts, workflow, payload)
	if err == nil {
		return nil
	}
	var already *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &already) {
		t.logger.Info("generation workflow already started", "ticket", opts.ID, "workflow", workflow)
		return nil
	}
	return fmt.Errorf("start workflow %s: %w", workflow, err)
}
