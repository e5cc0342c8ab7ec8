package engine

import (
	"context"
	"fmt"
	"time"

	"signal_router/internal/core"
	"signal_router/internal/queue"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// DurableHandler runs every event as a DBOS workflow with the dispatch as one checkpointed step.
// The workflow id is derived from the job id and attempt, so a lease redelivered after a crash
// resumes the recorded workflow instead of dispatching again.
type DurableHandler struct {
	dbosCtx dbos.DBOSContext
	engine  *Engine
	logger  core.ILogger
}

func NewDurableHandler(dbosCtx dbos.DBOSContext, engine *Engine, logger core.ILogger) *DurableHandler {
	return &DurableHandler{
		dbosCtx: dbosCtx,
		engine:  engine,
		logger:  logger.WithField("component", "dbos_engine"),
	}
}

// Register must be called before Launch
func (h *DurableHandler) Register() {
	dbos.RegisterWorkflow(h.dbosCtx, h.ProcessEventWorkflow)
}

func (h *DurableHandler) Start(ctx context.Context) error {
	h.logger.Info("Starting DBOS engine")
	return h.dbosCtx.Launch()
}

func (h *DurableHandler) Stop() error {
	h.logger.Info("Stopping DBOS engine")
	h.dbosCtx.Shutdown(30 * time.Second)
	return nil
}

// Handle implements queue.Handler
func (h *DurableHandler) Handle(ctx context.Context, ev queue.Event) error {
	var opts []dbos.WorkflowOption
	if job, ok := queue.JobFromContext(ctx); ok {
		opts = append(opts, dbos.WithWorkflowID(workflowID(job)))
	}

	handle, err := h.dbosCtx.RunWorkflow(h.dbosCtx, h.ProcessEventWorkflow, queue.Encode(ev), opts...)
	if err != nil {
		return fmt.Errorf("failed to start event workflow: %w", err)
	}

	_, err = handle.GetResult()
	return err
}

func workflowID(job *queue.Job) string {
	return fmt.Sprintf("event-%s-%d", job.ID, job.Attempts)
}

// ProcessEventWorkflow is the durable workflow for one queued event
func (h *DurableHandler) ProcessEventWorkflow(ctx dbos.DBOSContext, input any) (any, error) {
	var payload queue.Payload
	switch v := input.(type) {
	case queue.Payload:
		payload = v
	case *queue.Payload:
		payload = *v
	default:
		return nil, fmt.Errorf("unexpected workflow input %T", input)
	}

	ev, err := payload.Event()
	if err != nil {
		return nil, err
	}

	_, err = ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return nil, h.engine.Handle(stepCtx, ev)
	})
	return nil, err
}
