// Package engine dispatches queued events to the allocator and the lifecycle controller
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"signal_router/internal/allocator"
	"signal_router/internal/core"
	"signal_router/internal/lifecycle"
	"signal_router/internal/queue"
	"signal_router/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const outcomeError = "error"

// Engine is the context object handed to the worker. Business outcomes are never errors;
// a returned error means the event could not be processed and should be retried.
type Engine struct {
	allocator *allocator.Allocator
	lifecycle *lifecycle.Controller
	notifier  core.INotifier
	logger    core.ILogger
	tracer    trace.Tracer
}

func New(alloc *allocator.Allocator, lc *lifecycle.Controller, notifier core.INotifier, logger core.ILogger) *Engine {
	return &Engine{
		allocator: alloc,
		lifecycle: lc,
		notifier:  notifier,
		logger:    logger.WithField("component", "engine"),
		tracer:    telemetry.GetTracer("engine"),
	}
}

// Handle implements queue.Handler
func (e *Engine) Handle(ctx context.Context, ev queue.Event) (err error) {
	start := time.Now()
	kind := string(ev.Kind())

	ctx, span := e.tracer.Start(ctx, "engine.Handle", trace.WithAttributes(
		attribute.String("event.kind", kind),
		attribute.String("signal.id", ev.ID()),
		attribute.String("instrument", ev.Symbol()),
	))
	defer span.End()

	outcome := outcomeError
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic while handling event", "signal_id", ev.ID(), "kind", kind, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic handling %s for %s: %v", kind, ev.ID(), r)
			outcome = outcomeError
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.notifier.Notify(ctx, core.Notification{
				Severity: core.SeverityError,
				Title:    "Internal worker error",
				Message:  fmt.Sprintf("*Problem:* `%v`\n*Trade ID:* `%s`", err, ev.ID()),
			})
		}
		span.SetAttributes(attribute.String("outcome", outcome))

		m := telemetry.GetGlobalMetrics()
		m.RecordSignal(ctx, kind, outcome)
		m.RecordEventDuration(ctx, kind, time.Since(start).Seconds())
	}()

	outcome, err = e.dispatch(ctx, ev)
	if err != nil {
		outcome = outcomeError
		e.logger.Error("Failed to handle event", "signal_id", ev.ID(), "kind", kind, "error", err)
		return err
	}
	e.logger.Info("Event handled", "signal_id", ev.ID(), "kind", kind, "outcome", outcome, "duration", time.Since(start).String())
	return nil
}

func (e *Engine) dispatch(ctx context.Context, ev queue.Event) (string, error) {
	switch v := ev.(type) {
	case queue.NewSignal:
		out, err := e.allocator.Allocate(ctx, v)
		if err != nil {
			return "", err
		}
		return string(out.Kind), nil
	case queue.Invalidate:
		out, err := e.lifecycle.Invalidate(ctx, v)
		return string(out), err
	case queue.EnteredPosition:
		out, err := e.lifecycle.Entered(ctx, v)
		return string(out), err
	case queue.Closed:
		out, err := e.lifecycle.Closed(ctx, v)
		return string(out), err
	default:
		return "", fmt.Errorf("unsupported event type %T", ev)
	}
}
