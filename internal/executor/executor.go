// Package executor dispatches viable steps to their registered handlers
// (§4.4, §5), bounding concurrency the way a host-aware worker pool would
// rather than an unbounded goroutine-per-step fan-out.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/r3e-network/workflow-engine/internal/domain"
	"github.com/r3e-network/workflow-engine/internal/eventbus"
	"github.com/r3e-network/workflow-engine/internal/logger"
	"github.com/r3e-network/workflow-engine/internal/metrics"
	"github.com/r3e-network/workflow-engine/internal/registry"
	"github.com/r3e-network/workflow-engine/internal/statemachine"
)

// Config controls dispatch concurrency and per-step handler timeout.
type Config struct {
	// MaxConcurrentSteps bounds how many steps run at once across a single
	// RunReady call. Zero means "resolve from host CPU count" (§5).
	MaxConcurrentSteps int

	// HandlerTimeout, when positive, sets a deadline on the context passed
	// to each handler invocation (§5 "a step handler that blocks
	// indefinitely must not wedge the task forever"). A handler that
	// returns an error once that context expires is recorded as a failure.
	// The executor does not interrupt a handler that ignores its context,
	// and does not synthesize a timeout error of its own.
	HandlerTimeout time.Duration
}

// resolvedConcurrency returns cfg.MaxConcurrentSteps, or the host's
// logical CPU count when unset (falls back to 1 if that probe fails).
func resolvedConcurrency(cfg Config) int {
	if cfg.MaxConcurrentSteps > 0 {
		return cfg.MaxConcurrentSteps
	}
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// StepLoader assembles everything a handler invocation needs beyond the
// readiness row: the step's own persisted fields (inputs, retry limit,
// etc), the owning task (for its shared Context), and the completed
// parent steps' Results keyed by name (§4.4 step 3 "construct handler
// input").
type StepLoader interface {
	LoadStep(ctx context.Context, workflowStepID int64) (domain.Step, error)
	GetTask(ctx context.Context, taskID int64) (domain.Task, error)
	ParentResults(ctx context.Context, workflowStepID int64) (map[string]domain.JSONMap, error)
}

// Executor runs viable steps through the handler registry and records
// their outcome via the step state machine.
type Executor struct {
	steps    *statemachine.StepMachine
	handlers *registry.Registry
	loader   StepLoader
	log      *logger.Logger
	cfg      Config
	events   *eventbus.Bus
}

// New builds an Executor. log may be nil (defaults to logger.NewDefault()).
func New(steps *statemachine.StepMachine, handlers *registry.Registry, loader StepLoader, log *logger.Logger, cfg Config) *Executor {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Executor{steps: steps, handlers: handlers, loader: loader, log: log, cfg: cfg}
}

// SetEventBus wires an eventbus.Bus that receives a StepEvent after every
// claim, completion, and failure this executor records. Optional; nil
// (the default) disables publication.
func (e *Executor) SetEventBus(bus *eventbus.Bus) {
	e.events = bus
}

func (e *Executor) publishStep(row domain.ReadinessRow, from, to string) {
	if e.events == nil {
		return
	}
	e.events.PublishStep(eventbus.StepEvent{
		TaskID:         row.TaskID,
		WorkflowStepID: row.WorkflowStepID,
		NamedStepID:    row.NamedStepID,
		From:           from,
		To:             to,
	})
}

// RunReady claims and executes every row in ready and returns once all of
// them have reached a terminal-for-this-attempt state (complete or
// error). It never returns an error itself: per-step failures are
// recorded via the step state machine, not propagated to the caller
// (§4.4 step 6 "catch, annotate, re-raise as a structured failure").
//
// concurrent selects the dispatch mode (§4.4 "concurrency model"): true
// runs every row in its own goroutine, bounded by the resolved
// concurrency limit; false processes ready one row at a time, in the
// order given — callers pass steps already sorted by dependency level
// (see internal/discovery) so sequential mode respects level ordering.
// The default, unconfigured policy is to attempt every sibling regardless
// of earlier failures in the same batch.
func (e *Executor) RunReady(ctx context.Context, ready []domain.ReadinessRow, concurrent bool) {
	if len(ready) == 0 {
		return
	}

	if !concurrent {
		for _, row := range ready {
			e.runOne(ctx, row)
		}
		return
	}

	limit := resolvedConcurrency(e.cfg)
	sem := make(chan struct{}, limit)
	done := make(chan struct{})
	remaining := len(ready)

	for _, row := range ready {
		row := row
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			e.runOne(ctx, row)
		}()
	}

	for i := 0; i < remaining; i++ {
		<-done
	}
}

func (e *Executor) runOne(ctx context.Context, row domain.ReadinessRow) {
	log := e.log.WithFields(map[string]interface{}{
		"task_id":          row.TaskID,
		"workflow_step_id": row.WorkflowStepID,
		"named_step_id":    row.NamedStepID,
	})

	claimed, err := e.steps.Start(ctx, row.WorkflowStepID, time.Now())
	if err != nil {
		log.WithError(err).Error("claim step for execution failed")
		return
	}
	if !claimed {
		log.Debug("step already claimed or finished, skipping")
		return
	}
	e.publishStep(row, string(row.CurrentState), "in_progress")

	step, err := e.loader.LoadStep(ctx, row.WorkflowStepID)
	if err != nil {
		e.fail(ctx, row.WorkflowStepID, fmt.Errorf("load step: %w", err), nil)
		e.publishStep(row, "in_progress", "error")
		return
	}

	task, err := e.loader.GetTask(ctx, row.TaskID)
	if err != nil {
		e.fail(ctx, row.WorkflowStepID, fmt.Errorf("load task: %w", err), nil)
		e.publishStep(row, "in_progress", "error")
		return
	}

	upstream, err := e.loader.ParentResults(ctx, row.WorkflowStepID)
	if err != nil {
		e.fail(ctx, row.WorkflowStepID, fmt.Errorf("load upstream results: %w", err), nil)
		e.publishStep(row, "in_progress", "error")
		return
	}

	handler, err := e.handlers.Lookup(row.Name)
	if err != nil {
		e.fail(ctx, row.WorkflowStepID, err, nil)
		e.publishStep(row, "in_progress", "error")
		return
	}

	handlerCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.HandlerTimeout > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, e.cfg.HandlerTimeout)
		defer cancel()
	}

	input := domain.HandlerInput{Step: step, TaskContext: task.Context, UpstreamResults: upstream}
	start := time.Now()
	results, err := handler.Handle(handlerCtx, input)
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordStepDispatch(row.NamedStepID, "error", elapsed)
		backoff := backoffHintFromError(err)
		e.fail(ctx, row.WorkflowStepID, err, backoff)
		e.publishStep(row, "in_progress", "error")
		return
	}
	metrics.RecordStepDispatch(row.NamedStepID, "success", elapsed)

	if err := e.steps.Complete(ctx, row.WorkflowStepID, results); err != nil {
		log.WithError(err).Error("record step completion failed")
		return
	}
	e.publishStep(row, "in_progress", "complete")
}

func (e *Executor) fail(ctx context.Context, stepID int64, cause error, backoffRequestSeconds *int) {
	results := domain.JSONMap{
		"error": domain.JSONMap{
			"class":   fmt.Sprintf("%T", cause),
			"message": cause.Error(),
		},
	}
	if err := e.steps.Fail(ctx, stepID, results, backoffRequestSeconds); err != nil {
		e.log.WithError(err).WithField("workflow_step_id", stepID).Error("record step failure failed")
	}
}

// backoffAnnotated lets a handler request a specific re-enqueue delay
// (§4.5 "an explicit server-provided backoff_request_seconds hint").
type backoffAnnotated interface {
	BackoffRequestSeconds() int
}

func backoffHintFromError(err error) *int {
	if ba, ok := err.(backoffAnnotated); ok {
		v := ba.BackoffRequestSeconds()
		return &v
	}
	return nil
}
