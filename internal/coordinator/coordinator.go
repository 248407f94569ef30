// Package coordinator implements the workflow loop (§4.7): for one task,
// repeatedly discover viable steps, run them, and stop once discovery
// comes up empty, then hand off to the finalizer. The coordinator is
// single-threaded per task invocation; intra-task concurrency lives
// inside the executor. Across tasks, many coordinator invocations proceed
// in parallel on different workers, coordinating only through the
// database (§5).
package coordinator

import (
	"context"
	"fmt"

	"github.com/r3e-network/workflow-engine/internal/domain"
	"github.com/r3e-network/workflow-engine/internal/finalizer"
	"github.com/r3e-network/workflow-engine/internal/logger"
)

// Discoverer finds the currently viable steps for a task (§4.3).
type Discoverer interface {
	ViableSteps(ctx context.Context, taskID int64) ([]domain.ReadinessRow, error)
}

// Runner executes a viable-steps batch (§4.4). concurrent selects
// goroutine-per-step dispatch versus one-at-a-time dependency-level order.
type Runner interface {
	RunReady(ctx context.Context, ready []domain.ReadinessRow, concurrent bool)
}

// Finalizer decides the task's fate after a batch (§4.6).
type Finalizer interface {
	Finalize(ctx context.Context, taskID int64) (finalizer.Outcome, error)
}

// TaskReader resolves the task-level dispatch mode flag (§4.4, §6 "task
// definition top-level flags: concurrent (bool)").
type TaskReader interface {
	GetTask(ctx context.Context, taskID int64) (domain.Task, error)
}

// Coordinator drives one task's loop to completion or re-enqueue.
type Coordinator struct {
	discover Discoverer
	run      Runner
	finalize Finalizer
	tasks    TaskReader
	log      *logger.Logger
}

// New builds a Coordinator. log may be nil. tasks may be nil, in which
// case every task dispatches concurrently (the common case; sequential
// mode is opt-in).
func New(discover Discoverer, run Runner, finalize Finalizer, tasks TaskReader, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Coordinator{discover: discover, run: run, finalize: finalize, tasks: tasks, log: log}
}

// Process runs the loop in §4.7 for taskID: discover, execute, repeat
// until discovery returns empty, then finalize. It terminates cleanly
// (returning the finalizer's outcome) rather than timing out; the caller
// (a queue consumer) may impose its own wall-clock limit per job, in
// which case Process can be abandoned. A step that Start has already
// claimed keeps in_process = true until Complete or Fail records its
// outcome, so abandoning Process mid-step leaves that claim in place.
func (c *Coordinator) Process(ctx context.Context, taskID int64) (finalizer.Outcome, error) {
	concurrent := true
	if c.tasks != nil {
		task, err := c.tasks.GetTask(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("coordinator: load task %d: %w", taskID, err)
		}
		concurrent = task.Concurrent
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("coordinator: task %d: %w", taskID, err)
		}

		viable, err := c.discover.ViableSteps(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("coordinator: discover viable steps for task %d: %w", taskID, err)
		}
		if len(viable) == 0 {
			break
		}

		c.log.WithField("task_id", taskID).WithField("viable_steps", len(viable)).Debug("dispatching viable steps")
		c.run.RunReady(ctx, viable, concurrent)
	}

	outcome, err := c.finalize.Finalize(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("coordinator: finalize task %d: %w", taskID, err)
	}
	return outcome, nil
}
