// Package finalizer implements the task finalizer + re-enqueuer (§4.6):
// after a batch of step execution, decide whether the task terminalizes
// or gets handed back to the queue for another pass.
package finalizer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/r3e-network/workflow-engine/internal/domain"
	"github.com/r3e-network/workflow-engine/internal/eventbus"
	"github.com/r3e-network/workflow-engine/internal/logger"
	"github.com/r3e-network/workflow-engine/internal/metrics"
	"github.com/r3e-network/workflow-engine/internal/queue"
	"github.com/r3e-network/workflow-engine/internal/readiness"
	"github.com/r3e-network/workflow-engine/internal/retry"
	"github.com/r3e-network/workflow-engine/internal/statemachine"
)

// ContextReader reads the task execution context for Finalize's decision.
// The finalization guard's re-read (§4.6) does not use it: it goes through
// readiness.ExecutionStatusTx inside the guard transaction.
type ContextReader interface {
	TaskExecutionContext(ctx context.Context, taskID int64) (domain.TaskExecutionContext, error)
}

// Outcome is the dispatch result Finalize returns, mainly for logging and
// tests; callers that only care about side effects can ignore it.
type Outcome string

const (
	OutcomeRequeuedReady      Outcome = "requeued_ready"
	OutcomeRequeuedProcessing Outcome = "requeued_processing"
	OutcomeRequeuedBackoff    Outcome = "requeued_backoff"
	OutcomeTaskErrored        Outcome = "task_errored"
	OutcomeTaskCompleted      Outcome = "task_completed"
	OutcomeNoOp               Outcome = "no_op"
)

// shortRequeueDelay is used for "processing" (another worker likely holds
// the in-progress step; check back soon) since there is no computed
// next_retry_at to anchor on.
const shortRequeueDelay = 2 * time.Second

// Finalizer decides a task's fate after an executor batch and publishes
// the resulting "process task" envelope when one is needed.
type Finalizer struct {
	contexts  ContextReader
	tasks     *statemachine.TaskMachine
	publisher queue.Publisher
	log       *logger.Logger
	events    *eventbus.Bus
	db        *sql.DB
}

// New builds a Finalizer. log may be nil. db is used only for the
// terminal-transition guard re-check (§4.6): it must be the same
// connection pool contexts' readiness queries run against.
func New(contexts ContextReader, tasks *statemachine.TaskMachine, publisher queue.Publisher, db *sql.DB, log *logger.Logger) *Finalizer {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Finalizer{contexts: contexts, tasks: tasks, publisher: publisher, db: db, log: log}
}

// SetEventBus wires an eventbus.Bus that receives a TaskEvent whenever
// Finalize drives a task to a terminal state. Optional; nil disables it.
func (f *Finalizer) SetEventBus(bus *eventbus.Bus) {
	f.events = bus
}

// Finalize re-reads the task's execution context and dispatches on
// execution_status per the normative decision procedure. The terminal
// branches re-check that status once more under finalizeTerminal's
// finalization guard (§4.6).
func (f *Finalizer) Finalize(ctx context.Context, taskID int64) (outcome Outcome, err error) {
	defer func() {
		if err == nil {
			metrics.RecordFinalizerOutcome(string(outcome))
		}
	}()

	execCtx, err := f.contexts.TaskExecutionContext(ctx, taskID)
	if err != nil {
		return OutcomeNoOp, fmt.Errorf("finalize: read task execution context for %d: %w", taskID, err)
	}

	log := f.log.WithField("task_id", taskID).WithField("execution_status", string(execCtx.ExecutionStatus))

	switch execCtx.ExecutionStatus {
	case domain.StatusHasReadySteps:
		if err := f.publish(taskID, queue.ReasonStepCompleted, time.Now()); err != nil {
			return OutcomeNoOp, err
		}
		return OutcomeRequeuedReady, nil

	case domain.StatusProcessing:
		if err := f.publish(taskID, queue.ReasonStepCompleted, time.Now().Add(shortRequeueDelay)); err != nil {
			return OutcomeNoOp, err
		}
		return OutcomeRequeuedProcessing, nil

	case domain.StatusWaitingForDependencies:
		notBefore := time.Now().Add(shortRequeueDelay)
		if execCtx.NextRetryAt != nil {
			notBefore = *execCtx.NextRetryAt
		} else if anchor := earliestBackoffAnchor(execCtx.Steps); anchor != nil {
			notBefore = retry.NextAttemptAt(*anchor.LastFailureAt, anchor.Attempts, anchor.BackoffRequestSeconds)
			metrics.RecordRetryScheduled(anchor.NamedStepID)
		}
		if err := f.publish(taskID, queue.ReasonBackoffWait, notBefore); err != nil {
			return OutcomeNoOp, err
		}
		return OutcomeRequeuedBackoff, nil

	case domain.StatusBlockedByFailures:
		return f.finalizeTerminal(ctx, taskID, domain.StatusBlockedByFailures, domain.TaskError, domain.JSONMap{
			"reason":                    "blocked_by_failures",
			"failed_steps":              execCtx.FailedSteps,
			"permanently_blocked_steps": execCtx.PermanentlyBlockedSteps,
		}, OutcomeTaskErrored, true, "task finalized as error: blocked by failed steps")

	case domain.StatusAllComplete:
		return f.finalizeTerminal(ctx, taskID, domain.StatusAllComplete, domain.TaskComplete, nil,
			OutcomeTaskCompleted, false, "task finalized as complete")

	default:
		return OutcomeNoOp, fmt.Errorf("finalize: unrecognized execution_status %q for task %d", execCtx.ExecutionStatus, taskID)
	}
}

// finalizeTerminal drives a task to a terminal state. It re-reads
// execution_status within the same transaction that performs the
// transition (§4.6's finalization guard) so the two observe one locked
// snapshot instead of racing against another worker completing the task's
// final step in between. If the re-check no longer matches expectedStatus,
// the transition is skipped entirely and left for the task's next
// Finalize pass to re-decide against fresh state.
func (f *Finalizer) finalizeTerminal(ctx context.Context, taskID int64, expectedStatus domain.ExecutionStatus, to domain.TaskState, metadata domain.JSONMap, outcome Outcome, warn bool, logMsg string) (Outcome, error) {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return OutcomeNoOp, fmt.Errorf("finalize: begin guard tx for task %d: %w", taskID, err)
	}
	defer tx.Rollback()

	current, err := readiness.ExecutionStatusTx(ctx, tx, taskID)
	if err != nil {
		return OutcomeNoOp, fmt.Errorf("finalize: guard re-check task %d: %w", taskID, err)
	}
	if current != expectedStatus {
		f.log.WithField("task_id", taskID).WithField("expected", string(expectedStatus)).WithField("actual", string(current)).
			Debug("finalize guard re-check observed a different status, skipping this pass")
		return OutcomeNoOp, nil
	}

	changed, from, err := f.tasks.TransitionToTx(ctx, tx, taskID, to, metadata)
	if err != nil {
		return OutcomeNoOp, fmt.Errorf("finalize: transition task %d to %s: %w", taskID, to, err)
	}
	if !changed {
		// Idempotent no-op: the task already reached `to` on a prior pass.
		return outcome, nil
	}

	if err := tx.Commit(); err != nil {
		return OutcomeNoOp, fmt.Errorf("finalize: commit guarded transition for task %d: %w", taskID, err)
	}
	f.tasks.NotifyAfter(taskID, from, to)

	log := f.log.WithField("task_id", taskID)
	if warn {
		log.Warn(logMsg)
	} else {
		log.Info(logMsg)
	}
	f.publishTask(taskID, string(from), string(to))
	return outcome, nil
}

// earliestBackoffAnchor picks the failed step whose own retry.NextAttemptAt
// computation would fire soonest, used only when the readiness engine's
// next_retry_at comes back nil (e.g. a step has failed but has not yet
// been re-evaluated by a readiness query since the failure). Steps
// without a recorded LastFailureAt can't anchor a backoff and are
// skipped.
func earliestBackoffAnchor(steps []domain.ReadinessRow) *domain.ReadinessRow {
	var best *domain.ReadinessRow
	var bestAt time.Time
	for i := range steps {
		step := &steps[i]
		if step.LastFailureAt == nil {
			continue
		}
		candidateAt := retry.NextAttemptAt(*step.LastFailureAt, step.Attempts, step.BackoffRequestSeconds)
		if best == nil || candidateAt.Before(bestAt) {
			best = step
			bestAt = candidateAt
		}
	}
	return best
}

func (f *Finalizer) publishTask(taskID int64, from, to string) {
	if f.events == nil {
		return
	}
	f.events.PublishTask(eventbus.TaskEvent{TaskID: taskID, From: from, To: to})
}

func (f *Finalizer) publish(taskID int64, reason queue.Reason, notBefore time.Time) error {
	if f.publisher == nil {
		return nil
	}
	if err := f.publisher.Publish(queue.ProcessTask{
		TaskID:        taskID,
		Reason:        reason,
		NotBeforeTime: notBefore,
	}); err != nil {
		return fmt.Errorf("finalize: publish re-enqueue for task %d: %w", taskID, err)
	}
	return nil
}
