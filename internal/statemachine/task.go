package statemachine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/r3e-network/workflow-engine/internal/domain"
)

// TaskMachine drives guarded, audited task transitions against task_transitions.
type TaskMachine struct {
	db    *sql.DB
	hooks Hooks
}

// NewTaskMachine builds a TaskMachine. hooks may be the zero value.
func NewTaskMachine(db *sql.DB, hooks Hooks) *TaskMachine {
	return &TaskMachine{db: db, hooks: hooks}
}

// CurrentState returns the task's current state, defaulting to "pending"
// when no transition row exists yet (a task row with no transitions should
// not normally happen, but the reader must stay robust).
func (m *TaskMachine) CurrentState(ctx context.Context, taskID int64) (domain.TaskState, error) {
	var state string
	err := m.db.QueryRowContext(ctx, `
		SELECT to_state FROM task_transitions
		WHERE task_id = $1 AND most_recent = true
	`, taskID).Scan(&state)
	if err == sql.ErrNoRows {
		return domain.TaskPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("read task current state: %w", err)
	}
	return domain.TaskState(state), nil
}

// TransitionTo attempts to move taskID to `to`. It returns (false, nil) if
// the task is already in `to` (idempotent no-op, §4.1), (true, nil) on a
// newly recorded transition, or a wrapped domain error otherwise.
func (m *TaskMachine) TransitionTo(ctx context.Context, taskID int64, to domain.TaskState, metadata domain.JSONMap) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	changed, from, err := m.transitionInTx(ctx, tx, taskID, to, metadata)
	if err != nil || !changed {
		return changed, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transition: %w", err)
	}

	m.NotifyAfter(taskID, from, to)
	return true, nil
}

// TransitionToTx runs the same guarded transition logic against a
// transaction the caller already owns, instead of one TransitionTo would
// open and commit itself. It never commits or rolls back tx; the caller
// is responsible for both, and must call NotifyAfter once its commit
// succeeds. This is for callers that must couple the transition with
// another read inside the same transaction — the finalizer's guard
// re-check (§4.6), which re-reads execution_status and performs the
// terminal transition as one atomic unit to close the race where another
// worker completes the final step between the decision and the
// transition.
func (m *TaskMachine) TransitionToTx(ctx context.Context, tx *sql.Tx, taskID int64, to domain.TaskState, metadata domain.JSONMap) (bool, domain.TaskState, error) {
	return m.transitionInTx(ctx, tx, taskID, to, metadata)
}

// NotifyAfter fires the After hook. TransitionTo calls this itself after
// its own commit; callers driving TransitionToTx must call it once their
// own transaction has committed.
func (m *TaskMachine) NotifyAfter(taskID int64, from, to domain.TaskState) {
	if m.hooks.After != nil {
		m.hooks.After(taskID, string(from), string(to))
	}
}

// transitionInTx holds the guarded transition logic shared by TransitionTo
// and TransitionToTx: lock the task row, read its current state, validate
// the move, and record it. It never commits or rolls back tx.
func (m *TaskMachine) transitionInTx(ctx context.Context, tx *sql.Tx, taskID int64, to domain.TaskState, metadata domain.JSONMap) (bool, domain.TaskState, error) {
	// Row lock on the task row serializes concurrent transition attempts
	// (§3 invariant 6 analogue for tasks, §5 shared-resource policy).
	// Re-acquiring it within a transaction that already holds it (the
	// finalizer's guard re-check path) is a no-op, not an error.
	if _, err := tx.ExecContext(ctx, `SELECT task_id FROM tasks WHERE task_id = $1 FOR UPDATE`, taskID); err != nil {
		return false, "", fmt.Errorf("lock task %d: %w", taskID, err)
	}

	var (
		fromState sql.NullString
		sortKey   int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT to_state, sort_key FROM task_transitions
		WHERE task_id = $1 AND most_recent = true
	`, taskID).Scan(&fromState, &sortKey)
	from := domain.TaskState("")
	if err == nil {
		from = domain.TaskState(fromState.String)
	} else if err != sql.ErrNoRows {
		return false, "", fmt.Errorf("read current task state: %w", err)
	}

	if from == to {
		return false, from, nil
	}

	if from.IsTerminal() {
		return false, from, fmt.Errorf("task %d: %w", taskID, domain.ErrTerminalTask)
	}

	if !TaskTransitionAllowed(from, to) {
		return false, from, domain.NewTransitionError("task", string(from), string(to))
	}

	if m.hooks.Guard != nil && !m.hooks.Guard(taskID, string(from), string(to)) {
		return false, from, domain.NewTransitionError("task", string(from), string(to))
	}

	if m.hooks.Before != nil {
		if err := m.hooks.Before(taskID, string(from), string(to)); err != nil {
			return false, from, fmt.Errorf("before-transition hook: %w", err)
		}
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return false, from, fmt.Errorf("marshal transition metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE task_transitions SET most_recent = false WHERE task_id = $1 AND most_recent = true
	`, taskID); err != nil {
		return false, from, fmt.Errorf("clear previous most_recent: %w", err)
	}

	var fromPtr *string
	if from != "" {
		s := string(from)
		fromPtr = &s
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_transitions (task_id, sort_key, from_state, to_state, metadata, most_recent)
		VALUES ($1, $2, $3, $4, $5, true)
	`, taskID, sortKey+1, fromPtr, string(to), metaJSON); err != nil {
		return false, from, fmt.Errorf("insert transition: %w", err)
	}

	return true, from, nil
}

// Create records the task's initial "pending" transition. It is a thin
// alias over TransitionTo("" -> pending) for readability at call sites.
func (m *TaskMachine) Create(ctx context.Context, taskID int64) error {
	_, err := m.TransitionTo(ctx, taskID, domain.TaskPending, nil)
	return err
}

// ResolveManually is the operator override named in §7: in_progress|error
// -> resolved_manually.
func (m *TaskMachine) ResolveManually(ctx context.Context, taskID int64, reason string) error {
	_, err := m.TransitionTo(ctx, taskID, domain.TaskResolvedManually, domain.JSONMap{"reason": reason})
	return err
}

// Cancel is the operator override for abandoning a task outright.
func (m *TaskMachine) Cancel(ctx context.Context, taskID int64, reason string) error {
	_, err := m.TransitionTo(ctx, taskID, domain.TaskCancelled, domain.JSONMap{"reason": reason})
	return err
}

// RetryFromError is the operator-driven error -> pending transition (§4.1).
func (m *TaskMachine) RetryFromError(ctx context.Context, taskID int64) (bool, error) {
	return m.TransitionTo(ctx, taskID, domain.TaskPending, domain.JSONMap{"reason": "manual_retry"})
}
