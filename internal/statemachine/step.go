package statemachine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/r3e-network/workflow-engine/internal/domain"
)

// StepMachine drives guarded, audited step transitions against
// workflow_step_transitions, and the step-row field updates (attempts,
// in_process, processed, results) that §4.4 requires happen in the same
// transaction as the corresponding transition.
type StepMachine struct {
	db    *sql.DB
	hooks Hooks
}

// NewStepMachine builds a StepMachine. hooks may be the zero value.
func NewStepMachine(db *sql.DB, hooks Hooks) *StepMachine {
	return &StepMachine{db: db, hooks: hooks}
}

// CurrentState returns the step's current state, defaulting to "pending"
// when no transition row exists yet (§4.2 "current_state ... defaulting to
// pending when no transition exists").
func (m *StepMachine) CurrentState(ctx context.Context, stepID int64) (domain.StepState, error) {
	var state string
	err := m.db.QueryRowContext(ctx, `
		SELECT to_state FROM workflow_step_transitions
		WHERE workflow_step_id = $1 AND most_recent = true
	`, stepID).Scan(&state)
	if err == sql.ErrNoRows {
		return domain.StepPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("read step current state: %w", err)
	}
	return domain.StepState(state), nil
}

// transitionTx appends a transition row for stepID inside tx, enforcing the
// allowed-transitions table and most_recent bookkeeping. Returns the prior
// state, or an error. Caller must already hold the row lock on
// workflow_steps for stepID.
func (m *StepMachine) transitionTx(ctx context.Context, tx *sql.Tx, stepID int64, to domain.StepState, metadata domain.JSONMap) (domain.StepState, bool, error) {
	var (
		fromState sql.NullString
		sortKey   int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT to_state, sort_key FROM workflow_step_transitions
		WHERE workflow_step_id = $1 AND most_recent = true
	`, stepID).Scan(&fromState, &sortKey)
	from := domain.StepState("")
	if err == nil {
		from = domain.StepState(fromState.String)
	} else if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("read current step state: %w", err)
	}

	if from == to {
		return from, false, nil
	}

	if !StepTransitionAllowed(from, to) {
		return from, false, domain.NewTransitionError("workflow_step", string(from), string(to))
	}

	if m.hooks.Guard != nil && !m.hooks.Guard(stepID, string(from), string(to)) {
		return from, false, domain.NewTransitionError("workflow_step", string(from), string(to))
	}
	if m.hooks.Before != nil {
		if err := m.hooks.Before(stepID, string(from), string(to)); err != nil {
			return from, false, fmt.Errorf("before-transition hook: %w", err)
		}
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return from, false, fmt.Errorf("marshal transition metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_step_transitions SET most_recent = false
		WHERE workflow_step_id = $1 AND most_recent = true
	`, stepID); err != nil {
		return from, false, fmt.Errorf("clear previous most_recent: %w", err)
	}

	var fromPtr *string
	if from != "" {
		s := string(from)
		fromPtr = &s
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_step_transitions (workflow_step_id, sort_key, from_state, to_state, metadata, most_recent)
		VALUES ($1, $2, $3, $4, $5, true)
	`, stepID, sortKey+1, fromPtr, string(to), metaJSON); err != nil {
		return from, false, fmt.Errorf("insert transition: %w", err)
	}

	return from, true, nil
}

func (m *StepMachine) lock(ctx context.Context, tx *sql.Tx, stepID int64) error {
	_, err := tx.ExecContext(ctx, `SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = $1 FOR UPDATE`, stepID)
	if err != nil {
		return fmt.Errorf("lock step %d: %w", stepID, err)
	}
	return nil
}

// Create records the step's initial "pending" transition.
func (m *StepMachine) Create(ctx context.Context, stepID int64) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.lock(ctx, tx, stepID); err != nil {
		return err
	}
	if _, _, err := m.transitionTx(ctx, tx, stepID, domain.StepPending, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Start claims a step for execution: pending|error -> in_progress, bumps
// attempts, stamps last_attempted_at, and sets in_process = true, all in
// one transaction (§4.4 steps 1-2). If another worker already claimed the
// step (in_process already true, or already in_progress), Start returns
// (false, nil): "skip this step silently" (§4.4 step 1).
func (m *StepMachine) Start(ctx context.Context, stepID int64, now time.Time) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := m.lock(ctx, tx, stepID); err != nil {
		return false, err
	}

	var inProcess, processed bool
	if err := tx.QueryRowContext(ctx, `
		SELECT in_process, processed FROM workflow_steps WHERE workflow_step_id = $1
	`, stepID).Scan(&inProcess, &processed); err != nil {
		if err == sql.ErrNoRows {
			return false, domain.NewNotFoundError("workflow_step", stepID)
		}
		return false, fmt.Errorf("read step flags: %w", err)
	}
	if inProcess || processed {
		return false, nil
	}

	from, changed, err := m.transitionTx(ctx, tx, stepID, domain.StepInProgress, nil)
	if err != nil {
		if domain.IsIllegalTransition(err) {
			// Current state isn't pending/error (e.g. already in_progress
			// from this worker's own prior partial attempt); treat as a
			// silent skip rather than a fatal error (§4.4 step 1).
			return false, nil
		}
		return false, err
	}
	if !changed {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_steps
		SET attempts = attempts + 1, last_attempted_at = $2, in_process = true
		WHERE workflow_step_id = $1
	`, stepID, now.UTC()); err != nil {
		return false, fmt.Errorf("bump attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit start: %w", err)
	}
	if m.hooks.After != nil {
		m.hooks.After(stepID, string(from), string(domain.StepInProgress))
	}
	return true, nil
}

// Complete records a successful handler return: in_progress -> complete,
// persists results, sets processed = true, in_process = false (§4.4 step
// 5).
func (m *StepMachine) Complete(ctx context.Context, stepID int64, results domain.JSONMap) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.lock(ctx, tx, stepID); err != nil {
		return err
	}
	if _, _, err := m.transitionTx(ctx, tx, stepID, domain.StepComplete, nil); err != nil {
		return err
	}

	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_steps
		SET processed = true, in_process = false, results = $2
		WHERE workflow_step_id = $1
	`, stepID, resultsJSON); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	if m.hooks.After != nil {
		m.hooks.After(stepID, string(domain.StepInProgress), string(domain.StepComplete))
	}
	return nil
}

// Fail records a handler failure (including an error the handler returns
// after its HandlerTimeout deadline expires): in_progress
// -> error, stores the error record in results, sets in_process = false,
// and optionally records an explicit backoff hint (§4.5 "catch, annotate,
// re-raise" pattern). attempts is not incremented again — it was already
// bumped on entry by Start (§4.4 step 6).
func (m *StepMachine) Fail(ctx context.Context, stepID int64, results domain.JSONMap, backoffRequestSeconds *int) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.lock(ctx, tx, stepID); err != nil {
		return err
	}
	if _, _, err := m.transitionTx(ctx, tx, stepID, domain.StepError, nil); err != nil {
		return err
	}

	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_steps
		SET in_process = false, results = $2, backoff_request_seconds = COALESCE($3, backoff_request_seconds)
		WHERE workflow_step_id = $1
	`, stepID, resultsJSON, backoffRequestSeconds); err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail: %w", err)
	}
	if m.hooks.After != nil {
		m.hooks.After(stepID, string(domain.StepInProgress), string(domain.StepError))
	}
	return nil
}

// Retry resets a failed step back to pending so the readiness engine can
// pick it up again once backoff elapses (error -> pending).
func (m *StepMachine) Retry(ctx context.Context, stepID int64) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := m.lock(ctx, tx, stepID); err != nil {
		return false, err
	}
	_, changed, err := m.transitionTx(ctx, tx, stepID, domain.StepPending, nil)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit retry: %w", err)
	}
	return changed, nil
}

// ResolveManually is the operator override: pending|error ->
// resolved_manually (§7 "a task may be manually resolved ... by an
// operator through the external API").
func (m *StepMachine) ResolveManually(ctx context.Context, stepID int64, results domain.JSONMap) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.lock(ctx, tx, stepID); err != nil {
		return err
	}
	if _, _, err := m.transitionTx(ctx, tx, stepID, domain.StepResolvedManually, nil); err != nil {
		return err
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_steps SET processed = true, in_process = false, results = $2
		WHERE workflow_step_id = $1
	`, stepID, resultsJSON); err != nil {
		return fmt.Errorf("persist manual resolution: %w", err)
	}
	return tx.Commit()
}
