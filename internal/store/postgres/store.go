// Package postgres is the PostgreSQL-backed implementation of the task,
// step, and edge CRUD surface, following the teacher's PostgresStore
// idiom: explicit column lists, JSON marshal/unmarshal for JSONB columns,
// no ORM.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/r3e-network/workflow-engine/internal/domain"
)

// Store implements task/step/edge persistence against the schema in
// internal/platform/migrations/0001_schema.sql.
type Store struct {
	db *sql.DB
}

// New wraps an open *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateTask inserts a new task row and returns its generated id.
// concurrent selects the dispatch mode the executor will use for this
// task's viable-step batches (§4.4).
func (s *Store) CreateTask(ctx context.Context, namedTaskID string, taskContext domain.JSONMap, concurrent bool) (int64, error) {
	ctxJSON, err := json.Marshal(taskContext)
	if err != nil {
		return 0, fmt.Errorf("marshal task context: %w", err)
	}
	var taskID int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (named_task_id, context, concurrent) VALUES ($1, $2, $3) RETURNING task_id
	`, namedTaskID, ctxJSON, concurrent).Scan(&taskID)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return taskID, nil
}

// GetTask loads a task row by id.
func (s *Store) GetTask(ctx context.Context, taskID int64) (domain.Task, error) {
	var (
		t       domain.Task
		ctxJSON []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, named_task_id, context, concurrent, created_at FROM tasks WHERE task_id = $1
	`, taskID).Scan(&t.TaskID, &t.NamedTaskID, &ctxJSON, &t.Concurrent, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Task{}, domain.NewNotFoundError("task", taskID)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task %d: %w", taskID, err)
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &t.Context); err != nil {
			return domain.Task{}, fmt.Errorf("unmarshal task context: %w", err)
		}
	}
	return t, nil
}

// CreateStep inserts a new workflow_steps row, defaulting retry_limit when
// unset (domain.DefaultRetryLimit).
func (s *Store) CreateStep(ctx context.Context, step domain.Step) (int64, error) {
	if step.RetryLimit <= 0 {
		step.RetryLimit = domain.DefaultRetryLimit
	}
	inputsJSON, err := json.Marshal(step.Inputs)
	if err != nil {
		return 0, fmt.Errorf("marshal step inputs: %w", err)
	}
	var stepID int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO workflow_steps (task_id, named_step_id, name, retry_limit, retryable, inputs)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING workflow_step_id
	`, step.TaskID, step.NamedStepID, step.Name, step.RetryLimit, step.Retryable, inputsJSON).Scan(&stepID)
	if err != nil {
		return 0, fmt.Errorf("insert step: %w", err)
	}
	return stepID, nil
}

// LoadStep loads a full step row, implementing executor.StepLoader.
func (s *Store) LoadStep(ctx context.Context, workflowStepID int64) (domain.Step, error) {
	var (
		step                  domain.Step
		inputsJSON            []byte
		resultsJSON           []byte
		backoffRequestSeconds sql.NullInt64
		lastAttemptedAt       sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT workflow_step_id, task_id, named_step_id, name, attempts, retry_limit, retryable,
		       backoff_request_seconds, last_attempted_at, processed, in_process, results, inputs
		FROM workflow_steps WHERE workflow_step_id = $1
	`, workflowStepID).Scan(
		&step.WorkflowStepID, &step.TaskID, &step.NamedStepID, &step.Name, &step.Attempts, &step.RetryLimit, &step.Retryable,
		&backoffRequestSeconds, &lastAttemptedAt, &step.Processed, &step.InProcess, &resultsJSON, &inputsJSON,
	)
	if err == sql.ErrNoRows {
		return domain.Step{}, domain.NewNotFoundError("workflow_step", workflowStepID)
	}
	if err != nil {
		return domain.Step{}, fmt.Errorf("load step %d: %w", workflowStepID, err)
	}
	if backoffRequestSeconds.Valid {
		v := int(backoffRequestSeconds.Int64)
		step.BackoffRequestSeconds = &v
	}
	if lastAttemptedAt.Valid {
		t := lastAttemptedAt.Time
		step.LastAttemptedAt = &t
	}
	if len(inputsJSON) > 0 {
		if err := json.Unmarshal(inputsJSON, &step.Inputs); err != nil {
			return domain.Step{}, fmt.Errorf("unmarshal step inputs: %w", err)
		}
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &step.Results); err != nil {
			return domain.Step{}, fmt.Errorf("unmarshal step results: %w", err)
		}
	}
	return step, nil
}

// ParentResults returns the Results of workflowStepID's completed parent
// steps, keyed by parent step name (§4.4 step 3 "upstream_results is a map
// keyed by parent step name"). A parent that hasn't completed yet is
// omitted rather than erroring — discovery never marks a step viable
// before all its parents are processed, so this should not happen in
// practice, but the executor must not assume it.
func (s *Store) ParentResults(ctx context.Context, workflowStepID int64) (map[string]domain.JSONMap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ws.name, ws.results
		FROM workflow_step_edges e
		JOIN workflow_steps ws ON ws.workflow_step_id = e.from_step_id
		WHERE e.to_step_id = $1 AND ws.processed = true
	`, workflowStepID)
	if err != nil {
		return nil, fmt.Errorf("list parent results for step %d: %w", workflowStepID, err)
	}
	defer rows.Close()

	out := make(map[string]domain.JSONMap)
	for rows.Next() {
		var (
			name        string
			resultsJSON []byte
		)
		if err := rows.Scan(&name, &resultsJSON); err != nil {
			return nil, fmt.Errorf("scan parent result: %w", err)
		}
		var results domain.JSONMap
		if len(resultsJSON) > 0 {
			if err := json.Unmarshal(resultsJSON, &results); err != nil {
				return nil, fmt.Errorf("unmarshal parent results for %q: %w", name, err)
			}
		}
		out[name] = results
	}
	return out, rows.Err()
}

// AddEdge records a dependency: fromStepID must complete before
// toStepID becomes eligible.
func (s *Store) AddEdge(ctx context.Context, taskID, fromStepID, toStepID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_step_edges (task_id, from_step_id, to_step_id) VALUES ($1, $2, $3)
	`, taskID, fromStepID, toStepID)
	if err != nil {
		return fmt.Errorf("insert edge %d->%d: %w", fromStepID, toStepID, err)
	}
	return nil
}

// DueForSweep implements sweeper.TaskSource: tasks currently in_progress
// with no step in_process, which is the signature of a stalled worker or
// a step that finished its backoff window unattended.
func (s *Store) DueForSweep(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT t.task_id
		FROM tasks t
		JOIN task_transitions tt ON tt.task_id = t.task_id AND tt.most_recent = true AND tt.to_state = 'in_progress'
		JOIN workflow_steps ws ON ws.task_id = t.task_id
		WHERE NOT EXISTS (
			SELECT 1 FROM workflow_steps ws2 WHERE ws2.task_id = t.task_id AND ws2.in_process = true
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks due for sweep: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ChildStepIDs returns the step ids depending on any of fromStepIDs within
// a task, using pq.Array for the IN-clause-free batch form.
func (s *Store) ChildStepIDs(ctx context.Context, taskID int64, fromStepIDs []int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT to_step_id FROM workflow_step_edges
		WHERE task_id = $1 AND from_step_id = ANY($2)
	`, taskID, pq.Array(fromStepIDs))
	if err != nil {
		return nil, fmt.Errorf("list child steps: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan child step id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
