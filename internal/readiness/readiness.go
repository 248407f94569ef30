// Package readiness wraps the SQL-resident readiness engine (§4.2): the
// hard centerpiece that decides which steps are eligible to run right now.
// All correctness-bearing logic lives in the SQL functions embedded by
// internal/platform/migrations; this package only shapes rows into
// domain types and keeps the performance contract (§4.2) by pushing every
// filter down into the query.
package readiness

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/r3e-network/workflow-engine/internal/domain"
	"github.com/r3e-network/workflow-engine/internal/metrics"
)

func metricTimer(query string) func() {
	start := time.Now()
	return func() { metrics.ObserveReadinessQuery(query, time.Since(start)) }
}

// Engine queries the readiness SQL functions.
type Engine struct {
	db *sqlx.DB
}

// New wraps an existing *sql.DB (opened by internal/platform/database) in
// the sqlx layer the readiness queries use for struct-scanning the wide
// result set.
func New(db *sql.DB) *Engine {
	return &Engine{db: sqlx.NewDb(db, "postgres")}
}

// readinessRow is the sqlx scan target; column order matches the SQL
// functions' RETURNS TABLE exactly.
type readinessRow struct {
	WorkflowStepID        int64          `db:"workflow_step_id"`
	TaskID                int64          `db:"task_id"`
	NamedStepID           string         `db:"named_step_id"`
	Name                  string         `db:"name"`
	CurrentState          string         `db:"current_state"`
	TotalParents          int            `db:"total_parents"`
	CompletedParents      int            `db:"completed_parents"`
	DependenciesSatisfied bool           `db:"dependencies_satisfied"`
	RetryEligible         bool           `db:"retry_eligible"`
	ReadyForExecution     bool           `db:"ready_for_execution"`
	LastFailureAt         sql.NullTime   `db:"last_failure_at"`
	NextRetryAt           sql.NullTime   `db:"next_retry_at"`
	Attempts              int            `db:"attempts"`
	RetryLimit            int            `db:"retry_limit"`
	BackoffRequestSeconds sql.NullInt64  `db:"backoff_request_seconds"`
	LastAttemptedAt       sql.NullTime   `db:"last_attempted_at"`
}

func (r readinessRow) toDomain() domain.ReadinessRow {
	out := domain.ReadinessRow{
		WorkflowStepID:        r.WorkflowStepID,
		TaskID:                r.TaskID,
		NamedStepID:           r.NamedStepID,
		Name:                  r.Name,
		CurrentState:          domain.StepState(r.CurrentState),
		TotalParents:          r.TotalParents,
		CompletedParents:      r.CompletedParents,
		DependenciesSatisfied: r.DependenciesSatisfied,
		RetryEligible:         r.RetryEligible,
		ReadyForExecution:     r.ReadyForExecution,
		Attempts:              r.Attempts,
		RetryLimit:            r.RetryLimit,
	}
	if r.LastFailureAt.Valid {
		t := r.LastFailureAt.Time
		out.LastFailureAt = &t
	}
	if r.NextRetryAt.Valid {
		t := r.NextRetryAt.Time
		out.NextRetryAt = &t
	}
	if r.BackoffRequestSeconds.Valid {
		v := int(r.BackoffRequestSeconds.Int64)
		out.BackoffRequestSeconds = &v
	}
	if r.LastAttemptedAt.Valid {
		t := r.LastAttemptedAt.Time
		out.LastAttemptedAt = &t
	}
	return out
}

const readinessColumns = `
	workflow_step_id BIGINT, task_id BIGINT, named_step_id TEXT, name TEXT,
	current_state TEXT, total_parents INT, completed_parents INT,
	dependencies_satisfied BOOLEAN, retry_eligible BOOLEAN, ready_for_execution BOOLEAN,
	last_failure_at TIMESTAMPTZ, next_retry_at TIMESTAMPTZ, attempts INT, retry_limit INT,
	backoff_request_seconds INT, last_attempted_at TIMESTAMPTZ
`

// StepReadiness returns one row per step for taskID, optionally restricted
// to stepIDs (§4.2, §4.3). A nil/empty stepIDs means "all steps".
func (e *Engine) StepReadiness(ctx context.Context, taskID int64, stepIDs []int64) ([]domain.ReadinessRow, error) {
	defer metricTimer("step_readiness")()

	query := fmt.Sprintf(`SELECT * FROM step_readiness($1, $2) AS t(%s)`, readinessColumns)

	var idsArg interface{}
	if len(stepIDs) == 0 {
		idsArg = nil
	} else {
		idsArg = pq.Array(stepIDs)
	}

	var rows []readinessRow
	if err := e.db.SelectContext(ctx, &rows, query, taskID, idsArg); err != nil {
		return nil, fmt.Errorf("step_readiness(%d): %w", taskID, err)
	}

	out := make([]domain.ReadinessRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// StepReadinessBatch is the batch form used by schedulers scanning many
// tasks at once (§4.2), keyed by task id in the returned map.
func (e *Engine) StepReadinessBatch(ctx context.Context, taskIDs []int64) (map[int64][]domain.ReadinessRow, error) {
	if len(taskIDs) == 0 {
		return map[int64][]domain.ReadinessRow{}, nil
	}
	defer metricTimer("step_readiness_batch")()

	query := fmt.Sprintf(`SELECT * FROM step_readiness_batch($1) AS t(%s)`, readinessColumns)

	var rows []readinessRow
	if err := e.db.SelectContext(ctx, &rows, query, pq.Array(taskIDs)); err != nil {
		return nil, fmt.Errorf("step_readiness_batch: %w", err)
	}

	out := make(map[int64][]domain.ReadinessRow, len(taskIDs))
	for _, r := range rows {
		out[r.TaskID] = append(out[r.TaskID], r.toDomain())
	}
	return out, nil
}

type executionContextRow struct {
	TaskID                  int64         `db:"task_id"`
	TotalSteps              int           `db:"total_steps"`
	PendingSteps            int           `db:"pending_steps"`
	InProgressSteps         int           `db:"in_progress_steps"`
	CompletedSteps          int           `db:"completed_steps"`
	FailedSteps             int           `db:"failed_steps"`
	ReadySteps              int           `db:"ready_steps"`
	PermanentlyBlockedSteps int           `db:"permanently_blocked_steps"`
	NextRetryAt             sql.NullTime  `db:"next_retry_at"`
	ExecutionStatus         string        `db:"execution_status"`
	RecommendedAction       string        `db:"recommended_action"`
	HealthStatus            string        `db:"health_status"`
}

// TaskExecutionContext returns the per-task roll-up (§4.2), including the
// hydrated step readiness rows it was derived from (the finalizer uses
// them to anchor a backoff when next_retry_at is nil).
func (e *Engine) TaskExecutionContext(ctx context.Context, taskID int64) (domain.TaskExecutionContext, error) {
	defer metricTimer("task_execution_context")()

	var row executionContextRow
	err := e.db.GetContext(ctx, &row, `
		SELECT * FROM task_execution_context($1)
	`, taskID)
	if err != nil {
		return domain.TaskExecutionContext{}, fmt.Errorf("task_execution_context(%d): %w", taskID, err)
	}

	steps, err := e.StepReadiness(ctx, taskID, nil)
	if err != nil {
		return domain.TaskExecutionContext{}, err
	}

	out := domain.TaskExecutionContext{
		TaskID:                  row.TaskID,
		TotalSteps:              row.TotalSteps,
		PendingSteps:            row.PendingSteps,
		InProgressSteps:         row.InProgressSteps,
		CompletedSteps:          row.CompletedSteps,
		FailedSteps:             row.FailedSteps,
		ReadySteps:              row.ReadySteps,
		PermanentlyBlockedSteps: row.PermanentlyBlockedSteps,
		ExecutionStatus:         domain.ExecutionStatus(row.ExecutionStatus),
		RecommendedAction:       domain.RecommendedAction(row.RecommendedAction),
		HealthStatus:            domain.HealthStatus(row.HealthStatus),
		Steps:                   steps,
	}
	if row.NextRetryAt.Valid {
		t := row.NextRetryAt.Time
		out.NextRetryAt = &t
	}
	return out, nil
}

// DB exposes the underlying *sql.DB, for collaborators (the finalizer's
// guard re-check, §4.6) that must couple a readiness read with a
// transaction-scoped state transition rather than two independent round
// trips.
func (e *Engine) DB() *sql.DB {
	return e.db.DB
}

// ExecutionStatusTx re-reads only a task's execution_status within an
// existing transaction. It is the finalizer's guard re-check (§4.6): run
// immediately before a terminal transition, inside the same transaction
// that performs it, so the decision and the transition observe one locked
// snapshot instead of racing against a step completing in between.
func ExecutionStatusTx(ctx context.Context, tx *sql.Tx, taskID int64) (domain.ExecutionStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT execution_status FROM task_execution_context($1)`, taskID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("task_execution_context(%d) execution_status: %w", taskID, err)
	}
	return domain.ExecutionStatus(status), nil
}

// DependencyLevels returns the longest-path level of every step in taskID
// (§4.2), used for parallelism analysis and to order sequential-mode
// execution (§4.4).
func (e *Engine) DependencyLevels(ctx context.Context, taskID int64) ([]domain.DependencyLevel, error) {
	var rows []struct {
		WorkflowStepID int64 `db:"workflow_step_id"`
		Level          int   `db:"level"`
	}
	if err := e.db.SelectContext(ctx, &rows, `SELECT * FROM dependency_levels($1)`, taskID); err != nil {
		return nil, fmt.Errorf("dependency_levels(%d): %w", taskID, err)
	}
	out := make([]domain.DependencyLevel, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.DependencyLevel{WorkflowStepID: r.WorkflowStepID, Level: r.Level})
	}
	return out, nil
}
