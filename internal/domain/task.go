// Package domain holds the core entities of the workflow engine: tasks,
// steps, dependency edges, and the audited transitions that drive both.
package domain

import "time"

// TaskState is the lifecycle state of a task, always read from the most
// recent task_transitions row, never stored redundantly on the task row.
type TaskState string

const (
	TaskPending         TaskState = "pending"
	TaskInProgress      TaskState = "in_progress"
	TaskComplete        TaskState = "complete"
	TaskError           TaskState = "error"
	TaskCancelled       TaskState = "cancelled"
	TaskResolvedManually TaskState = "resolved_manually"
)

// Task is a workflow instance: a rooted DAG of steps sharing one context.
type Task struct {
	TaskID      int64
	NamedTaskID string
	Context     JSONMap
	// Concurrent selects the executor's dispatch mode for this task's
	// viable-step batches: true runs every ready step in its own
	// goroutine (§4.4 "each step runs in a separate worker task"), false
	// processes them one at a time in dependency-level order. Set from
	// the task type's definition at creation time; the core only
	// consumes this bit, it does not load or validate task definitions.
	Concurrent bool
	CreatedAt  time.Time
}

// Step is a node in a task's DAG. Attempts, retry budget, and the
// processed/in_process flags live on the row itself; current state is
// derived from workflow_step_transitions.
type Step struct {
	WorkflowStepID         int64
	TaskID                 int64
	NamedStepID            string
	Name                   string
	Attempts               int
	RetryLimit             int
	Retryable              bool
	BackoffRequestSeconds  *int
	LastAttemptedAt        *time.Time
	Processed              bool
	InProcess              bool
	Results                JSONMap
	Inputs                 JSONMap
}

// DefaultRetryLimit is used when a step template does not specify one.
const DefaultRetryLimit = 3

// HandlerInput is the assembled input a step handler receives (§4.4 step
// 3): the step's own persisted Inputs (via Step), the task's shared
// Context, and UpstreamResults — completed parent steps' Results keyed by
// parent step name, so a merge-shaped step can see what its dependencies
// produced.
type HandlerInput struct {
	Step            Step
	TaskContext     JSONMap
	UpstreamResults map[string]JSONMap
}

// Edge is a dependency from ParentStepID to ChildStepID within one task.
type Edge struct {
	TaskID       int64
	ParentStepID int64
	ChildStepID  int64
}

// JSONMap is the opaque, caller-defined payload carried by tasks and steps.
// It round-trips through Postgres JSON/JSONB columns via encoding/json.
type JSONMap map[string]interface{}
