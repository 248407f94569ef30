package domain

import "time"

// EntityKind distinguishes which transition table a Transition belongs to.
type EntityKind string

const (
	EntityTask EntityKind = "task"
	EntityStep EntityKind = "workflow_step"
)

// Transition is an append-only audit row for either a task or a step.
// Exactly one row per entity has MostRecent = true (§3 invariant 1); that
// row's ToState is the entity's current state.
type Transition struct {
	ID         int64
	EntityID   int64
	SortKey    int64
	FromState  *string
	ToState    string
	CreatedAt  time.Time
	Metadata   JSONMap
	MostRecent bool
}

// ReadinessRow is one row of the step_readiness(task_id) output (§4.2).
type ReadinessRow struct {
	WorkflowStepID        int64
	TaskID                int64
	NamedStepID           string
	Name                  string
	CurrentState          StepState
	TotalParents          int
	CompletedParents      int
	DependenciesSatisfied bool
	RetryEligible         bool
	ReadyForExecution     bool
	LastFailureAt         *time.Time
	NextRetryAt           *time.Time
	Attempts              int
	RetryLimit            int
	BackoffRequestSeconds *int
	LastAttemptedAt       *time.Time
}

// ExecutionStatus is the derived, priority-ordered classification of a
// task's overall readiness picture (§4.2).
type ExecutionStatus string

const (
	StatusHasReadySteps        ExecutionStatus = "has_ready_steps"
	StatusProcessing           ExecutionStatus = "processing"
	StatusBlockedByFailures    ExecutionStatus = "blocked_by_failures"
	StatusAllComplete          ExecutionStatus = "all_complete"
	StatusWaitingForDependencies ExecutionStatus = "waiting_for_dependencies"
)

// RecommendedAction is the 1:1 mapping from ExecutionStatus used by the
// finalizer to dispatch (§4.6).
type RecommendedAction string

const (
	ActionExecuteReadySteps    RecommendedAction = "execute_ready_steps"
	ActionWaitForCompletion    RecommendedAction = "wait_for_completion"
	ActionHandleFailures       RecommendedAction = "handle_failures"
	ActionFinalizeTask         RecommendedAction = "finalize_task"
	ActionWaitForDependencies  RecommendedAction = "wait_for_dependencies"
)

// HealthStatus is the observer-facing health classification (§4.2).
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthRecovering HealthStatus = "recovering"
	HealthBlocked   HealthStatus = "blocked"
	HealthUnknown   HealthStatus = "unknown"
)

// TaskExecutionContext is the per-task roll-up computed on top of step
// readiness (§4.2).
type TaskExecutionContext struct {
	TaskID                  int64
	TotalSteps              int
	PendingSteps            int
	InProgressSteps         int
	CompletedSteps          int
	FailedSteps             int
	ReadySteps              int
	PermanentlyBlockedSteps int
	NextRetryAt             *time.Time
	ExecutionStatus         ExecutionStatus
	RecommendedAction       RecommendedAction
	HealthStatus            HealthStatus
	Steps                   []ReadinessRow
}

// DependencyLevel is one row of dependency_levels(task_id) (§4.2): the
// longest-path distance of a step from any root.
type DependencyLevel struct {
	WorkflowStepID int64
	Level          int
}
