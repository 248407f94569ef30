package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/r3e-network/workflow-engine/internal/domain"
	"github.com/r3e-network/workflow-engine/internal/registry"
	"github.com/r3e-network/workflow-engine/internal/statemachine"
	"github.com/r3e-network/workflow-engine/internal/store/memstore"
)

type stubLoader struct {
	step domain.Step
	err  error
}

func (s stubLoader) LoadStep(ctx context.Context, workflowStepID int64) (domain.Step, error) {
	return s.step, s.err
}

func (s stubLoader) GetTask(ctx context.Context, taskID int64) (domain.Task, error) {
	return domain.Task{TaskID: taskID}, nil
}

func (s stubLoader) ParentResults(ctx context.Context, workflowStepID int64) (map[string]domain.JSONMap, error) {
	return nil, nil
}

type funcLoader func(ctx context.Context, workflowStepID int64) (domain.Step, error)

func (f funcLoader) LoadStep(ctx context.Context, workflowStepID int64) (domain.Step, error) {
	return f(ctx, workflowStepID)
}

func (f funcLoader) GetTask(ctx context.Context, taskID int64) (domain.Task, error) {
	return domain.Task{TaskID: taskID}, nil
}

func (f funcLoader) ParentResults(ctx context.Context, workflowStepID int64) (map[string]domain.JSONMap, error) {
	return nil, nil
}

func TestRunReadyCompletesSuccessfulHandler(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// Start(): lock, flags, transition read, clear most_recent, insert, bump attempts, commit.
	mock.ExpectBegin()
	mock.ExpectExec("SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = \\$1 FOR UPDATE").
		WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT in_process, processed FROM workflow_steps").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"in_process", "processed"}).AddRow(false, false))
	mock.ExpectQuery("SELECT to_state, sort_key FROM workflow_step_transitions").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"to_state", "sort_key"}).AddRow("pending", 1))
	mock.ExpectExec("UPDATE workflow_step_transitions SET most_recent = false").
		WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workflow_step_transitions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE workflow_steps\\s+SET attempts = attempts \\+ 1").
		WithArgs(int64(1), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Complete(): lock, transition read, clear most_recent, insert, update, commit.
	mock.ExpectBegin()
	mock.ExpectExec("SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = \\$1 FOR UPDATE").
		WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT to_state, sort_key FROM workflow_step_transitions").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"to_state", "sort_key"}).AddRow("in_progress", 2))
	mock.ExpectExec("UPDATE workflow_step_transitions SET most_recent = false").
		WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workflow_step_transitions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE workflow_steps\\s+SET processed = true, in_process = false, results = \\$2").
		WithArgs(int64(1), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	steps := statemachine.NewStepMachine(db, statemachine.Hooks{})
	handlers := registry.New()
	var handled bool
	handlers.RegisterFunc("noop", func(ctx context.Context, input domain.HandlerInput) (domain.JSONMap, error) {
		handled = true
		return domain.JSONMap{"ok": true}, nil
	})
	loader := stubLoader{step: domain.Step{WorkflowStepID: 1, NamedStepID: "noop", Name: "noop"}}

	e := New(steps, handlers, loader, nil, Config{MaxConcurrentSteps: 1})
	e.RunReady(context.Background(), []domain.ReadinessRow{{WorkflowStepID: 1, NamedStepID: "noop", Name: "noop", ReadyForExecution: true}}, true)

	if !handled {
		t.Fatalf("expected handler to run")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunReadySequentialModeProcessesInGivenOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// sqlmock enforces expectation order by default, so this only passes
	// if step 10 runs to completion strictly before step 20 starts —
	// exercising the non-concurrent dispatch path (§4.4 "sequential mode
	// processes the batch one step at a time").
	for _, stepID := range []int64{10, 20} {
		mock.ExpectBegin()
		mock.ExpectExec("SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = \\$1 FOR UPDATE").
			WithArgs(stepID).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT in_process, processed FROM workflow_steps").
			WithArgs(stepID).
			WillReturnRows(sqlmock.NewRows([]string{"in_process", "processed"}).AddRow(false, false))
		mock.ExpectQuery("SELECT to_state, sort_key FROM workflow_step_transitions").
			WithArgs(stepID).
			WillReturnRows(sqlmock.NewRows([]string{"to_state", "sort_key"}).AddRow("pending", 1))
		mock.ExpectExec("UPDATE workflow_step_transitions SET most_recent = false").
			WithArgs(stepID).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO workflow_step_transitions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE workflow_steps\\s+SET attempts = attempts \\+ 1").
			WithArgs(stepID, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectBegin()
		mock.ExpectExec("SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = \\$1 FOR UPDATE").
			WithArgs(stepID).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT to_state, sort_key FROM workflow_step_transitions").
			WithArgs(stepID).
			WillReturnRows(sqlmock.NewRows([]string{"to_state", "sort_key"}).AddRow("in_progress", 2))
		mock.ExpectExec("UPDATE workflow_step_transitions SET most_recent = false").
			WithArgs(stepID).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO workflow_step_transitions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE workflow_steps\\s+SET processed = true, in_process = false, results = \\$2").
			WithArgs(stepID, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	steps := statemachine.NewStepMachine(db, statemachine.Hooks{})
	handlers := registry.New()
	var order []int64
	handlers.RegisterFunc("noop", func(ctx context.Context, input domain.HandlerInput) (domain.JSONMap, error) {
		order = append(order, input.Step.WorkflowStepID)
		return domain.JSONMap{"ok": true}, nil
	})
	loader := funcLoader(func(ctx context.Context, workflowStepID int64) (domain.Step, error) {
		return domain.Step{WorkflowStepID: workflowStepID, NamedStepID: "noop", Name: "noop"}, nil
	})

	e := New(steps, handlers, loader, nil, Config{})
	e.RunReady(context.Background(), []domain.ReadinessRow{
		{WorkflowStepID: 10, NamedStepID: "noop", Name: "noop", ReadyForExecution: true},
		{WorkflowStepID: 20, NamedStepID: "noop", Name: "noop", ReadyForExecution: true},
	}, false)

	if len(order) != 2 || order[0] != 10 || order[1] != 20 {
		t.Fatalf("expected sequential order [10 20], got %v", order)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunReadySkipsWhenAlreadyClaimed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = \\$1 FOR UPDATE").
		WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT in_process, processed FROM workflow_steps").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"in_process", "processed"}).AddRow(true, false))
	mock.ExpectRollback()

	steps := statemachine.NewStepMachine(db, statemachine.Hooks{})
	handlers := registry.New()
	called := false
	handlers.RegisterFunc("noop", func(ctx context.Context, input domain.HandlerInput) (domain.JSONMap, error) {
		called = true
		return nil, errors.New("should not run")
	})
	loader := stubLoader{}

	e := New(steps, handlers, loader, nil, Config{MaxConcurrentSteps: 1})
	e.RunReady(context.Background(), []domain.ReadinessRow{{WorkflowStepID: 2, NamedStepID: "noop", Name: "noop", ReadyForExecution: true}}, true)

	if called {
		t.Fatalf("handler must not run when the step was already claimed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestRunReadyAssemblesHandlerInputFromTaskAndParents exercises the
// merge-step scenario directly: a handler for a step with two completed
// parents must see both the task's shared context and each parent's
// results keyed by name (§4.4 step 3).
func TestRunReadyAssemblesHandlerInputFromTaskAndParents(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = \\$1 FOR UPDATE").
		WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT in_process, processed FROM workflow_steps").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"in_process", "processed"}).AddRow(false, false))
	mock.ExpectQuery("SELECT to_state, sort_key FROM workflow_step_transitions").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"to_state", "sort_key"}).AddRow("pending", 1))
	mock.ExpectExec("UPDATE workflow_step_transitions SET most_recent = false").
		WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workflow_step_transitions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE workflow_steps\\s+SET attempts = attempts \\+ 1").
		WithArgs(int64(3), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = \\$1 FOR UPDATE").
		WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT to_state, sort_key FROM workflow_step_transitions").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"to_state", "sort_key"}).AddRow("in_progress", 2))
	mock.ExpectExec("UPDATE workflow_step_transitions SET most_recent = false").
		WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workflow_step_transitions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE workflow_steps\\s+SET processed = true, in_process = false, results = \\$2").
		WithArgs(int64(3), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := memstore.New()
	taskID, err := store.CreateTask(context.Background(), "fan_in_task", domain.JSONMap{"request_id": "r1"}, true)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	leftID, err := store.CreateStep(context.Background(), domain.Step{TaskID: taskID, NamedStepID: "left", Name: "left", Processed: true, Results: domain.JSONMap{"v": 1.0}})
	if err != nil {
		t.Fatalf("CreateStep left: %v", err)
	}
	rightID, err := store.CreateStep(context.Background(), domain.Step{TaskID: taskID, NamedStepID: "right", Name: "right", Processed: true, Results: domain.JSONMap{"v": 2.0}})
	if err != nil {
		t.Fatalf("CreateStep right: %v", err)
	}
	mergeID, err := store.CreateStep(context.Background(), domain.Step{TaskID: taskID, NamedStepID: "merge", Name: "merge"})
	if err != nil {
		t.Fatalf("CreateStep merge: %v", err)
	}
	if mergeID != 3 {
		t.Fatalf("expected merge step id 3 to line up with the sqlmock expectations above, got %d", mergeID)
	}
	if err := store.AddEdge(context.Background(), taskID, leftID, mergeID); err != nil {
		t.Fatalf("AddEdge left->merge: %v", err)
	}
	if err := store.AddEdge(context.Background(), taskID, rightID, mergeID); err != nil {
		t.Fatalf("AddEdge right->merge: %v", err)
	}

	steps := statemachine.NewStepMachine(db, statemachine.Hooks{})
	handlers := registry.New()
	var seen domain.HandlerInput
	handlers.RegisterFunc("merge", func(ctx context.Context, input domain.HandlerInput) (domain.JSONMap, error) {
		seen = input
		return domain.JSONMap{"sum": 3.0}, nil
	})

	e := New(steps, handlers, store, nil, Config{MaxConcurrentSteps: 1})
	e.RunReady(context.Background(), []domain.ReadinessRow{{TaskID: taskID, WorkflowStepID: mergeID, NamedStepID: "merge", Name: "merge", ReadyForExecution: true}}, true)

	if seen.TaskContext["request_id"] != "r1" {
		t.Fatalf("expected task context to be threaded through, got %+v", seen.TaskContext)
	}
	if len(seen.UpstreamResults) != 2 {
		t.Fatalf("expected 2 upstream results, got %+v", seen.UpstreamResults)
	}
	if seen.UpstreamResults["left"]["v"] != 1.0 || seen.UpstreamResults["right"]["v"] != 2.0 {
		t.Fatalf("upstream results not keyed by parent name correctly: %+v", seen.UpstreamResults)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
