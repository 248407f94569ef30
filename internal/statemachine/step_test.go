package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/r3e-network/workflow-engine/internal/domain"
)

func TestStepMachineStartClaimsStep(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = \\$1 FOR UPDATE").
		WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT in_process, processed FROM workflow_steps").
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"in_process", "processed"}).AddRow(false, false))
	mock.ExpectQuery("SELECT to_state, sort_key FROM workflow_step_transitions").
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"to_state", "sort_key"}).AddRow("pending", 1))
	mock.ExpectExec("UPDATE workflow_step_transitions SET most_recent = false").
		WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workflow_step_transitions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE workflow_steps\\s+SET attempts = attempts \\+ 1").
		WithArgs(int64(10), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := NewStepMachine(db, Hooks{})
	claimed, err := m.Start(context.Background(), 10, time.Now())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !claimed {
		t.Fatalf("expected step to be claimed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStepMachineStartSkipsAlreadyClaimed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = \\$1 FOR UPDATE").
		WithArgs(int64(11)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT in_process, processed FROM workflow_steps").
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"in_process", "processed"}).AddRow(true, false))
	mock.ExpectRollback()

	m := NewStepMachine(db, Hooks{})
	claimed, err := m.Start(context.Background(), 11, time.Now())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if claimed {
		t.Fatalf("expected silent skip, got claimed=true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStepMachineStartSkipsIllegalTransition(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = \\$1 FOR UPDATE").
		WithArgs(int64(12)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT in_process, processed FROM workflow_steps").
		WithArgs(int64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"in_process", "processed"}).AddRow(false, false))
	mock.ExpectQuery("SELECT to_state, sort_key FROM workflow_step_transitions").
		WithArgs(int64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"to_state", "sort_key"}).AddRow("complete", 3))
	mock.ExpectRollback()

	m := NewStepMachine(db, Hooks{})
	claimed, err := m.Start(context.Background(), 12, time.Now())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if claimed {
		t.Fatalf("expected silent skip on races past a terminal state")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStepMachineComplete(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = \\$1 FOR UPDATE").
		WithArgs(int64(20)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT to_state, sort_key FROM workflow_step_transitions").
		WithArgs(int64(20)).
		WillReturnRows(sqlmock.NewRows([]string{"to_state", "sort_key"}).AddRow("in_progress", 2))
	mock.ExpectExec("UPDATE workflow_step_transitions SET most_recent = false").
		WithArgs(int64(20)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workflow_step_transitions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE workflow_steps\\s+SET processed = true, in_process = false, results = \\$2").
		WithArgs(int64(20), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := NewStepMachine(db, Hooks{})
	if err := m.Complete(context.Background(), 20, domain.JSONMap{"ok": true}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStepMachineFailPreservesBackoffHintWhenNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = \\$1 FOR UPDATE").
		WithArgs(int64(30)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT to_state, sort_key FROM workflow_step_transitions").
		WithArgs(int64(30)).
		WillReturnRows(sqlmock.NewRows([]string{"to_state", "sort_key"}).AddRow("in_progress", 2))
	mock.ExpectExec("UPDATE workflow_step_transitions SET most_recent = false").
		WithArgs(int64(30)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workflow_step_transitions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE workflow_steps\\s+SET in_process = false, results = \\$2, backoff_request_seconds = COALESCE\\(\\$3, backoff_request_seconds\\)").
		WithArgs(int64(30), sqlmock.AnyArg(), nil).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := NewStepMachine(db, Hooks{})
	err = m.Fail(context.Background(), 30, domain.JSONMap{"error": domain.JSONMap{"class": "Timeout"}}, nil)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStepMachineRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = \\$1 FOR UPDATE").
		WithArgs(int64(40)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT to_state, sort_key FROM workflow_step_transitions").
		WithArgs(int64(40)).
		WillReturnRows(sqlmock.NewRows([]string{"to_state", "sort_key"}).AddRow("error", 3))
	mock.ExpectExec("UPDATE workflow_step_transitions SET most_recent = false").
		WithArgs(int64(40)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workflow_step_transitions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m := NewStepMachine(db, Hooks{})
	changed, err := m.Retry(context.Background(), 40)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if !changed {
		t.Fatalf("expected error -> pending to be recorded")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStepMachineResolveManually(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = \\$1 FOR UPDATE").
		WithArgs(int64(50)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT to_state, sort_key FROM workflow_step_transitions").
		WithArgs(int64(50)).
		WillReturnRows(sqlmock.NewRows([]string{"to_state", "sort_key"}).AddRow("error", 4))
	mock.ExpectExec("UPDATE workflow_step_transitions SET most_recent = false").
		WithArgs(int64(50)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workflow_step_transitions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE workflow_steps SET processed = true, in_process = false, results = \\$2").
		WithArgs(int64(50), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := NewStepMachine(db, Hooks{})
	if err := m.ResolveManually(context.Background(), 50, domain.JSONMap{"reason": "operator override"}); err != nil {
		t.Fatalf("ResolveManually: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
