package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrap these with fmt.Errorf("...: %w", ErrX) or one of
// the typed wrappers below so callers can classify with errors.Is.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrIllegalTransition is returned when a requested state transition
	// is not in the allowed-transitions table (§4.1).
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrTerminalTask is returned when a transition is attempted on a
	// task already in a terminal state (§3 invariant 3).
	ErrTerminalTask = errors.New("task is in a terminal state")

	// ErrCycleDetected classifies an edge set that would make a task's
	// dependency graph non-acyclic (§3 invariant 2). The stores' AddEdge
	// does not check for cycles and does not return it.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrConflict classifies a concurrent transition attempt that loses
	// the row lock race (§4.1). The state machines serialize on
	// SELECT ... FOR UPDATE and do not return it.
	ErrConflict = errors.New("concurrent transition conflict")

	// ErrStepInProcess classifies a claim on a step another worker
	// already holds (§3 invariant 6). StepMachine.Start does not return
	// it: it reports such a claim as (false, nil).
	ErrStepInProcess = errors.New("step is already in process")
)

// TransitionError wraps ErrIllegalTransition with the offending states.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// NotFoundError wraps ErrNotFound with identifying context.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFoundError builds a NotFoundError for entity/id.
func NewNotFoundError(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// NewTransitionError builds a TransitionError for entity from->to.
func NewTransitionError(entity, from, to string) error {
	return &TransitionError{Entity: entity, From: from, To: to}
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsIllegalTransition reports whether err is or wraps ErrIllegalTransition.
func IsIllegalTransition(err error) bool { return errors.Is(err, ErrIllegalTransition) }

// IsTerminalTask reports whether err is or wraps ErrTerminalTask.
func IsTerminalTask(err error) bool { return errors.Is(err, ErrTerminalTask) }

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
