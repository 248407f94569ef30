package statemachine

import "github.com/r3e-network/workflow-engine/internal/domain"

// Hooks holds the well-defined callback slots a transition runs through
// (§9 "statesman-style callbacks ... port as plain functions invoked by
// the state-machine module in well-defined hook slots"). Guard can veto a
// transition before it is attempted; Before/After run inside and after the
// transaction that performs it, respectively. None are required.
type Hooks struct {
	// Guard returns false to reject the transition before any row is
	// touched. Used for business-rule checks beyond the static
	// from->to table (e.g. "dependencies satisfied" is decided by the
	// readiness engine before a step is discovered as viable, not here;
	// Guard is for callers that need an extra veto).
	Guard func(entityID int64, from, to string) bool

	// Before runs inside the same transaction as the transition insert,
	// before it commits. Returning an error aborts the transition.
	Before func(entityID int64, from, to string) error

	// After runs once the transaction has committed. It returns nothing,
	// so a hook cannot make a durable state change look like it failed.
	// TaskMachine runs it for every committed transition (TransitionToTx
	// callers fire it through NotifyAfter). StepMachine runs it for Start,
	// Complete and Fail; its Create, Retry and ResolveManually commit
	// without calling After.
	After func(entityID int64, from, to string)
}

// TransitionEvent describes a committed transition. The state machines
// do not publish it; committed changes reach subscribers through
// Hooks.After and through internal/eventbus's StepEvent and TaskEvent.
type TransitionEvent struct {
	Entity domain.EntityKind
	ID     int64
	From   string
	To     string
}
