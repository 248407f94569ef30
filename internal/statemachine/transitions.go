// Package statemachine provides guarded, audited transitions for tasks and
// steps (§4.1). Appending a transition atomically inserts the new row with
// most_recent = true and clears the flag on the previous most-recent row;
// registered after-transition hooks run once it commits, for the
// operations listed on Hooks.After.
package statemachine

import (
	"github.com/r3e-network/workflow-engine/internal/domain"
)

// taskTransitions and stepTransitions below map each from-state to its
// allowed to-states. Illegal transitions (not listed here) fail loudly
// (§4.1); these tables are the single source of truth both machines consult.

// taskTransitions implements §4.1's task transition table, plus the
// operator-driven cancel/resolve paths §3 and §7 name as reachable but
// §4.1 leaves implicit (see DESIGN.md "Open Question: cancel/resolve").
var taskTransitions = map[domain.TaskState]map[domain.TaskState]bool{
	"": {
		domain.TaskPending: true,
	},
	domain.TaskPending: {
		domain.TaskInProgress: true,
		domain.TaskCancelled:  true,
	},
	domain.TaskInProgress: {
		domain.TaskComplete:        true,
		domain.TaskError:           true,
		domain.TaskPending:         true, // re-enqueue: more work remains
		domain.TaskCancelled:       true,
		domain.TaskResolvedManually: true,
	},
	domain.TaskError: {
		domain.TaskPending:         true, // manual retry
		domain.TaskResolvedManually: true,
	},
}

// stepTransitions implements §4.1's step transition table, plus the
// resolved_manually terminal override (§3 "Step ... resolved_manually is a
// terminal override").
var stepTransitions = map[domain.StepState]map[domain.StepState]bool{
	"": {
		domain.StepPending: true,
	},
	domain.StepPending: {
		domain.StepInProgress:      true,
		domain.StepResolvedManually: true,
	},
	domain.StepInProgress: {
		domain.StepComplete: true,
		domain.StepError:    true,
	},
	domain.StepError: {
		domain.StepPending:         true, // retry scheduled
		domain.StepResolvedManually: true,
	},
}

// TaskTransitionAllowed reports whether from -> to is a legal task
// transition.
func TaskTransitionAllowed(from, to domain.TaskState) bool {
	targets, ok := taskTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// StepTransitionAllowed reports whether from -> to is a legal step
// transition.
func StepTransitionAllowed(from, to domain.StepState) bool {
	targets, ok := stepTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
