// Package discovery finds the concrete set of viable steps to dispatch
// for a task right now (§4.3), on top of the readiness engine's output.
package discovery

import (
	"context"
	"fmt"
	"sort"

	"github.com/r3e-network/workflow-engine/internal/domain"
)

// Source is the subset of readiness.Engine discovery depends on.
type Source interface {
	StepReadiness(ctx context.Context, taskID int64, stepIDs []int64) ([]domain.ReadinessRow, error)
	DependencyLevels(ctx context.Context, taskID int64) ([]domain.DependencyLevel, error)
}

// Finder discovers viable steps for a task.
type Finder struct {
	source Source
}

// New wraps a readiness source (typically *readiness.Engine).
func New(source Source) *Finder {
	return &Finder{source: source}
}

// ViableSteps returns every step currently marked ready_for_execution by
// the readiness engine (§4.3: "a step is viable when ready_for_execution
// is true"), ordered by dependency level so callers that want sequential,
// deterministic dispatch get the right order for free (§4.4 sequential
// mode).
func (f *Finder) ViableSteps(ctx context.Context, taskID int64) ([]domain.ReadinessRow, error) {
	rows, err := f.source.StepReadiness(ctx, taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("discover viable steps for task %d: %w", taskID, err)
	}

	levels, err := f.source.DependencyLevels(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load dependency levels for task %d: %w", taskID, err)
	}
	levelOf := make(map[int64]int, len(levels))
	for _, l := range levels {
		levelOf[l.WorkflowStepID] = l.Level
	}

	viable := rows[:0:0]
	for _, r := range rows {
		if r.ReadyForExecution {
			viable = append(viable, r)
		}
	}

	sort.SliceStable(viable, func(i, j int) bool {
		li, lj := levelOf[viable[i].WorkflowStepID], levelOf[viable[j].WorkflowStepID]
		if li != lj {
			return li < lj
		}
		return viable[i].WorkflowStepID < viable[j].WorkflowStepID
	})

	return viable, nil
}

// HasViableSteps is an existence check for callers that only need to know
// whether to keep polling. It runs the same queries as ViableSteps; the
// coordinator loop calls ViableSteps directly.
func (f *Finder) HasViableSteps(ctx context.Context, taskID int64) (bool, error) {
	steps, err := f.ViableSteps(ctx, taskID)
	if err != nil {
		return false, err
	}
	return len(steps) > 0, nil
}
