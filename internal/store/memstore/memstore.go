// Package memstore is an in-memory task/step/edge store for tests and
// single-process demos that don't want a live Postgres, mirroring the
// teacher's MemoryStore convention (mutex-guarded maps, auto-assigned
// ids). It implements the same narrow surfaces postgres.Store does
// (executor.StepLoader, sweeper.TaskSource) but does NOT replace the
// readiness engine, which is SQL-resident by design (§4.2) and has no
// in-memory equivalent in this engine.
package memstore

import (
	"context"
	"sync"

	"github.com/r3e-network/workflow-engine/internal/domain"
)

// Store is an in-memory implementation of the task/step/edge CRUD surface.
type Store struct {
	mu       sync.RWMutex
	tasks    map[int64]domain.Task
	steps    map[int64]domain.Step
	edges    []domain.Edge
	nextTask int64
	nextStep int64
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		tasks: make(map[int64]domain.Task),
		steps: make(map[int64]domain.Step),
	}
}

// CreateTask inserts a task and returns its assigned id.
func (s *Store) CreateTask(ctx context.Context, namedTaskID string, taskContext domain.JSONMap, concurrent bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTask++
	id := s.nextTask
	s.tasks[id] = domain.Task{TaskID: id, NamedTaskID: namedTaskID, Context: taskContext, Concurrent: concurrent}
	return id, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, taskID int64) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.Task{}, domain.NewNotFoundError("task", taskID)
	}
	return t, nil
}

// CreateStep inserts a step and returns its assigned id.
func (s *Store) CreateStep(ctx context.Context, step domain.Step) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step.RetryLimit <= 0 {
		step.RetryLimit = domain.DefaultRetryLimit
	}
	s.nextStep++
	step.WorkflowStepID = s.nextStep
	s.steps[step.WorkflowStepID] = step
	return step.WorkflowStepID, nil
}

// LoadStep implements executor.StepLoader.
func (s *Store) LoadStep(ctx context.Context, workflowStepID int64) (domain.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[workflowStepID]
	if !ok {
		return domain.Step{}, domain.NewNotFoundError("workflow_step", workflowStepID)
	}
	return step, nil
}

// UpdateStep replaces the stored copy of a step.
func (s *Store) UpdateStep(ctx context.Context, step domain.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[step.WorkflowStepID]; !ok {
		return domain.NewNotFoundError("workflow_step", step.WorkflowStepID)
	}
	s.steps[step.WorkflowStepID] = step
	return nil
}

// AddEdge records a dependency.
func (s *Store) AddEdge(ctx context.Context, taskID, fromStepID, toStepID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, domain.Edge{TaskID: taskID, ParentStepID: fromStepID, ChildStepID: toStepID})
	return nil
}

// ParentResults returns the Results of workflowStepID's completed parent
// steps, keyed by parent step name, mirroring postgres.Store.ParentResults.
func (s *Store) ParentResults(ctx context.Context, workflowStepID int64) (map[string]domain.JSONMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.JSONMap)
	for _, edge := range s.edges {
		if edge.ChildStepID != workflowStepID {
			continue
		}
		parent, ok := s.steps[edge.ParentStepID]
		if !ok || !parent.Processed {
			continue
		}
		out[parent.Name] = parent.Results
	}
	return out, nil
}

// StepsForTask returns every step belonging to taskID.
func (s *Store) StepsForTask(ctx context.Context, taskID int64) ([]domain.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Step
	for _, step := range s.steps {
		if step.TaskID == taskID {
			out = append(out, step)
		}
	}
	return out, nil
}

// DueForSweep implements sweeper.TaskSource trivially: memstore has no
// notion of "stalled worker" without the readiness engine, so it always
// reports nothing due. Real sweeping requires postgres.Store.
func (s *Store) DueForSweep(ctx context.Context) ([]int64, error) {
	return nil, nil
}
