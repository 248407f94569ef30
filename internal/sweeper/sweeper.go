// Package sweeper periodically polls for tasks sitting in backoff and
// re-enqueues them, for standalone/dev deployments that don't run a
// separate scheduler process (§4.5 "the scheduler itself has no memory;
// rescheduling is idempotent"). It replaces the teacher's hand-rolled
// partial cron parser (services/automation: "Simple implementation for
// common patterns, Production would use a full cron parser") with a real
// one.
package sweeper

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/r3e-network/workflow-engine/internal/logger"
	"github.com/r3e-network/workflow-engine/internal/queue"
)

// TaskSource lists task ids whose execution context is worth re-checking
// (e.g. tasks currently in_progress with no step claimed by any worker).
type TaskSource interface {
	DueForSweep(ctx context.Context) ([]int64, error)
}

// Sweeper wraps a cron.Cron schedule that republishes "process task"
// envelopes for tasks that may have become eligible since they were last
// enqueued (backoff elapsed, a worker stopped between steps, etc). A task
// with any step still marked in_process is not swept, so a claim left by a
// worker that died mid-step is not recovered here.
type Sweeper struct {
	mu      sync.Mutex
	cron    *cron.Cron
	source  TaskSource
	publish queue.Publisher
	log     *logger.Logger
	running bool
}

// New builds a Sweeper. Its cron parser is built with cron.WithSeconds(),
// so the schedule later passed to Start is a 6-field expression with a
// leading seconds field (e.g. "*/30 * * * * *") or a descriptor such as
// "@every 5s".
func New(source TaskSource, publish queue.Publisher, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Sweeper{
		cron:    cron.New(cron.WithSeconds()),
		source:  source,
		publish: publish,
		log:     log,
	}
}

// Start schedules the sweep and begins running it in the background.
// schedule must be a valid cron expression understood by robfig/cron.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper already running")
	}

	if _, err := s.cron.AddFunc(schedule, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("sweeper: invalid schedule %q: %w", schedule, err)
	}

	s.cron.Start()
	s.running = true
	s.log.WithField("schedule", schedule).Info("backoff sweeper started")
	return nil
}

// Stop halts the schedule and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info("backoff sweeper stopped")
}

func (s *Sweeper) sweep(ctx context.Context) {
	taskIDs, err := s.source.DueForSweep(ctx)
	if err != nil {
		s.log.WithError(err).Warn("sweep: list due tasks failed")
		return
	}
	for _, taskID := range taskIDs {
		if err := s.publish.Publish(queue.ProcessTask{TaskID: taskID, Reason: queue.ReasonRetry}); err != nil {
			s.log.WithError(err).WithField("task_id", taskID).Warn("sweep: re-enqueue failed")
		}
	}
	if len(taskIDs) > 0 {
		s.log.WithField("count", len(taskIDs)).Debug("sweep re-enqueued due tasks")
	}
}
