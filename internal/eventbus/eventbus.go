// Package eventbus is an in-process, non-blocking publish/subscribe
// broadcaster for workflow telemetry (§9: "event subscribers ... port as
// an in-process pub/sub with typed events, not a message broker").
// Generalized from the onChange hook-list pattern used by the state
// backend: subscribers are plain functions appended to a mutex-guarded
// slice, and every publish fires them in their own goroutine so a slow or
// panicking subscriber can never block or abort a committed transition.
package eventbus

import (
	"sync"
)

// StepEvent describes a committed step state change (§9).
type StepEvent struct {
	TaskID         int64
	WorkflowStepID int64
	NamedStepID    string
	From           string
	To             string
}

// TaskEvent describes a committed task state change, including a
// finalizer verdict when To is a terminal state (§4.6).
type TaskEvent struct {
	TaskID int64
	From   string
	To     string
}

// Bus fans StepEvent and TaskEvent out to subscribers registered with
// OnStepEvent / OnTaskEvent. The zero value is ready to use.
type Bus struct {
	mu           sync.RWMutex
	stepHandlers []func(StepEvent)
	taskHandlers []func(TaskEvent)
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{}
}

// OnStepEvent registers fn to run on every future PublishStep call.
func (b *Bus) OnStepEvent(fn func(StepEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stepHandlers = append(b.stepHandlers, fn)
}

// OnTaskEvent registers fn to run on every future PublishTask call.
func (b *Bus) OnTaskEvent(fn func(TaskEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taskHandlers = append(b.taskHandlers, fn)
}

// PublishStep fans ev out to all step subscribers, each in its own
// goroutine, and returns immediately.
func (b *Bus) PublishStep(ev StepEvent) {
	b.mu.RLock()
	handlers := b.stepHandlers
	b.mu.RUnlock()
	for _, h := range handlers {
		go h(ev)
	}
}

// PublishTask fans ev out to all task subscribers, each in its own
// goroutine, and returns immediately.
func (b *Bus) PublishTask(ev TaskEvent) {
	b.mu.RLock()
	handlers := b.taskHandlers
	b.mu.RUnlock()
	for _, h := range handlers {
		go h(ev)
	}
}
