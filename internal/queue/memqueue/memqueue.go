// Package memqueue is an in-process queue.Publisher/queue.Consumer backed
// by a buffered channel, for tests and single-process deployments that
// don't run a Redis broker (§6).
package memqueue

import (
	"context"
	"fmt"

	"github.com/r3e-network/workflow-engine/internal/queue"
)

// Queue is a bounded, in-memory FIFO of ProcessTask envelopes.
type Queue struct {
	ch chan queue.ProcessTask
}

// New builds a Queue with the given channel capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{ch: make(chan queue.ProcessTask, capacity)}
}

// Publish enqueues envelope, returning an error if the queue is full.
func (q *Queue) Publish(envelope queue.ProcessTask) error {
	select {
	case q.ch <- envelope:
		return nil
	default:
		return fmt.Errorf("memqueue: full at capacity %d", cap(q.ch))
	}
}

// Consume blocks until an envelope is available or ctx is done.
func (q *Queue) Consume(ctx context.Context) (queue.ProcessTask, error) {
	select {
	case env := <-q.ch:
		return env, nil
	case <-ctx.Done():
		return queue.ProcessTask{}, ctx.Err()
	}
}
