// Package queue defines the engine's single outbound/inbound message type
// (§6 "process task") and the Publisher/Consumer contract implementations
// plug into. Concrete transports live in subpackages: redisqueue (go-redis)
// for production, memqueue (buffered channel) for tests and single-process
// deployments.
package queue

import (
	"context"
	"time"
)

// Reason classifies why a "process task" envelope was published (§6).
type Reason string

const (
	ReasonInitial       Reason = "initial"
	ReasonStepCompleted Reason = "step_completed"
	ReasonRetry         Reason = "retry"
	ReasonBackoffWait   Reason = "backoff_wait"
)

// ProcessTask is the engine's one outbound/inbound message shape.
// Delivery is at-least-once; duplicate deliveries are safe because
// readiness and finalization are idempotent on the same state (§6).
type ProcessTask struct {
	TaskID          int64     `json:"task_id"`
	Reason          Reason    `json:"reason"`
	NotBeforeTime   time.Time `json:"not_before_timestamp"`
}

// Publisher hands a ProcessTask envelope to the external queue. It must
// not re-enter the coordinator (§4.6 "strict separation prevents
// reentrancy loops").
type Publisher interface {
	Publish(envelope ProcessTask) error
}

// Consumer receives ProcessTask envelopes for workers to invoke the
// coordinator against. No direct state from the message is trusted; the
// worker re-reads from the database (§6).
type Consumer interface {
	// Consume blocks until an envelope is available or ctx is done.
	Consume(ctx context.Context) (ProcessTask, error)
}
