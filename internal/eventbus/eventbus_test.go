package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishStepFansOutToAllSubscribers(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var received []StepEvent

	var wg sync.WaitGroup
	wg.Add(2)
	b.OnStepEvent(func(ev StepEvent) {
		defer wg.Done()
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})
	b.OnStepEvent(func(ev StepEvent) {
		defer wg.Done()
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})

	b.PublishStep(StepEvent{TaskID: 1, WorkflowStepID: 2, NamedStepID: "fetch", From: "pending", To: "in_progress"})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribers")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected both subscribers to receive the event, got %d", len(received))
	}
}

func TestPublishTaskWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := New()
	b.PublishTask(TaskEvent{TaskID: 1, From: "in_progress", To: "complete"})
}
