// Package redisqueue is the production queue.Publisher/queue.Consumer
// transport, backed by a single Redis list: RPUSH to publish, BLPOP to
// consume (§6). Both sides marshal the envelope as JSON so the list holds
// opaque blobs rather than a bespoke wire format.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/workflow-engine/internal/queue"
)

// Queue publishes/consumes queue.ProcessTask envelopes against one Redis
// list key.
type Queue struct {
	client *redis.Client
	key    string
}

// Config configures the Redis connection and list key.
type Config struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"`
	ListKey  string `env:"REDIS_LIST_KEY"`
}

// New opens a Redis client and returns a Queue bound to cfg.ListKey
// (defaulting to "workflow_engine:process_task" if unset).
func New(cfg Config) *Queue {
	key := cfg.ListKey
	if key == "" {
		key = "workflow_engine:process_task"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Queue{client: client, key: key}
}

// Publish RPUSHes envelope onto the list. not_before_timestamp is carried
// in the payload; this transport does not delay delivery itself — the
// consumer is responsible for not processing an envelope before its
// NotBeforeTime (cmd/worker's consume loop waits until then).
func (q *Queue) Publish(envelope queue.ProcessTask) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal process-task envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("rpush process-task envelope: %w", err)
	}
	return nil
}

// Consume BLPOPs the next envelope, blocking until one is available or ctx
// is cancelled.
func (q *Queue) Consume(ctx context.Context) (queue.ProcessTask, error) {
	result, err := q.client.BLPop(ctx, 0, q.key).Result()
	if err != nil {
		return queue.ProcessTask{}, fmt.Errorf("blpop process-task envelope: %w", err)
	}
	// BLPOP on a single key returns [key, value].
	if len(result) != 2 {
		return queue.ProcessTask{}, fmt.Errorf("blpop: unexpected reply shape %v", result)
	}
	var envelope queue.ProcessTask
	if err := json.Unmarshal([]byte(result[1]), &envelope); err != nil {
		return queue.ProcessTask{}, fmt.Errorf("unmarshal process-task envelope: %w", err)
	}
	return envelope, nil
}

// Close releases the underlying Redis connection pool.
func (q *Queue) Close() error {
	return q.client.Close()
}
