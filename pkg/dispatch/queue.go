// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatch sends events and webhooks to the incident-management
// backend with retry, backoff, rate-limit handling and per-incident
// ordering.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task kinds.
const (
	KindEvent   = "event"
	KindWebhook = "webhook"
)

// Task is one unit of outbound work. Event tasks carry a routing key and
// destination type; webhook tasks carry a URL.
type Task struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	RoutingKey string         `json:"routing_key,omitempty"`
	DestType   string         `json:"dest_type,omitempty"`
	URL        string         `json:"url,omitempty"`
	Payload    map[string]any `json:"payload"`
	Attempt    int            `json:"attempt"`

	// raw is the wire form this task was dequeued as, used to ack it.
	raw string
}

// Queue hands tasks to dispatch workers with at-least-once semantics: a
// dequeued task stays owned by its worker until Ack.
type Queue interface {
	Enqueue(ctx context.Context, t *Task) error
	// Dequeue blocks until a task is available or the context ends.
	Dequeue(ctx context.Context) (*Task, error)
	Ack(ctx context.Context, t *Task) error
	// Len reports the number of tasks waiting.
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is an in-process ring-buffer queue. It loses tasks on process
// exit; use the Redis queue when durability matters.
type MemoryQueue struct {
	mtx  sync.Mutex
	buf  []*Task
	head int
	len  int

	notify chan struct{}
}

// NewMemoryQueue creates an empty queue with the given initial capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity < 1 {
		capacity = 64
	}
	return &MemoryQueue{
		buf:    make([]*Task, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Enqueue implements Queue. The buffer doubles when full.
func (q *MemoryQueue) Enqueue(_ context.Context, t *Task) error {
	q.mtx.Lock()
	if q.len == len(q.buf) {
		grown := make([]*Task, 2*len(q.buf))
		for i := 0; i < q.len; i++ {
			grown[i] = q.buf[(q.head+i)%len(q.buf)]
		}
		q.buf = grown
		q.head = 0
	}
	q.buf[(q.head+q.len)%len(q.buf)] = t
	q.len++
	q.mtx.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mtx.Lock()
		if q.len > 0 {
			t := q.buf[q.head]
			q.buf[q.head] = nil
			q.head = (q.head + 1) % len(q.buf)
			q.len--
			more := q.len > 0
			q.mtx.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return t, nil
		}
		q.mtx.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Ack implements Queue. In-memory tasks need no acknowledgment.
func (q *MemoryQueue) Ack(context.Context, *Task) error { return nil }

// Len implements Queue.
func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.len, nil
}

// Redis key layout for the durable queue.
const (
	redisQueueKey      = "gateway:tasks"
	redisProcessingKey = "gateway:tasks:processing"
)

// RedisQueue is a durable queue on a Redis list. Dequeued tasks move to a
// processing list and are removed from it on Ack, so an interrupted worker
// leaves its task visible for recovery.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a queue on the given client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, t *Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, redisQueueKey, b).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Dequeue implements Queue. It polls in short blocking slices so context
// cancellation is honored promptly.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		raw, err := q.client.BRPopLPush(ctx, redisQueueKey, redisProcessingKey, time.Second).Result()
		if err == redis.Nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("dequeue task: %w", err)
		}
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			// Drop undecodable payloads so they don't wedge the list.
			_ = q.client.LRem(ctx, redisProcessingKey, 1, raw).Err()
			return nil, fmt.Errorf("decode task: %w", err)
		}
		t.raw = raw
		return &t, nil
	}
}

// Ack implements Queue.
func (q *RedisQueue) Ack(ctx context.Context, t *Task) error {
	if t.raw == "" {
		return nil
	}
	if err := q.client.LRem(ctx, redisProcessingKey, 1, t.raw).Err(); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

// Len implements Queue.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, redisQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(n), nil
}
