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

package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue(2)
	ctx := context.Background()

	// Push past the initial capacity to exercise growth.
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, &Task{ID: fmt.Sprintf("t%d", i)}))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	for i := 0; i < 5; i++ {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("t%d", i), task.ID)
	}
}

func TestMemoryQueueDequeueBlocks(t *testing.T) {
	q := NewMemoryQueue(4)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan *Task, 1)
	go func() {
		task, err := q.Dequeue(context.Background())
		if err == nil {
			done <- task
		}
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), &Task{ID: "late"}))
	select {
	case task := <-done:
		require.Equal(t, "late", task.ID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueue(client)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Task{ID: "a", Kind: KindEvent, RoutingKey: "k", Payload: map[string]any{"x": float64(1)}}))
	require.NoError(t, q.Enqueue(ctx, &Task{ID: "b", Kind: KindEvent}))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", task.ID)
	require.Equal(t, map[string]any{"x": float64(1)}, task.Payload)

	// The dequeued task sits on the processing list until acked.
	procLen, err := client.LLen(ctx, redisProcessingKey).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, procLen)

	require.NoError(t, q.Ack(ctx, task))
	procLen, err = client.LLen(ctx, redisProcessingKey).Result()
	require.NoError(t, err)
	require.EqualValues(t, 0, procLen)

	task, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", task.ID)
	require.NoError(t, q.Ack(ctx, task))
}

func TestRedisQueueDequeueHonorsContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueue(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.Error(t, err)
}
