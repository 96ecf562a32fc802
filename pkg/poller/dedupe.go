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

// Package poller periodically pulls activity-log entries from the
// incident-management backend, deduplicates them, and schedules ordered
// per-incident webhook deliveries.
package poller

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry identifies one activity-log entry in the dedupe store.
type Entry struct {
	ID        string
	CreatedAt time.Time
}

// DedupeStore remembers which activity entries were already delivered.
// FilterNew is a combined check-and-insert: an ID can be claimed by exactly
// one caller even across overlapping polls.
type DedupeStore interface {
	// FilterNew records the entries and returns the subset that was not
	// seen before.
	FilterNew(ctx context.Context, entries []Entry) ([]Entry, error)
	// LatestCreatedAt returns the newest stored creation time, or the
	// zero time when the store is empty.
	LatestCreatedAt(ctx context.Context) (time.Time, error)
	// Sweep removes entries created before the cutoff. Stores with
	// native TTL expiry may treat it as a no-op.
	Sweep(ctx context.Context, cutoff time.Time) error
}

// MemoryDedupe is an in-process dedupe store.
type MemoryDedupe struct {
	mtx  sync.Mutex
	seen map[string]time.Time
}

// NewMemoryDedupe creates an empty store.
func NewMemoryDedupe() *MemoryDedupe {
	return &MemoryDedupe{seen: map[string]time.Time{}}
}

// FilterNew implements DedupeStore.
func (m *MemoryDedupe) FilterNew(_ context.Context, entries []Entry) ([]Entry, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var kept []Entry
	for _, e := range entries {
		if _, ok := m.seen[e.ID]; ok {
			continue
		}
		m.seen[e.ID] = e.CreatedAt
		kept = append(kept, e)
	}
	return kept, nil
}

// LatestCreatedAt implements DedupeStore.
func (m *MemoryDedupe) LatestCreatedAt(context.Context) (time.Time, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var latest time.Time
	for _, t := range m.seen {
		if t.After(latest) {
			latest = t
		}
	}
	return latest, nil
}

// Sweep implements DedupeStore.
func (m *MemoryDedupe) Sweep(_ context.Context, cutoff time.Time) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for id, t := range m.seen {
		if t.Before(cutoff) {
			delete(m.seen, id)
		}
	}
	return nil
}

// Redis key layout for the dedupe store.
const (
	dedupeKeyPrefix  = "gateway:activity:"
	dedupeCreatedKey = "gateway:activity:created"
)

// RedisDedupe stores claimed entry IDs with a retention TTL plus a
// created-at index for resuming polls. SETNX makes the claim atomic, so
// overlapping polls never double-deliver.
type RedisDedupe struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisDedupe creates a Redis-backed store keeping entries for the
// given retention.
func NewRedisDedupe(client *redis.Client, retention time.Duration) *RedisDedupe {
	return &RedisDedupe{client: client, retention: retention}
}

// FilterNew implements DedupeStore.
func (r *RedisDedupe) FilterNew(ctx context.Context, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	claims := make([]*redis.BoolCmd, len(entries))
	for i, e := range entries {
		claims[i] = pipe.SetNX(ctx, dedupeKeyPrefix+e.ID, e.CreatedAt.Unix(), r.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("claim entries: %w", err)
	}
	var kept []Entry
	members := make([]redis.Z, 0, len(entries))
	for i, e := range entries {
		if !claims[i].Val() {
			continue
		}
		kept = append(kept, e)
		members = append(members, redis.Z{Score: float64(e.CreatedAt.Unix()), Member: e.ID})
	}
	if len(members) > 0 {
		if err := r.client.ZAdd(ctx, dedupeCreatedKey, members...).Err(); err != nil {
			return nil, fmt.Errorf("index entries: %w", err)
		}
	}
	return kept, nil
}

// LatestCreatedAt implements DedupeStore.
func (r *RedisDedupe) LatestCreatedAt(ctx context.Context) (time.Time, error) {
	zs, err := r.client.ZRevRangeWithScores(ctx, dedupeCreatedKey, 0, 0).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("latest entry: %w", err)
	}
	if len(zs) == 0 {
		return time.Time{}, nil
	}
	return time.Unix(int64(zs[0].Score), 0).UTC(), nil
}

// Sweep implements DedupeStore. Claim keys expire on their own TTL; the
// sweep trims the created-at index.
func (r *RedisDedupe) Sweep(ctx context.Context, cutoff time.Time) error {
	err := r.client.ZRemRangeByScore(ctx, dedupeCreatedKey,
		"-inf", strconv.FormatInt(cutoff.Unix(), 10)).Err()
	if err != nil {
		return fmt.Errorf("sweep index: %w", err)
	}
	return nil
}
