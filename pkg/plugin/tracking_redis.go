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

package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTrackingTTL is how long audit entries stay queryable.
const DefaultTrackingTTL = 24 * time.Hour

const trackingKeyPrefix = "gateway:tracking:"

// RedisTracking stores enrichment audit entries as JSON values with a TTL.
type RedisTracking struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTracking builds a Redis-backed tracking store. A zero ttl uses
// DefaultTrackingTTL.
func NewRedisTracking(client *redis.Client, ttl time.Duration) *RedisTracking {
	if ttl <= 0 {
		ttl = DefaultTrackingTTL
	}
	return &RedisTracking{client: client, ttl: ttl}
}

// Track implements TrackingStore.
func (r *RedisTracking) Track(ctx context.Context, entry TrackingEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode tracking entry: %w", err)
	}
	if err := r.client.Set(ctx, trackingKeyPrefix+entry.ID, b, r.ttl).Err(); err != nil {
		return fmt.Errorf("store tracking entry: %w", err)
	}
	return nil
}
