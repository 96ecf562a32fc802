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
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/incidentops/event-gateway/pkg/enrich"
	"github.com/incidentops/event-gateway/pkg/record"
)

// TrackingEntry is one audit record of an enrichment pass: the record
// before and after, the stripped message trail, and a few identifying
// fields for searching.
type TrackingEntry struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Before    map[string]any    `json:"before"`
	After     map[string]any    `json:"after"`
	Messages  []any             `json:"messages,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// TrackingStore persists enrichment audit entries.
type TrackingStore interface {
	Track(ctx context.Context, entry TrackingEntry) error
}

// trackedFields are pulled off the enriched record into the audit entry for
// quick lookup.
var trackedFields = []string{
	"client",
	"client_url",
	"payload.source",
	"payload.summary",
	"payload.custom_details.source_system",
}

// Enrichment is the built-in plugin that runs the rule engine over every
// outbound event. It runs ahead of user plugins, strips the debug message
// trail off the outbound record, and writes an audit entry.
type Enrichment struct {
	logger log.Logger
	engine *enrich.Engine
	store  TrackingStore
}

// NewEnrichment builds the enrichment plugin. store may be nil to disable
// audit tracking.
func NewEnrichment(logger log.Logger, engine *enrich.Engine, store TrackingStore) *Enrichment {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Enrichment{logger: logger, engine: engine, store: store}
}

// Name implements Plugin.
func (e *Enrichment) Name() string { return "enrichment" }

// Order implements Orderer. Enrichment runs before user plugins.
func (e *Enrichment) Order() int { return 0 }

// FilterEvent implements EventFilter.
func (e *Enrichment) FilterEvent(ctx context.Context, ev Event) (*EventResult, error) {
	if ev.Record == nil {
		return &EventResult{}, nil
	}
	before, _ := record.Clone(ev.Record).(map[string]any)
	after := e.engine.Enrich(ev.Record)

	trailPath := record.MakePath(e.engine.Prefix(), "messages")
	messages, _ := record.Get(after, trailPath).([]any)
	record.Delete(after, trailPath)

	if e.store != nil {
		entry := TrackingEntry{
			ID:        uuid.NewString(),
			CreatedAt: time.Now().UTC(),
			Before:    before,
			After:     after,
			Messages:  messages,
			Fields:    map[string]string{},
		}
		for _, f := range trackedFields {
			if v := record.Get(after, f); v != nil {
				entry.Fields[f] = record.Stringify(v)
			}
		}
		if err := e.store.Track(ctx, entry); err != nil {
			_ = level.Warn(e.logger).Log("msg", "enrichment tracking failed", "err", err)
		}
	}
	return &EventResult{Record: after}, nil
}

// MemoryTracking keeps audit entries in memory, for tests and for running
// without a Redis backend.
type MemoryTracking struct {
	mtx     sync.Mutex
	entries []TrackingEntry
}

// NewMemoryTracking builds an empty in-memory tracking store.
func NewMemoryTracking() *MemoryTracking { return &MemoryTracking{} }

// Track implements TrackingStore.
func (m *MemoryTracking) Track(_ context.Context, entry TrackingEntry) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a copy of the stored entries.
func (m *MemoryTracking) Entries() []TrackingEntry {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]TrackingEntry(nil), m.entries...)
}
