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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/event-gateway/pkg/enrich"
	"github.com/incidentops/event-gateway/pkg/rules"
)

type staticRules struct{ snap *rules.Snapshot }

func (s staticRules) Snapshot() *rules.Snapshot { return s.snap }
func (s staticRules) Location() *time.Location  { return time.UTC }

func testEngine(debug bool) *enrich.Engine {
	snap := &rules.Snapshot{
		Rulesets: []rules.Ruleset{{
			Name: "base", Type: rules.MatchAll,
			Rules: []rules.Rule{{
				ID: "c1", Kind: rules.KindComposition,
				Pairs: []rules.CompositionPair{{Destination: "summary", Value: "${source}: ${msg}"}},
			}},
		}},
		Tables: map[string]*rules.Table{},
	}
	return enrich.New(log.NewNopLogger(), staticRules{snap: snap}, enrich.Options{Debug: debug}, nil)
}

func TestEnrichmentPlugin(t *testing.T) {
	store := NewMemoryTracking()
	p := NewEnrichment(log.NewNopLogger(), testEngine(true), store)

	ev := Event{Record: map[string]any{
		"client": "nagios",
		"payload": map[string]any{
			"source": "db1",
			"custom_details": map[string]any{
				"source": "db1", "msg": "down", "source_system": "nagios",
			},
		},
	}}
	res, err := p.FilterEvent(context.Background(), ev)
	require.NoError(t, err)
	require.NotNil(t, res)

	details := res.Record["payload"].(map[string]any)["custom_details"].(map[string]any)
	require.Equal(t, "db1: down", details["summary"])
	// The message trail is stripped from the outbound record.
	_, ok := details["messages"]
	require.False(t, ok)

	entries := store.Entries()
	require.Len(t, entries, 1)
	require.NotEmpty(t, entries[0].ID)
	require.NotEmpty(t, entries[0].Messages)
	require.Equal(t, "nagios", entries[0].Fields["client"])
	require.Equal(t, "nagios", entries[0].Fields["payload.custom_details.source_system"])
	// Before keeps the pre-enrichment shape.
	beforeDetails := entries[0].Before["payload"].(map[string]any)["custom_details"].(map[string]any)
	_, ok = beforeDetails["summary"]
	require.False(t, ok)
}

func TestEnrichmentPluginNilRecord(t *testing.T) {
	p := NewEnrichment(log.NewNopLogger(), testEngine(false), nil)
	res, err := p.FilterEvent(context.Background(), Event{})
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestRedisTracking(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisTracking(client, time.Minute)

	entry := TrackingEntry{ID: "abc", CreatedAt: time.Now().UTC(), Fields: map[string]string{"client": "x"}}
	require.NoError(t, store.Track(context.Background(), entry))

	raw, err := mr.Get(trackingKeyPrefix + "abc")
	require.NoError(t, err)
	var got TrackingEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	require.Equal(t, "x", got.Fields["client"])

	// Entries expire with the configured TTL.
	mr.FastForward(2 * time.Minute)
	_, err = mr.Get(trackingKeyPrefix + "abc")
	require.Error(t, err)
}
