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

package ims

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestValidIntegrationKey(t *testing.T) {
	for _, tc := range []struct {
		key  string
		want bool
	}{
		{"0123456789abcdef0123456789abcdef", true},
		{"0123456789ABCDEF0123456789ABCDEF", true},
		{"R" + strings.Repeat("0", 31), true},
		{"r" + strings.Repeat("a", 31), true},
		{"0123456789abcdef0123456789abcde", false},
		{"X" + strings.Repeat("0", 31), false},
		{"", false},
	} {
		require.Equal(t, tc.want, ValidIntegrationKey(tc.key), "key %q", tc.key)
	}
}

func TestIntakeURL(t *testing.T) {
	base := "https://events.example.com"
	key := "0123456789abcdef0123456789abcdef"
	for _, tc := range []struct {
		destType string
		want     string
	}{
		{"v2", base + "/v2/enqueue"},
		{"v1", base + "/integration/" + key + "/enqueue"},
		{"cet", base + "/integration/" + key + "/enqueue"},
		{"raw", base + "/integration/" + key + "/enqueue"},
		{"x-ere", base + "/x-ere/" + key},
		{"routing", base + "/x-ere/" + key},
		{"ger", base + "/x-ere/" + key},
	} {
		got, err := IntakeURL(base, tc.destType, key)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
	_, err := IntakeURL(base, "v3", key)
	require.Error(t, err)
}

func TestAuthorizationHeader(t *testing.T) {
	c := NewClient(log.NewNopLogger(), ClientOptions{Token: strings.Repeat("ab", 32)})
	require.Equal(t, "Bearer "+strings.Repeat("ab", 32), c.AuthorizationHeader())

	c = NewClient(log.NewNopLogger(), ClientOptions{Token: strings.Repeat("ab", 16)})
	require.Equal(t, "Token token="+strings.Repeat("ab", 16), c.AuthorizationHeader())
}

func TestLogEntriesPagination(t *testing.T) {
	var gotAuth string
	var offsets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		q := r.URL.Query()
		offsets = append(offsets, q.Get("offset"))
		require.Equal(t, "true", q.Get("is_overview"))
		require.Equal(t, []string{"incidents", "services"}, q["include[]"])

		more := q.Get("offset") == "0"
		resp := map[string]any{
			"log_entries": []map[string]any{{"id": "e-" + q.Get("offset")}},
			"more":        more,
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(log.NewNopLogger(), ClientOptions{BaseURL: srv.URL, Token: "tok"})
	entries, err := c.LogEntries(context.Background(), time.Unix(0, 0), time.Unix(100, 0))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []string{"0", "100"}, offsets)
	require.Equal(t, "Token token=tok", gotAuth)
}

func TestLogEntriesBreakerOpensOnFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(log.NewNopLogger(), ClientOptions{BaseURL: srv.URL, Token: "tok"})
	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = c.LogEntries(context.Background(), time.Unix(0, 0), time.Unix(100, 0))
		require.Error(t, lastErr)
	}
	require.Contains(t, lastErr.Error(), "open")
}

func sampleEntry() map[string]any {
	return map[string]any{
		"id":         "LOG1",
		"type":       "trigger_log_entry",
		"created_at": "2024-01-01T00:00:00Z",
		"service":    map[string]any{"id": "SVC1", "name": "database"},
		"incident": map[string]any{
			"id":       "INC1",
			"summary":  "db down",
			"self":     "https://api.example.com/incidents/INC1",
			"html_url": "https://app.example.com/incidents/INC1",
			"service":  map[string]any{"id": "SVC1"},
		},
	}
}

func TestTranslate(t *testing.T) {
	tr := NewTranslator(TranslatorOptions{Config: map[string]any{"team": "sre"}})
	payload, incidentID, ok := tr.Translate(sampleEntry())
	require.True(t, ok)
	require.Equal(t, "INC1", incidentID)

	messages, _ := payload["messages"].([]any)
	require.Len(t, messages, 1)
	msg := messages[0].(map[string]any)
	require.Equal(t, "incident.trigger", msg["event"])

	wantRef := map[string]any{
		"id":       "INC1",
		"type":     "incident_reference",
		"summary":  "db down",
		"self":     "https://api.example.com/incidents/INC1",
		"html_url": "https://app.example.com/incidents/INC1",
	}
	logEntries := msg["log_entries"].([]any)
	require.Len(t, logEntries, 1)
	gotRef := logEntries[0].(map[string]any)["incident"]
	if diff := cmp.Diff(wantRef, gotRef); diff != "" {
		t.Errorf("unexpected incident reference (-want +got):\n%s", diff)
	}

	// The message incident carries the expanded service.
	incident := msg["incident"].(map[string]any)
	service := incident["service"].(map[string]any)
	require.Equal(t, "database", service["name"])

	// The embedded entry keeps the incident's compact service reference.
	entryService := logEntries[0].(map[string]any)["service"]
	if diff := cmp.Diff(map[string]any{"id": "SVC1"}, entryService); diff != "" {
		t.Errorf("unexpected embedded service (-want +got):\n%s", diff)
	}

	webhook := msg["webhook"].(map[string]any)
	require.Equal(t, map[string]any{"team": "sre"}, webhook["config"])
}

func TestTranslateNoConfigOmitsWebhook(t *testing.T) {
	tr := NewTranslator(TranslatorOptions{})
	payload, _, ok := tr.Translate(sampleEntry())
	require.True(t, ok)
	msg := payload["messages"].([]any)[0].(map[string]any)
	_, present := msg["webhook"]
	require.False(t, present)
}

func TestTranslateServiceAllowList(t *testing.T) {
	tr := NewTranslator(TranslatorOptions{Services: []string{"SVC2"}})
	_, _, ok := tr.Translate(sampleEntry())
	require.False(t, ok)

	tr = NewTranslator(TranslatorOptions{Services: []string{"SVC1"}})
	_, _, ok = tr.Translate(sampleEntry())
	require.True(t, ok)
}

func TestTranslateDropsEntriesWithoutIncident(t *testing.T) {
	tr := NewTranslator(TranslatorOptions{})
	_, _, ok := tr.Translate(map[string]any{"id": "LOG1", "type": "annotate_log_entry"})
	require.False(t, ok)
}

func TestTranslateDoesNotMutateInput(t *testing.T) {
	tr := NewTranslator(TranslatorOptions{})
	in := sampleEntry()
	_, _, ok := tr.Translate(in)
	require.True(t, ok)
	if diff := cmp.Diff(sampleEntry(), in); diff != "" {
		t.Errorf("input mutated (-want +got):\n%s", diff)
	}
}
