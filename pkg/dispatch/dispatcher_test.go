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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/event-gateway/pkg/plugin"
)

const testRoutingKey = "0123456789abcdef0123456789abcdef"

type capture struct {
	mtx    sync.Mutex
	paths  []string
	bodies []map[string]any
	codes  []int
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mtx.Lock()
		defer c.mtx.Unlock()
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.paths = append(c.paths, r.URL.Path)
		c.bodies = append(c.bodies, body)
		code := http.StatusOK
		if len(c.codes) > 0 {
			code = c.codes[0]
			c.codes = c.codes[1:]
		}
		w.WriteHeader(code)
	}
}

func (c *capture) requests() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]string(nil), c.paths...)
}

func newTestDispatcher(t *testing.T, baseURL string, plugins ...plugin.Plugin) (*Dispatcher, *MemoryQueue) {
	t.Helper()
	q := NewMemoryQueue(16)
	ch := plugin.NewChain(log.NewNopLogger(), plugin.NewRegistry(plugins...), nil)
	d := New(log.NewNopLogger(), q, ch, Options{BaseURL: baseURL, Workers: 1}, nil)
	// Collapse delays so tests run instantly.
	d.sleep = func(context.Context, time.Duration) error { return nil }
	d.schedule = func(_ time.Duration, fn func()) { fn() }
	return d, q
}

func TestProcessEventEndpoints(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()
	d, q := newTestDispatcher(t, srv.URL)
	ctx := context.Background()

	for _, tc := range []struct {
		destType string
		wantPath string
	}{
		{"v2", "/v2/enqueue"},
		{"v1", "/integration/" + testRoutingKey + "/enqueue"},
		{"cet", "/integration/" + testRoutingKey + "/enqueue"},
		{"x-ere", "/x-ere/" + testRoutingKey},
		{"routing", "/x-ere/" + testRoutingKey},
	} {
		require.NoError(t, d.EnqueueEvent(ctx, map[string]any{"n": tc.destType}, testRoutingKey, tc.destType))
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		d.process(ctx, task)
	}
	require.Equal(t, []string{
		"/v2/enqueue",
		"/integration/" + testRoutingKey + "/enqueue",
		"/integration/" + testRoutingKey + "/enqueue",
		"/x-ere/" + testRoutingKey,
		"/x-ere/" + testRoutingKey,
	}, cap.requests())
}

func TestProcessRetriesOnServerError(t *testing.T) {
	cap := &capture{codes: []int{http.StatusInternalServerError, http.StatusOK}}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()
	d, q := newTestDispatcher(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, d.EnqueueEvent(ctx, map[string]any{}, testRoutingKey, "v2"))
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	d.process(ctx, task)

	// The failed attempt re-enqueued a follow-up task.
	retry, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, retry.Attempt)
	d.process(ctx, retry)
	require.Len(t, cap.requests(), 2)
}

func TestProcessDropsOnClientError(t *testing.T) {
	cap := &capture{codes: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()
	d, q := newTestDispatcher(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, d.EnqueueEvent(ctx, map[string]any{}, testRoutingKey, "v2"))
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	d.process(ctx, task)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "4xx must not re-enqueue")
}

func TestProcessThrottledRetries(t *testing.T) {
	cap := &capture{codes: []int{http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusOK}}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()
	d, q := newTestDispatcher(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, d.EnqueueEvent(ctx, map[string]any{}, testRoutingKey, "v2"))
	for {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		d.process(ctx, task)
		if n, _ := q.Len(ctx); n == 0 {
			break
		}
	}
	require.Len(t, cap.requests(), 3)
}

type suppressAll struct{}

func (suppressAll) Name() string { return "suppress" }

func (suppressAll) FilterEvent(context.Context, plugin.Event) (*plugin.EventResult, error) {
	return nil, nil
}

func TestProcessSuppressedEvent(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()
	d, q := newTestDispatcher(t, srv.URL, suppressAll{})
	ctx := context.Background()

	require.NoError(t, d.EnqueueEvent(ctx, map[string]any{}, testRoutingKey, "v2"))
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	d.process(ctx, task)
	require.Empty(t, cap.requests())
}

func TestSendWebhook(t *testing.T) {
	cap := &capture{codes: []int{http.StatusBadGateway, http.StatusOK}}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()
	d, _ := newTestDispatcher(t, srv.URL)

	require.NoError(t, d.SendWebhook(context.Background(), srv.URL+"/hook", map[string]any{"m": "x"}))
	require.Equal(t, []string{"/hook", "/hook"}, cap.requests())
}

func TestSendWebhookGivesUpAfterCap(t *testing.T) {
	codes := make([]int, 20)
	for i := range codes {
		codes[i] = http.StatusInternalServerError
	}
	cap := &capture{codes: codes}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()
	d, _ := newTestDispatcher(t, srv.URL)

	err := d.SendWebhook(context.Background(), srv.URL+"/hook", map[string]any{})
	require.Error(t, err)
	require.Len(t, cap.requests(), 10)
}

func TestSendWebhookPermanentFailure(t *testing.T) {
	cap := &capture{codes: []int{http.StatusForbidden}}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()
	d, _ := newTestDispatcher(t, srv.URL)

	err := d.SendWebhook(context.Background(), srv.URL+"/hook", map[string]any{})
	require.Error(t, err)
	require.Len(t, cap.requests(), 1)
}

func TestBackoffDelay(t *testing.T) {
	initial := 15 * time.Second
	maxDelay := 2 * time.Hour
	require.Equal(t, 15*time.Second, backoffDelay(initial, 0, maxDelay))
	require.Equal(t, 30*time.Second, backoffDelay(initial, 1, maxDelay))
	require.Equal(t, 2*time.Minute, backoffDelay(initial, 3, maxDelay))
	require.Equal(t, maxDelay, backoffDelay(initial, 10, maxDelay))
	require.Equal(t, maxDelay, backoffDelay(initial, 63, maxDelay))
}

func TestThrottleDelayGrows(t *testing.T) {
	for attempt := 0; attempt < 5; attempt++ {
		d := throttleDelay(attempt)
		lo := time.Duration(3*(attempt+1)) * time.Second
		hi := time.Duration(5*(attempt+1)) * time.Second
		require.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
		require.LessOrEqual(t, d, hi, "attempt %d", attempt)
	}
}
