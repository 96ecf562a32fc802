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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/incidentops/event-gateway/pkg/ims"
	"github.com/incidentops/event-gateway/pkg/plugin"
)

// Options configures the dispatcher.
type Options struct {
	// BaseURL of the event-intake API.
	BaseURL string
	// Workers consuming the task queue.
	Workers int
	// MaxWebhookAttempts caps webhook retries. Event sends retry without
	// a cap.
	MaxWebhookAttempts int
	// InitialBackoff for transport and server errors.
	InitialBackoff time.Duration
	// MaxBackoff bounds the exponential backoff growth.
	MaxBackoff time.Duration
	// Timeout per outbound HTTP request.
	Timeout time.Duration
	// LogEvents logs every resolved dispatch at info level.
	LogEvents bool
}

func (o *Options) setDefaults() {
	if o.BaseURL == "" {
		o.BaseURL = ims.DefaultEventsBaseURL
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxWebhookAttempts <= 0 {
		o.MaxWebhookAttempts = 10
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 15 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Hour
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
}

// Dispatcher consumes the task queue and performs outbound HTTP sends with
// retry and backoff. Deliveries are at-least-once: a task is acknowledged
// only once its attempt resolved, and transient failures re-enqueue a
// follow-up attempt after the backoff delay.
type Dispatcher struct {
	logger  log.Logger
	queue   Queue
	filters *plugin.Chain
	client  *http.Client
	opts    Options

	// sleep is replaced in tests to skip real delays.
	sleep func(ctx context.Context, d time.Duration) error
	// schedule delays a re-enqueue; replaced in tests.
	schedule func(d time.Duration, fn func())

	sentTotal       *prometheus.CounterVec
	suppressedTotal *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	sendDuration    prometheus.Histogram
}

// New creates a dispatcher over the given queue and filter chain.
func New(logger log.Logger, queue Queue, filters *plugin.Chain, opts Options, reg prometheus.Registerer) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts.setDefaults()
	d := &Dispatcher{
		logger:  logger,
		queue:   queue,
		filters: filters,
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		sleep:   sleepCtx,
		schedule: func(delay time.Duration, fn func()) {
			time.AfterFunc(delay, fn)
		},
		sentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatch_sent_total",
			Help: "Number of successfully delivered tasks.",
		}, []string{"kind"}),
		suppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatch_suppressed_total",
			Help: "Number of tasks suppressed by the plugin chain.",
		}, []string{"kind"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatch_dropped_total",
			Help: "Number of tasks dropped permanently.",
		}, []string{"kind", "reason"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatch_retries_total",
			Help: "Number of scheduled retry attempts.",
		}, []string{"kind", "reason"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_dispatch_send_duration_seconds",
			Help:    "Duration of outbound HTTP sends.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(d.sentTotal, d.suppressedTotal, d.droppedTotal, d.retriesTotal, d.sendDuration)
	}
	return d
}

// EnqueueEvent queues an event for dispatch.
func (d *Dispatcher) EnqueueEvent(ctx context.Context, rec map[string]any, routingKey, destType string) error {
	return d.queue.Enqueue(ctx, &Task{
		ID:         uuid.NewString(),
		Kind:       KindEvent,
		RoutingKey: routingKey,
		DestType:   destType,
		Payload:    rec,
	})
}

// Run consumes the queue with the configured number of workers until the
// context is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				t, err := d.queue.Dequeue(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					_ = level.Warn(d.logger).Log("msg", "dequeue failed", "err", err)
					continue
				}
				d.process(ctx, t)
			}
		}()
	}
	wg.Wait()
	return nil
}

// Outcome classes of one send attempt.
const (
	outcomeSuccess   = "success"
	outcomeThrottled = "throttled"
	outcomePermanent = "permanent"
	outcomeTransient = "transient"
)

func classify(status int, err error) string {
	switch {
	case err != nil:
		return outcomeTransient
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == http.StatusTooManyRequests:
		return outcomeThrottled
	case status >= 400 && status < 500:
		return outcomePermanent
	default:
		return outcomeTransient
	}
}

func (d *Dispatcher) process(ctx context.Context, t *Task) {
	var (
		url     string
		payload map[string]any
	)
	switch t.Kind {
	case KindEvent:
		ev, err := d.filters.FilterEvent(ctx, plugin.Event{
			Record: t.Payload, RoutingKey: t.RoutingKey, DestType: t.DestType,
		})
		if errors.Is(err, plugin.ErrSuppressed) {
			d.suppressedTotal.WithLabelValues(t.Kind).Inc()
			d.ack(ctx, t)
			return
		}
		url, err = ims.IntakeURL(d.opts.BaseURL, ev.DestType, ev.RoutingKey)
		if err != nil {
			d.drop(ctx, t, "bad_destination", err)
			return
		}
		payload = ev.Record
	case KindWebhook:
		wh, err := d.filters.FilterWebhook(ctx, plugin.Webhook{Payload: t.Payload, URL: t.URL})
		if errors.Is(err, plugin.ErrSuppressed) {
			d.suppressedTotal.WithLabelValues(t.Kind).Inc()
			d.ack(ctx, t)
			return
		}
		url, payload = wh.URL, wh.Payload
	default:
		d.drop(ctx, t, "bad_kind", fmt.Errorf("unknown task kind %q", t.Kind))
		return
	}

	status, err := d.post(ctx, url, payload)
	switch outcome := classify(status, err); outcome {
	case outcomeSuccess:
		d.sentTotal.WithLabelValues(t.Kind).Inc()
		if d.opts.LogEvents {
			_ = level.Info(d.logger).Log("msg", "dispatched", "kind", t.Kind, "id", t.ID, "url", url, "attempt", t.Attempt)
		}
		d.ack(ctx, t)
	case outcomePermanent:
		d.drop(ctx, t, fmt.Sprintf("status_%d", status), fmt.Errorf("rejected with status %d", status))
	default:
		d.retry(ctx, t, outcome, status, err)
	}
}

// retry schedules the task's next attempt after the policy delay and acks
// the current delivery. Webhook tasks give up after the attempt cap.
func (d *Dispatcher) retry(ctx context.Context, t *Task, outcome string, status int, err error) {
	t.Attempt++
	if t.Kind == KindWebhook && t.Attempt >= d.opts.MaxWebhookAttempts {
		d.drop(ctx, t, "attempts_exhausted", fmt.Errorf("giving up after %d attempts", t.Attempt))
		return
	}
	var delay time.Duration
	if outcome == outcomeThrottled {
		delay = throttleDelay(t.Attempt - 1)
	} else {
		delay = backoffDelay(d.opts.InitialBackoff, t.Attempt-1, d.opts.MaxBackoff)
	}
	d.retriesTotal.WithLabelValues(t.Kind, outcome).Inc()
	_ = level.Warn(d.logger).Log("msg", "send failed, retrying", "kind", t.Kind, "id", t.ID,
		"attempt", t.Attempt, "status", status, "err", err, "delay", delay)

	next := *t
	next.raw = ""
	d.schedule(delay, func() {
		if err := d.queue.Enqueue(context.Background(), &next); err != nil {
			_ = level.Error(d.logger).Log("msg", "retry enqueue failed", "id", next.ID, "err", err)
		}
	})
	d.ack(ctx, t)
}

func (d *Dispatcher) drop(ctx context.Context, t *Task, reason string, err error) {
	d.droppedTotal.WithLabelValues(t.Kind, reason).Inc()
	_ = level.Error(d.logger).Log("msg", "dropping task", "kind", t.Kind, "id", t.ID, "reason", reason, "err", err)
	d.ack(ctx, t)
}

func (d *Dispatcher) ack(ctx context.Context, t *Task) {
	if err := d.queue.Ack(ctx, t); err != nil {
		_ = level.Warn(d.logger).Log("msg", "ack failed", "id", t.ID, "err", err)
	}
}

// SendWebhook delivers one webhook inline with the retry policy applied
// through context-aware sleeps. The activity poller calls this from
// per-incident chains, where the blocking retry preserves delivery order.
func (d *Dispatcher) SendWebhook(ctx context.Context, url string, payload map[string]any) error {
	wh, err := d.filters.FilterWebhook(ctx, plugin.Webhook{Payload: payload, URL: url})
	if errors.Is(err, plugin.ErrSuppressed) {
		d.suppressedTotal.WithLabelValues(KindWebhook).Inc()
		return nil
	}
	for attempt := 0; ; attempt++ {
		status, err := d.post(ctx, wh.URL, wh.Payload)
		switch classify(status, err) {
		case outcomeSuccess:
			d.sentTotal.WithLabelValues(KindWebhook).Inc()
			if d.opts.LogEvents {
				_ = level.Info(d.logger).Log("msg", "dispatched", "kind", KindWebhook, "url", wh.URL, "attempt", attempt)
			}
			return nil
		case outcomePermanent:
			d.droppedTotal.WithLabelValues(KindWebhook, fmt.Sprintf("status_%d", status)).Inc()
			_ = level.Error(d.logger).Log("msg", "webhook rejected", "url", wh.URL, "status", status)
			return fmt.Errorf("webhook rejected with status %d", status)
		case outcomeThrottled:
			if attempt+1 >= d.opts.MaxWebhookAttempts {
				d.droppedTotal.WithLabelValues(KindWebhook, "attempts_exhausted").Inc()
				return fmt.Errorf("webhook to %s failed after %d attempts", wh.URL, attempt+1)
			}
			d.retriesTotal.WithLabelValues(KindWebhook, outcomeThrottled).Inc()
			if err := d.sleep(ctx, throttleDelay(attempt)); err != nil {
				return err
			}
		default:
			if attempt+1 >= d.opts.MaxWebhookAttempts {
				d.droppedTotal.WithLabelValues(KindWebhook, "attempts_exhausted").Inc()
				return fmt.Errorf("webhook to %s failed after %d attempts", wh.URL, attempt+1)
			}
			d.retriesTotal.WithLabelValues(KindWebhook, outcomeTransient).Inc()
			if err := d.sleep(ctx, backoffDelay(d.opts.InitialBackoff, attempt, d.opts.MaxBackoff)); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, payload map[string]any) (int, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	d.sendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// backoffDelay doubles the initial delay per attempt, bounded by max.
func backoffDelay(initial time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	d := initial << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// throttleDelay spreads rate-limited retries: uniform(3,5) seconds scaled
// by the attempt count, so expected waits grow with consecutive 429s.
func throttleDelay(attempt int) time.Duration {
	secs := (3 + 2*rand.Float64()) * float64(attempt+1)
	return time.Duration(secs * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
