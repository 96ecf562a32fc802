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

package poller

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/incidentops/event-gateway/pkg/dispatch"
	"github.com/incidentops/event-gateway/pkg/record"
)

// ActivitySource fetches activity-log entries. Implemented by the IMS
// client; entries arrive newest first, fully paginated.
type ActivitySource interface {
	LogEntries(ctx context.Context, since, until time.Time) ([]map[string]any, error)
}

// WebhookSender delivers one webhook, blocking through its retries.
// Implemented by the dispatcher.
type WebhookSender interface {
	SendWebhook(ctx context.Context, url string, payload map[string]any) error
}

// Translate converts one activity entry into a webhook payload and the
// incident ID its delivery chain is keyed on. ok=false drops the entry.
type Translate func(entry map[string]any) (payload map[string]any, incidentID string, ok bool)

// Options configures the poller.
type Options struct {
	// Interval between polls. Minimum one second, default ten.
	Interval time.Duration
	// Retention of the dedupe store.
	Retention time.Duration
	// SweepInterval between retention sweeps.
	SweepInterval time.Duration
	// WebhookURL is the delivery destination.
	WebhookURL string
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.Interval < time.Second {
		o.Interval = time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
}

// Poller pulls activity entries on an interval, claims the unseen ones in
// the dedupe store, and schedules their webhooks on per-incident chains.
type Poller struct {
	logger    log.Logger
	source    ActivitySource
	store     DedupeStore
	sender    WebhookSender
	translate Translate
	opts      Options
	now       func() time.Time

	pollsTotal      prometheus.Counter
	pollErrorsTotal prometheus.Counter
	entriesTotal    prometheus.Counter
	duplicatesTotal prometheus.Counter
	scheduledTotal  prometheus.Counter
}

// New creates a poller.
func New(logger log.Logger, source ActivitySource, store DedupeStore, sender WebhookSender, translate Translate, opts Options, reg prometheus.Registerer) *Poller {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts.setDefaults()
	p := &Poller{
		logger:    logger,
		source:    source,
		store:     store,
		sender:    sender,
		translate: translate,
		opts:      opts,
		now:       time.Now,
		pollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_poll_total",
			Help: "Number of activity poll ticks.",
		}),
		pollErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_poll_errors_total",
			Help: "Number of failed activity polls.",
		}),
		entriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_poll_entries_total",
			Help: "Number of activity entries fetched.",
		}),
		duplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_poll_duplicates_total",
			Help: "Number of activity entries skipped as duplicates.",
		}),
		scheduledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_poll_webhooks_scheduled_total",
			Help: "Number of webhook deliveries scheduled from activity entries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.pollsTotal, p.pollErrorsTotal, p.entriesTotal, p.duplicatesTotal, p.scheduledTotal)
	}
	return p
}

// Run polls until the context ends. A tick never fails as a whole;
// per-entry problems are logged and the tick completes.
func (p *Poller) Run(ctx context.Context) error {
	chains := dispatch.NewChainSet(ctx)
	defer chains.Wait()

	poll := time.NewTicker(p.opts.Interval)
	defer poll.Stop()
	sweep := time.NewTicker(p.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			p.poll(ctx, chains)
		case <-sweep.C:
			if err := p.store.Sweep(ctx, p.now().Add(-p.opts.Retention)); err != nil {
				_ = level.Warn(p.logger).Log("msg", "dedupe sweep failed", "err", err)
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context, chains *dispatch.ChainSet) {
	p.pollsTotal.Inc()
	now := p.now()

	since, err := p.store.LatestCreatedAt(ctx)
	if err != nil {
		p.pollErrorsTotal.Inc()
		_ = level.Warn(p.logger).Log("msg", "reading latest entry failed", "err", err)
		return
	}
	if since.IsZero() {
		since = now.Add(-p.opts.Interval)
	}

	entries, err := p.source.LogEntries(ctx, since, now)
	if err != nil {
		p.pollErrorsTotal.Inc()
		_ = level.Warn(p.logger).Log("msg", "fetching log entries failed", "err", err)
		return
	}
	p.entriesTotal.Add(float64(len(entries)))

	// Entries arrive newest first; deliveries go out in chronological
	// order.
	chrono := make([]map[string]any, len(entries))
	for i, e := range entries {
		chrono[len(entries)-1-i] = e
	}

	batch := make([]Entry, 0, len(chrono))
	byID := make(map[string]map[string]any, len(chrono))
	for _, e := range chrono {
		id, _ := record.Get(e, "id").(string)
		if id == "" {
			_ = level.Warn(p.logger).Log("msg", "activity entry without id, skipping")
			continue
		}
		created := parseTime(record.Get(e, "created_at"))
		batch = append(batch, Entry{ID: id, CreatedAt: created})
		byID[id] = e
	}

	kept, err := p.store.FilterNew(ctx, batch)
	if err != nil {
		p.pollErrorsTotal.Inc()
		_ = level.Warn(p.logger).Log("msg", "dedupe claim failed", "err", err)
		return
	}
	p.duplicatesTotal.Add(float64(len(batch) - len(kept)))

	keptIDs := make(map[string]bool, len(kept))
	for _, e := range kept {
		keptIDs[e.ID] = true
	}
	for _, e := range chrono {
		id, _ := record.Get(e, "id").(string)
		if !keptIDs[id] {
			continue
		}
		payload, incidentID, ok := p.translate(e)
		if !ok {
			continue
		}
		p.scheduledTotal.Inc()
		chains.Do(incidentID, func(ctx context.Context) {
			if err := p.sender.SendWebhook(ctx, p.opts.WebhookURL, payload); err != nil {
				_ = level.Warn(p.logger).Log("msg", "webhook delivery failed", "incident", incidentID, "err", err)
			}
		})
	}
}

func parseTime(v any) time.Time {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
