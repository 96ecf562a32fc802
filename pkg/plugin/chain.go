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
	"fmt"
	"net/url"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/incidentops/event-gateway/pkg/ims"
)

// slowFilterThreshold is how long a single filter may run before a warning
// is logged. The filter is not canceled.
const slowFilterThreshold = 5 * time.Second

// Chain runs the registered filters in order over events and webhooks.
// A plugin error or invalid return is logged and skipped; the chain
// continues with the pre-filter value.
type Chain struct {
	logger   log.Logger
	registry *Registry

	invocations *prometheus.CounterVec
	errors      *prometheus.CounterVec
	suppressed  *prometheus.CounterVec
}

// NewChain builds a filter chain over the registry's plugins.
func NewChain(logger log.Logger, registry *Registry, reg prometheus.Registerer) *Chain {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Chain{
		logger:   logger,
		registry: registry,
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_plugin_invocations_total",
			Help: "Number of plugin filter invocations.",
		}, []string{"plugin", "op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_plugin_errors_total",
			Help: "Number of plugin invocations that failed or returned an invalid result.",
		}, []string{"plugin", "op"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_plugin_suppressed_total",
			Help: "Number of tasks suppressed by a plugin.",
		}, []string{"plugin", "op"}),
	}
	if reg != nil {
		reg.MustRegister(c.invocations, c.errors, c.suppressed)
	}
	return c
}

// FilterEvent runs the event filters in order. It returns the transformed
// event, or ErrSuppressed when a filter drops it.
func (c *Chain) FilterEvent(ctx context.Context, ev Event) (Event, error) {
	for _, f := range c.registry.EventFilters() {
		c.invocations.WithLabelValues(f.Name(), "event").Inc()
		res, err := c.callEventFilter(ctx, f, ev)
		if err != nil {
			c.errors.WithLabelValues(f.Name(), "event").Inc()
			_ = level.Warn(c.logger).Log("msg", "event filter failed, skipping", "plugin", f.Name(), "err", err)
			continue
		}
		if res == nil {
			c.suppressed.WithLabelValues(f.Name(), "event").Inc()
			_ = level.Info(c.logger).Log("msg", "event suppressed by plugin", "plugin", f.Name())
			return Event{}, ErrSuppressed
		}
		next := ev
		if res.Record != nil {
			next.Record = res.Record
		}
		if res.RoutingKey != "" {
			if !ims.ValidIntegrationKey(res.RoutingKey) {
				c.errors.WithLabelValues(f.Name(), "event").Inc()
				_ = level.Warn(c.logger).Log("msg", "event filter returned invalid routing key, skipping",
					"plugin", f.Name(), "err", fmt.Errorf("%w: routing key %q", ErrBadReturn, res.RoutingKey))
				continue
			}
			next.RoutingKey = res.RoutingKey
		}
		if res.DestType != "" {
			next.DestType = res.DestType
		}
		ev = next
		if res.Stop {
			break
		}
	}
	return ev, nil
}

// FilterWebhook runs the webhook filters in order. It returns the
// transformed webhook, or ErrSuppressed when a filter drops it.
func (c *Chain) FilterWebhook(ctx context.Context, wh Webhook) (Webhook, error) {
	for _, f := range c.registry.WebhookFilters() {
		c.invocations.WithLabelValues(f.Name(), "webhook").Inc()
		res, err := c.callWebhookFilter(ctx, f, wh)
		if err != nil {
			c.errors.WithLabelValues(f.Name(), "webhook").Inc()
			_ = level.Warn(c.logger).Log("msg", "webhook filter failed, skipping", "plugin", f.Name(), "err", err)
			continue
		}
		if res == nil {
			c.suppressed.WithLabelValues(f.Name(), "webhook").Inc()
			_ = level.Info(c.logger).Log("msg", "webhook suppressed by plugin", "plugin", f.Name())
			return Webhook{}, ErrSuppressed
		}
		next := wh
		if res.Payload != nil {
			next.Payload = res.Payload
		}
		if res.URL != "" {
			if !validURL(res.URL) {
				c.errors.WithLabelValues(f.Name(), "webhook").Inc()
				_ = level.Warn(c.logger).Log("msg", "webhook filter returned invalid url, skipping",
					"plugin", f.Name(), "err", fmt.Errorf("%w: url %q", ErrBadReturn, res.URL))
				continue
			}
			next.URL = res.URL
		}
		wh = next
		if res.Stop {
			break
		}
	}
	return wh, nil
}

func (c *Chain) callEventFilter(ctx context.Context, f EventFilter, ev Event) (*EventResult, error) {
	defer c.warnSlow(f.Name())()
	return f.FilterEvent(ctx, ev)
}

func (c *Chain) callWebhookFilter(ctx context.Context, f WebhookFilter, wh Webhook) (*WebhookResult, error) {
	defer c.warnSlow(f.Name())()
	return f.FilterWebhook(ctx, wh)
}

// warnSlow logs when a filter exceeds the threshold, without canceling it.
func (c *Chain) warnSlow(name string) func() {
	t := time.AfterFunc(slowFilterThreshold, func() {
		_ = level.Warn(c.logger).Log("msg", "plugin filter is slow", "plugin", name, "threshold", slowFilterThreshold)
	})
	return func() { t.Stop() }
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
