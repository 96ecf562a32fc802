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

// Package plugin runs ordered user-supplied filters over events and
// webhooks before dispatch, and registers plugin-provided event fetchers.
package plugin

import (
	"context"
	"errors"
	"sort"
)

// Sentinel errors of the filter chain.
var (
	// ErrBadReturn marks a filter result that fails validation. The
	// offending plugin invocation is treated as a no-op.
	ErrBadReturn = errors.New("bad plugin return")
	// ErrSuppressed is reported when a filter suppresses the task.
	ErrSuppressed = errors.New("suppressed by plugin")
)

// Plugin is the base interface every plugin implements. Capabilities are
// added by also implementing EventFilter, WebhookFilter or EventFetcher.
type Plugin interface {
	Name() string
}

// Orderer lets a plugin choose its position in the chain. Plugins that do
// not implement it run at order 100; a negative order is treated as
// unspecified and sorts last at 999. Ties keep registration order.
type Orderer interface {
	Order() int
}

const (
	defaultOrder = 100
	lastOrder    = 999
)

// Event is an outbound event task as seen by filters.
type Event struct {
	Record     map[string]any
	RoutingKey string
	// DestType selects the intake endpoint (v2, v1, x-ere and aliases).
	DestType string
}

// EventResult is a filter's verdict on an event. Zero-valued fields leave
// the current value unchanged; Stop accepts the event and ends the chain.
// A nil *EventResult suppresses the event.
type EventResult struct {
	Record     map[string]any
	RoutingKey string
	DestType   string
	Stop       bool
}

// EventFilter transforms or suppresses outbound events.
type EventFilter interface {
	Plugin
	FilterEvent(ctx context.Context, ev Event) (*EventResult, error)
}

// Webhook is an outbound webhook task as seen by filters.
type Webhook struct {
	Payload map[string]any
	URL     string
}

// WebhookResult is a filter's verdict on a webhook, analogous to
// EventResult.
type WebhookResult struct {
	Payload map[string]any
	URL     string
	Stop    bool
}

// WebhookFilter transforms or suppresses outbound webhooks.
type WebhookFilter interface {
	Plugin
	FilterWebhook(ctx context.Context, wh Webhook) (*WebhookResult, error)
}

// EventFetcher produces events on a schedule. FetchInterval returns either
// a number of seconds or a five-field cron expression.
type EventFetcher interface {
	Plugin
	FetchInterval() string
	FetchEvents(ctx context.Context) ([]map[string]any, error)
}

// Registry holds plugins sorted by order.
type Registry struct {
	plugins []Plugin
}

// NewRegistry builds a registry from the given plugins, sorted by order
// with registration order breaking ties.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: append([]Plugin(nil), plugins...)}
	sort.SliceStable(r.plugins, func(i, j int) bool {
		return orderOf(r.plugins[i]) < orderOf(r.plugins[j])
	})
	return r
}

func orderOf(p Plugin) int {
	o, ok := p.(Orderer)
	if !ok {
		return defaultOrder
	}
	if n := o.Order(); n >= 0 {
		return n
	}
	return lastOrder
}

// EventFilters returns the ordered event filters.
func (r *Registry) EventFilters() []EventFilter {
	var out []EventFilter
	for _, p := range r.plugins {
		if f, ok := p.(EventFilter); ok {
			out = append(out, f)
		}
	}
	return out
}

// WebhookFilters returns the ordered webhook filters.
func (r *Registry) WebhookFilters() []WebhookFilter {
	var out []WebhookFilter
	for _, p := range r.plugins {
		if f, ok := p.(WebhookFilter); ok {
			out = append(out, f)
		}
	}
	return out
}

// Fetchers returns the ordered event fetchers.
func (r *Registry) Fetchers() []EventFetcher {
	var out []EventFetcher
	for _, p := range r.plugins {
		if f, ok := p.(EventFetcher); ok {
			out = append(out, f)
		}
	}
	return out
}
