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

// Package fetch runs plugin-provided event fetchers on their declared
// schedules, guards each invocation with a timeout, and enqueues the
// returned events for dispatch.
package fetch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/incidentops/event-gateway/pkg/ims"
	"github.com/incidentops/event-gateway/pkg/plugin"
)

// defaultInterval applies when a fetcher declares no parseable schedule.
const defaultInterval = 10 * time.Second

// Enqueuer accepts fetched events for dispatch. Implemented by the
// dispatcher.
type Enqueuer interface {
	EnqueueEvent(ctx context.Context, rec map[string]any, routingKey, destType string) error
}

// schedule yields firing times. Both cron expressions and fixed intervals
// reduce to it.
type schedule interface {
	Next(t time.Time) time.Time
}

type intervalSchedule time.Duration

func (s intervalSchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(s)) }

// parseSchedule reads a fetcher's declared interval: a five-field cron
// expression, or a number of seconds. Anything else falls back to the
// default interval.
func parseSchedule(spec string) (schedule, bool) {
	if s, err := cron.ParseStandard(spec); err == nil {
		return s, true
	}
	if secs, err := strconv.Atoi(spec); err == nil && secs >= 1 {
		return intervalSchedule(time.Duration(secs) * time.Second), true
	}
	return intervalSchedule(defaultInterval), false
}

// Scheduler runs every registered fetcher on its own schedule. Invocations
// of one fetcher never overlap: a run either completes or is abandoned on
// timeout before the next one starts.
type Scheduler struct {
	logger   log.Logger
	enqueuer Enqueuer
	fetchers []plugin.EventFetcher

	runsTotal      *prometheus.CounterVec
	timeoutsTotal  *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	malformedTotal *prometheus.CounterVec
}

// New creates a scheduler for the registry's fetchers.
func New(logger log.Logger, enqueuer Enqueuer, fetchers []plugin.EventFetcher, reg prometheus.Registerer) *Scheduler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Scheduler{
		logger:   logger,
		enqueuer: enqueuer,
		fetchers: fetchers,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_fetch_runs_total",
			Help: "Number of fetcher invocations.",
		}, []string{"plugin"}),
		timeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_fetch_timeouts_total",
			Help: "Number of fetcher invocations abandoned on timeout.",
		}, []string{"plugin"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_fetch_events_total",
			Help: "Number of events enqueued from fetchers.",
		}, []string{"plugin"}),
		malformedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_fetch_malformed_total",
			Help: "Number of fetched events skipped as malformed.",
		}, []string{"plugin"}),
	}
	if reg != nil {
		reg.MustRegister(s.runsTotal, s.timeoutsTotal, s.eventsTotal, s.malformedTotal)
	}
	return s
}

// Run drives all fetchers until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, f := range s.fetchers {
		wg.Add(1)
		go func(f plugin.EventFetcher) {
			defer wg.Done()
			s.runFetcher(ctx, f)
		}(f)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) runFetcher(ctx context.Context, f plugin.EventFetcher) {
	spec := f.FetchInterval()
	sched, ok := parseSchedule(spec)
	if !ok {
		_ = level.Warn(s.logger).Log("msg", "unparseable fetch interval, using default",
			"plugin", f.Name(), "interval", spec, "default", defaultInterval)
	}
	_ = level.Info(s.logger).Log("msg", "fetcher scheduled", "plugin", f.Name(), "interval", spec)

	for {
		now := time.Now()
		next := sched.Next(now)
		// The invocation may take until the following firing.
		timeout := sched.Next(next).Sub(next)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.runOnce(ctx, f, timeout)
	}
}

// runOnce invokes the fetcher with the timeout guard. A timed-out call is
// abandoned: its goroutine may still be running, but its result is
// discarded.
func (s *Scheduler) runOnce(ctx context.Context, f plugin.EventFetcher, timeout time.Duration) {
	s.runsTotal.WithLabelValues(f.Name()).Inc()

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		events []map[string]any
		err    error
	}
	done := make(chan result, 1)
	go func() {
		events, err := f.FetchEvents(fctx)
		done <- result{events: events, err: err}
	}()

	select {
	case <-fctx.Done():
		if ctx.Err() == nil {
			s.timeoutsTotal.WithLabelValues(f.Name()).Inc()
			_ = level.Warn(s.logger).Log("msg", "fetcher timed out, abandoning", "plugin", f.Name(), "timeout", timeout)
		}
		return
	case res := <-done:
		if res.err != nil {
			_ = level.Warn(s.logger).Log("msg", "fetcher failed", "plugin", f.Name(), "err", res.err)
			return
		}
		s.enqueue(ctx, f.Name(), res.events)
	}
}

// enqueue validates and queues each fetched event; malformed events are
// skipped with a warning.
func (s *Scheduler) enqueue(ctx context.Context, name string, events []map[string]any) {
	for _, ev := range events {
		key, _ := ev["routing_key"].(string)
		if !ims.ValidIntegrationKey(key) {
			s.malformedTotal.WithLabelValues(name).Inc()
			_ = level.Warn(s.logger).Log("msg", "fetched event has invalid routing key, skipping", "plugin", name)
			continue
		}
		if err := ims.ValidateV2Event(ev); err != nil {
			s.malformedTotal.WithLabelValues(name).Inc()
			_ = level.Warn(s.logger).Log("msg", "fetched event is malformed, skipping", "plugin", name, "err", err)
			continue
		}
		if err := s.enqueuer.EnqueueEvent(ctx, ev, key, ims.DestV2); err != nil {
			_ = level.Warn(s.logger).Log("msg", "enqueue of fetched event failed", "plugin", name, "err", err)
			continue
		}
		s.eventsTotal.WithLabelValues(name).Inc()
	}
}
