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

// The event gateway daemon: accepts inbound events over HTTP, filters and
// enriches them through the plugin chain, dispatches them to the
// incident-management backend, and mirrors incident activity back out as
// ordered webhooks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/incidentops/event-gateway/pkg/dispatch"
	"github.com/incidentops/event-gateway/pkg/enrich"
	"github.com/incidentops/event-gateway/pkg/fetch"
	"github.com/incidentops/event-gateway/pkg/ims"
	"github.com/incidentops/event-gateway/pkg/ingress"
	"github.com/incidentops/event-gateway/pkg/plugin"
	"github.com/incidentops/event-gateway/pkg/poller"
	"github.com/incidentops/event-gateway/pkg/rules"
)

type gatewayOptions struct {
	ListenAddress string
	DatabaseURL   string
	RedisURL      string

	APIBaseURL       string
	APIToken         string
	EventsBaseURL    string
	GetAllLogEntries bool

	WebhookDestURL      string
	WebhookServicesJSON string
	WebhookConfigJSON   string

	PollingInterval     int
	KeepActivitySeconds int
	RulesRefresh        time.Duration
	Timezone            string
	Workers             int

	LogEvents bool
	Debug     bool
	ScrubPII  bool

	// Derived in validate.
	webhookServices []string
	webhookConfig   map[string]any
}

func (opts *gatewayOptions) setupFlags(a *kingpin.Application) {
	a.Flag("web.listen-address", "The address to listen on for HTTP requests.").
		Default(opts.ListenAddress).
		StringVar(&opts.ListenAddress)

	a.Flag("db.url", "Postgres connection URL for the rule store.").
		Envar("DATABASE_URL").
		StringVar(&opts.DatabaseURL)

	a.Flag("redis.url", "Redis URL for the task queue, dedupe and tracking stores. Empty runs in-memory.").
		Envar("REDIS_URL").
		StringVar(&opts.RedisURL)

	a.Flag("api.base-url", "Base URL of the incident-management REST API.").
		Default(opts.APIBaseURL).
		Envar("API_BASE_URL").
		StringVar(&opts.APIBaseURL)

	a.Flag("api.token", "REST API token. Enables the activity poller when set together with --webhook.dest-url.").
		Envar("API_TOKEN").
		StringVar(&opts.APIToken)

	a.Flag("events.base-url", "Base URL of the event-intake API.").
		Default(opts.EventsBaseURL).
		Envar("EVENTS_BASE_URL").
		StringVar(&opts.EventsBaseURL)

	a.Flag("api.get-all-log-entries", "Fetch all activity entries instead of the overview subset.").
		Envar("GET_ALL_LOG_ENTRIES").
		BoolVar(&opts.GetAllLogEntries)

	a.Flag("webhook.dest-url", "Destination URL for reconstructed incident webhooks.").
		Envar("WEBHOOK_DEST_URL").
		StringVar(&opts.WebhookDestURL)

	a.Flag("webhook.services", "JSON array of service IDs to restrict webhooks to. Empty means all services.").
		Envar("WEBHOOK_SERVICES_LIST").
		StringVar(&opts.WebhookServicesJSON)

	a.Flag("webhook.config", "JSON object embedded under webhook.config in reconstructed payloads.").
		Envar("WEBHOOK_CONFIG_JSON").
		StringVar(&opts.WebhookConfigJSON)

	a.Flag("poll.interval-seconds", "Interval between activity polls.").
		Default(fmt.Sprintf("%d", opts.PollingInterval)).
		Envar("POLLING_INTERVAL_SECONDS").
		IntVar(&opts.PollingInterval)

	a.Flag("poll.keep-activity-seconds", "Retention of seen activity entries in the dedupe store.").
		Default(fmt.Sprintf("%d", opts.KeepActivitySeconds)).
		Envar("KEEP_ACTIVITY_SECONDS").
		IntVar(&opts.KeepActivitySeconds)

	a.Flag("rules.refresh-interval", "Interval between rule store refreshes.").
		Default(opts.RulesRefresh.String()).
		DurationVar(&opts.RulesRefresh)

	a.Flag("rules.timezone", "IANA timezone for rendering maintenance window times.").
		Envar("TIMEZONE").
		StringVar(&opts.Timezone)

	a.Flag("dispatch.workers", "Number of dispatch workers consuming the task queue.").
		Default(fmt.Sprintf("%d", opts.Workers)).
		IntVar(&opts.Workers)

	a.Flag("log.events", "Log every resolved dispatch at info level.").
		Envar("LOG_EVENTS").
		BoolVar(&opts.LogEvents)

	a.Flag("log.debug", "Enable debug logging and per-event enrichment traces.").
		Envar("DEBUG").
		BoolVar(&opts.Debug)

	a.Flag("ingress.scrub-pii", "Redact secret-looking values from inbound payloads.").
		Envar("SCRUB_PII").
		BoolVar(&opts.ScrubPII)
}

func (opts *gatewayOptions) validate() error {
	if opts.DatabaseURL == "" {
		return errors.New("no --db.url was specified or derived from DATABASE_URL")
	}
	if opts.WebhookServicesJSON != "" {
		if err := json.Unmarshal([]byte(opts.WebhookServicesJSON), &opts.webhookServices); err != nil {
			return fmt.Errorf("unable to parse --webhook.services value %q: %w", opts.WebhookServicesJSON, err)
		}
	}
	if opts.WebhookConfigJSON != "" {
		if err := json.Unmarshal([]byte(opts.WebhookConfigJSON), &opts.webhookConfig); err != nil {
			return fmt.Errorf("unable to parse --webhook.config value %q: %w", opts.WebhookConfigJSON, err)
		}
	}
	return nil
}

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("gatewayd", "The event gateway daemon")
	a.HelpFlag.Short('h')

	opts := gatewayOptions{
		ListenAddress:       ":9099",
		APIBaseURL:          ims.DefaultAPIBaseURL,
		EventsBaseURL:       ims.DefaultEventsBaseURL,
		PollingInterval:     10,
		KeepActivitySeconds: 30 * 24 * 60 * 60,
		RulesRefresh:        time.Hour,
		Workers:             4,
	}
	opts.setupFlags(a)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "Unable to parse flags", "err", err)
		os.Exit(2)
	}
	if opts.Debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	if err := opts.validate(); err != nil {
		_ = level.Error(logger).Log("msg", "Invalid command line argument", "err", err)
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	db, err := sqlx.Open("postgres", opts.DatabaseURL)
	if err != nil {
		_ = level.Error(logger).Log("msg", "Opening rule database failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	var redisClient *redis.Client
	if opts.RedisURL != "" {
		ropts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			_ = level.Error(logger).Log("msg", "Unable to parse --redis.url", "err", err)
			os.Exit(2)
		}
		redisClient = redis.NewClient(ropts)
		defer redisClient.Close()
	}

	store, err := rules.NewStore(log.With(logger, "component", "rules"), db, rules.StoreOptions{
		RefreshInterval: opts.RulesRefresh,
		Timezone:        opts.Timezone,
	}, reg)
	if err != nil {
		_ = level.Error(logger).Log("msg", "Creating rule store failed", "err", err)
		os.Exit(1)
	}

	engine := enrich.New(log.With(logger, "component", "enrich"), store, enrich.Options{
		Debug: opts.Debug,
	}, reg)

	var tracking plugin.TrackingStore
	if redisClient != nil {
		tracking = plugin.NewRedisTracking(redisClient, plugin.DefaultTrackingTTL)
	} else {
		tracking = plugin.NewMemoryTracking()
	}
	registry := plugin.NewRegistry(
		plugin.NewEnrichment(log.With(logger, "component", "enrichment"), engine, tracking),
	)
	chain := plugin.NewChain(log.With(logger, "component", "plugins"), registry, reg)

	var queue dispatch.Queue
	if redisClient != nil {
		queue = dispatch.NewRedisQueue(redisClient)
	} else {
		queue = dispatch.NewMemoryQueue(1024)
	}
	dispatcher := dispatch.New(log.With(logger, "component", "dispatch"), queue, chain, dispatch.Options{
		BaseURL:   opts.EventsBaseURL,
		Workers:   opts.Workers,
		LogEvents: opts.LogEvents,
	}, reg)

	ingressServer := ingress.NewServer(log.With(logger, "component", "ingress"), dispatcher, store, ingress.Options{
		ScrubPII: opts.ScrubPII,
	}, reg)

	fetchScheduler := fetch.New(log.With(logger, "component", "fetch"), dispatcher, registry.Fetchers(), reg)

	mux := http.NewServeMux()
	ingressServer.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: opts.ListenAddress, Handler: mux}

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		hup := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(hup, syscall.SIGHUP)

		g.Add(
			func() error {
				for {
					select {
					case <-hup:
						_ = level.Info(logger).Log("msg", "received SIGHUP, reloading rules")
						store.Invalidate()
					case <-cancel:
						return nil
					}
				}
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				return store.Run(ctx)
			},
			func(error) {
				cancel()
			},
		)
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				return dispatcher.Run(ctx)
			},
			func(error) {
				cancel()
			},
		)
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				return fetchScheduler.Run(ctx)
			},
			func(error) {
				cancel()
			},
		)
	}
	if opts.APIToken != "" && opts.WebhookDestURL != "" {
		client := ims.NewClient(log.With(logger, "component", "ims"), ims.ClientOptions{
			BaseURL:          opts.APIBaseURL,
			Token:            opts.APIToken,
			GetAllLogEntries: opts.GetAllLogEntries,
		})
		translator := ims.NewTranslator(ims.TranslatorOptions{
			Services: opts.webhookServices,
			Config:   opts.webhookConfig,
		})
		var dedupe poller.DedupeStore
		retention := time.Duration(opts.KeepActivitySeconds) * time.Second
		if redisClient != nil {
			dedupe = poller.NewRedisDedupe(redisClient, retention)
		} else {
			dedupe = poller.NewMemoryDedupe()
		}
		activityPoller := poller.New(log.With(logger, "component", "poller"),
			client, dedupe, dispatcher, translator.Translate, poller.Options{
				Interval:   time.Duration(opts.PollingInterval) * time.Second,
				Retention:  retention,
				WebhookURL: opts.WebhookDestURL,
			}, reg)

		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				return activityPoller.Run(ctx)
			},
			func(error) {
				cancel()
			},
		)
	} else {
		_ = level.Info(logger).Log("msg", "activity poller disabled, set --api.token and --webhook.dest-url to enable")
	}
	{
		g.Add(
			func() error {
				_ = level.Info(logger).Log("msg", "starting web server", "listen", opts.ListenAddress)
				return server.ListenAndServe()
			},
			func(error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(ctx)
			},
		)
	}

	if err := g.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = level.Error(logger).Log("msg", "running gateway failed", "err", err)
		os.Exit(1)
	}
}
