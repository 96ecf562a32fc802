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

// evsend queues a trigger, acknowledge, or resolve event through the
// gateway's v2 intake endpoint.
package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/incidentops/event-gateway/pkg/ims"
)

type sendOptions struct {
	BaseURL        string
	SkipCertVerify bool

	RoutingKey  string
	EventType   string
	Severity    string
	Source      string
	Component   string
	Group       string
	Class       string
	Description string
	IncidentKey string
	Client      string
	ClientURL   string
	Fields      []string
	Quiet       bool
}

func (opts *sendOptions) setupFlags(a *kingpin.Application) {
	a.Flag("events-base-url", "Base URL of the event intake.").
		Default(ims.DefaultEventsBaseURL).
		Envar("EVSEND_EVENTS_BASE_URL").
		StringVar(&opts.BaseURL)

	a.Flag("skip-cert-verify", "Skip TLS certificate verification.").
		Envar("EVSEND_SKIP_CERT_VERIFY").
		BoolVar(&opts.SkipCertVerify)

	a.Flag("routing-key", "Event routing key.").
		Short('k').
		Required().
		StringVar(&opts.RoutingKey)

	a.Flag("event-type", "Event type.").
		Short('t').
		Required().
		EnumVar(&opts.EventType, "trigger", "acknowledge", "resolve")

	a.Flag("severity", "Severity.").
		Short('s').
		Default("critical").
		EnumVar(&opts.Severity, "critical", "error", "warning", "info")

	a.Flag("source", "Source.").
		Short('o').
		Default("evsend").
		StringVar(&opts.Source)

	a.Flag("component", "Component.").
		Short('m').
		StringVar(&opts.Component)

	a.Flag("group", "Group.").
		Short('g').
		StringVar(&opts.Group)

	a.Flag("class", "Class.").
		Short('l').
		StringVar(&opts.Class)

	a.Flag("description", "Short description of the problem.").
		Short('d').
		StringVar(&opts.Description)

	a.Flag("incident-key", "Incident key.").
		Short('i').
		StringVar(&opts.IncidentKey)

	a.Flag("client", "Client.").
		Short('c').
		StringVar(&opts.Client)

	a.Flag("client-url", "Client URL.").
		Short('u').
		StringVar(&opts.ClientURL)

	a.Flag("field", "Add the given KEY=VALUE pair to the event details.").
		Short('f').
		StringsVar(&opts.Fields)

	a.Flag("quiet", "Operate quietly (no output).").
		Short('q').
		BoolVar(&opts.Quiet)
}

func (opts *sendOptions) validate() error {
	if !ims.ValidIntegrationKey(opts.RoutingKey) {
		return fmt.Errorf("please supply a valid routing key")
	}
	if opts.EventType == "trigger" {
		if strings.TrimSpace(opts.Description) == "" {
			return fmt.Errorf("event type %q requires --description", opts.EventType)
		}
	} else if opts.IncidentKey == "" {
		return fmt.Errorf("event type %q requires --incident-key", opts.EventType)
	}
	return nil
}

// buildEvent assembles the v2 event body from the flags.
func buildEvent(opts *sendOptions) (map[string]any, error) {
	body := map[string]any{
		"routing_key":  opts.RoutingKey,
		"event_action": opts.EventType,
	}
	if opts.IncidentKey != "" {
		body["dedup_key"] = opts.IncidentKey
	}
	if opts.EventType != "trigger" {
		return body, nil
	}

	details := map[string]any{}
	for _, f := range opts.Fields {
		k, v, found := strings.Cut(f, "=")
		if !found {
			return nil, fmt.Errorf("invalid --field value %q, expected KEY=VALUE", f)
		}
		details[k] = v
	}
	payload := map[string]any{
		"summary":        opts.Description,
		"severity":       opts.Severity,
		"custom_details": details,
	}
	if opts.Source != "" {
		payload["source"] = opts.Source
	}
	if opts.Component != "" {
		payload["component"] = opts.Component
	}
	if opts.Group != "" {
		payload["group"] = opts.Group
	}
	if opts.Class != "" {
		payload["class"] = opts.Class
	}
	body["payload"] = payload
	if opts.Client != "" {
		body["client"] = opts.Client
	}
	if opts.ClientURL != "" {
		body["client_url"] = opts.ClientURL
	}
	return body, nil
}

func main() {
	a := kingpin.New("evsend", "Queue up a trigger, acknowledge, or resolve event.")
	a.HelpFlag.Short('h')

	var opts sendOptions
	opts.setupFlags(a)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if err := opts.validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	body, err := buildEvent(&opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	b, err := json.Marshal(body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	client := http.DefaultClient
	if opts.SkipCertVerify {
		client = &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}}
	}
	resp, err := client.Post(opts.BaseURL+"/v2/enqueue", "application/json", bytes.NewReader(b))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "error: status %d: %s\n", resp.StatusCode, strings.TrimSpace(string(out)))
		os.Exit(1)
	}
	if !opts.Quiet {
		fmt.Println(strings.TrimSpace(string(out)))
	}
}
