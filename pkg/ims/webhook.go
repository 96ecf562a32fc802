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
	"strings"

	"github.com/incidentops/event-gateway/pkg/record"
)

// TranslatorOptions configures webhook reconstruction from activity
// entries.
type TranslatorOptions struct {
	// Services restricts reconstruction to incidents of the listed
	// service IDs. Empty means all services.
	Services []string
	// Config is embedded under message.webhook.config when set.
	Config map[string]any
}

// Translator rebuilds per-incident webhook payloads from activity-log
// entries.
type Translator struct {
	services map[string]bool
	config   map[string]any
}

// NewTranslator builds a translator.
func NewTranslator(opts TranslatorOptions) *Translator {
	t := &Translator{config: opts.Config}
	if len(opts.Services) > 0 {
		t.services = make(map[string]bool, len(opts.Services))
		for _, s := range opts.Services {
			t.services[s] = true
		}
	}
	return t
}

// Translate converts one activity entry into the webhook payload delivered
// downstream, keyed by the incident ID. ok=false drops the entry: no
// incident attached, or its service is outside the allow-list.
func (t *Translator) Translate(entry map[string]any) (payload map[string]any, incidentID string, ok bool) {
	incident, _ := record.Get(entry, "incident").(map[string]any)
	if incident == nil {
		return nil, "", false
	}
	incidentID, _ = incident["id"].(string)
	if incidentID == "" {
		return nil, "", false
	}
	if t.services != nil {
		serviceID, _ := record.Get(incident, "service.id").(string)
		if !t.services[serviceID] {
			return nil, "", false
		}
	}

	entryType, _ := entry["type"].(string)
	event := "incident." + strings.SplitN(entryType, "_", 2)[0]

	// The embedded log entry carries a short incident reference instead
	// of the full incident.
	shortRef := map[string]any{
		"id":       incidentID,
		"type":     "incident_reference",
		"summary":  incident["summary"],
		"self":     incident["self"],
		"html_url": incident["html_url"],
	}
	logEntry, _ := record.Clone(entry).(map[string]any)
	logEntry["incident"] = shortRef
	// The embedded entry keeps the incident's compact service reference,
	// not the expanded service.
	if shortService, isMap := incident["service"].(map[string]any); isMap {
		logEntry["service"] = record.Clone(shortService)
	}

	// The message-level incident carries the expanded service when the
	// entry has one.
	msgIncident, _ := record.Clone(incident).(map[string]any)
	if service, isMap := entry["service"].(map[string]any); isMap {
		msgIncident["service"] = record.Clone(service)
	}

	message := map[string]any{
		"event":       event,
		"log_entries": []any{logEntry},
		"incident":    msgIncident,
	}
	if t.config != nil {
		message["webhook"] = map[string]any{"config": t.config}
	}
	return map[string]any{"messages": []any{message}}, incidentID, true
}
