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
	"errors"
	"fmt"

	"github.com/incidentops/event-gateway/pkg/record"
)

// ErrInvalidPayload marks an event payload that fails v2 validation.
var ErrInvalidPayload = errors.New("invalid events v2 payload")

var v2Severities = map[string]bool{
	"info": true, "warning": true, "error": true, "critical": true,
}

// ValidateV2Event checks the structural requirements of a v2 event:
// a known event_action, and for triggers a valid severity plus non-empty
// summary and source.
func ValidateV2Event(rec map[string]any) error {
	action, _ := rec["event_action"].(string)
	switch action {
	case "acknowledge", "resolve":
		return nil
	case "trigger":
	default:
		return fmt.Errorf("%w: event_action %q", ErrInvalidPayload, action)
	}
	severity, _ := record.Get(rec, "payload.severity").(string)
	if !v2Severities[severity] {
		return fmt.Errorf("%w: severity %q", ErrInvalidPayload, severity)
	}
	if summary, _ := record.Get(rec, "payload.summary").(string); summary == "" {
		return fmt.Errorf("%w: missing summary", ErrInvalidPayload)
	}
	if source, _ := record.Get(rec, "payload.source").(string); source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidPayload)
	}
	return nil
}
