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

// Package ims talks to the incident-management backend: integration-key
// validation, event-intake URL selection, the REST client used by the
// activity poller, and webhook reconstruction from activity entries.
package ims

import "regexp"

// Integration keys come in two shapes: classic 32-hex keys and
// routing-engine keys. Both match case-insensitively.
var (
	classicKeyRe = regexp.MustCompile(`(?i)^[0-9a-f]{32}$`)
	routingKeyRe = regexp.MustCompile(`(?i)^R[0-9A-Z]{31}$`)
)

// ValidIntegrationKey reports whether k is a well-formed integration key of
// either shape.
func ValidIntegrationKey(k string) bool {
	return classicKeyRe.MatchString(k) || routingKeyRe.MatchString(k)
}
