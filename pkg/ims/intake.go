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
	"fmt"
	"strings"
)

// DefaultEventsBaseURL is the default event-intake base.
const DefaultEventsBaseURL = "https://events.pagerduty.com"

// Destination types and their aliases.
const (
	DestV2      = "v2"
	DestV1      = "v1"
	DestCET     = "cet"
	DestRaw     = "raw"
	DestXERE    = "x-ere"
	DestRouting = "routing"
	DestGER     = "ger"
)

// IntakeURL resolves the event-intake endpoint for a destination type.
func IntakeURL(base, destType, routingKey string) (string, error) {
	base = strings.TrimSuffix(base, "/")
	switch destType {
	case DestV2:
		return base + "/v2/enqueue", nil
	case DestV1, DestCET, DestRaw:
		return base + "/integration/" + routingKey + "/enqueue", nil
	case DestXERE, DestRouting, DestGER:
		return base + "/x-ere/" + routingKey, nil
	}
	return "", fmt.Errorf("unknown destination type %q", destType)
}
