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

package ingress

import "regexp"

const redacted = "[REDACTED]"

// secretKeyRe matches map keys whose values are redacted wholesale.
var secretKeyRe = regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|auth[_-]?token|access[_-]?token|credential)`)

// secretValueRes match secret-looking substrings inside free-form string
// values.
var secretValueRes = []*regexp.Regexp{
	// Bearer or basic auth material.
	regexp.MustCompile(`(?i)\b(bearer|basic)\s+[a-z0-9+/=._-]{8,}`),
	// key=value style credentials.
	regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|token)\s*[=:]\s*\S+`),
	// Long hex blobs, typically tokens or keys.
	regexp.MustCompile(`\b[0-9a-fA-F]{40,}\b`),
}

// Scrub redacts secret-looking content from the record in place. Routing
// keys survive: they are 32 hex characters, below the hex-blob threshold,
// and routing_key is not a secret-named key.
func Scrub(rec map[string]any) {
	scrubValue(rec)
}

func scrubValue(v any) {
	switch v := v.(type) {
	case map[string]any:
		for k, child := range v {
			if secretKeyRe.MatchString(k) {
				v[k] = redacted
				continue
			}
			if s, isStr := child.(string); isStr {
				v[k] = scrubString(s)
				continue
			}
			scrubValue(child)
		}
	case []any:
		for i, child := range v {
			if s, isStr := child.(string); isStr {
				v[i] = scrubString(s)
				continue
			}
			scrubValue(child)
		}
	}
}

func scrubString(s string) string {
	for _, re := range secretValueRes {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}
