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

package enrich

import (
	"strings"

	"github.com/incidentops/event-gateway/pkg/bpql"
	"github.com/incidentops/event-gateway/pkg/record"
	"github.com/incidentops/event-gateway/pkg/rules"
)

// Correlate writes a correlation key under correlations.<tag1+tag2+...> for
// each rule whose filter matches the record. The rule's tags arrive sorted
// from the store. A null or empty tag value yields nothing for that rule.
func Correlate(corrs []rules.Correlation, rec map[string]any, prefix string) {
	for _, c := range corrs {
		ok, err := bpql.Evaluate(c.Filter, rec, prefix)
		if err != nil || !ok || len(c.Tags) == 0 {
			continue
		}
		values := make([]string, 0, len(c.Tags))
		complete := true
		for _, tag := range c.Tags {
			v := record.Get(rec, record.MakePath(prefix, tag))
			if v == nil {
				complete = false
				break
			}
			s := record.Stringify(v)
			if s == "" {
				complete = false
				break
			}
			values = append(values, s)
		}
		if !complete {
			continue
		}
		key := strings.Join(c.Tags, "+")
		_ = record.Set(rec, record.MakePath(prefix, "correlations."+key), strings.Join(values, "+"))
	}
}
