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

// Package rules defines the operator-maintained rule model (enrichment
// rulesets, mapping tables, maintenance windows, correlation rules) and a
// SQL-backed store that loads it into immutable snapshots.
package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/incidentops/event-gateway/pkg/bpql"
	"github.com/incidentops/event-gateway/pkg/record"
)

// Rule kinds.
const (
	KindMapping     = "mapping"
	KindComposition = "composition"
	KindExtraction  = "extraction"
)

// Ruleset types.
const (
	MatchFirst = "match_first"
	MatchAll   = "match_all"
)

// Window frequencies.
const (
	FreqOnce   = "once"
	FreqDaily  = "daily"
	FreqWeekly = "weekly"
)

// MappingField is one column of a mapping rule: either a join key or an
// output.
type MappingField struct {
	Name string `json:"name"`
	// Role is "query_tag" or "result_tag".
	Role             string `json:"role"`
	Optional         bool   `json:"optional,omitempty"`
	OverrideExisting bool   `json:"override_existing,omitempty"`
}

// CompositionPair writes Value, after ${key} interpolation, to Destination.
type CompositionPair struct {
	Destination string `json:"destination"`
	Value       string `json:"value"`
}

// Rule is one enrichment rule. Exactly one of the kind-specific field groups
// is populated, per Kind.
type Rule struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Order int    `json:"order"`

	// When gates the rule on the record; nil means always.
	When *bpql.Condition `json:"when,omitempty"`
	// SelectedSourceSystem gates the rule on the record's source_system
	// field, matched as a repaired case-insensitive regex.
	SelectedSourceSystem string `json:"selected_source_system,omitempty"`

	// Mapping.
	Table  string         `json:"table,omitempty"`
	Fields []MappingField `json:"fields,omitempty"`
	// Composition.
	Pairs []CompositionPair `json:"pairs,omitempty"`
	// Extraction.
	Source      string `json:"source,omitempty"`
	Regex       string `json:"regex,omitempty"`
	Template    string `json:"template,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// Validate checks the kind-specific shape of the rule and warms its patterns.
func (r *Rule) Validate() error {
	switch r.Kind {
	case KindMapping:
		if r.Table == "" {
			return fmt.Errorf("mapping rule %q: missing table", r.ID)
		}
		var results int
		for _, f := range r.Fields {
			switch f.Role {
			case "query_tag":
			case "result_tag":
				results++
			default:
				return fmt.Errorf("mapping rule %q: unknown field role %q", r.ID, f.Role)
			}
		}
		if results == 0 {
			return fmt.Errorf("mapping rule %q: no result fields", r.ID)
		}
	case KindComposition:
		if len(r.Pairs) == 0 {
			return fmt.Errorf("composition rule %q: no destinations", r.ID)
		}
	case KindExtraction:
		if r.Source == "" || r.Regex == "" || r.Destination == "" {
			return fmt.Errorf("extraction rule %q: missing source, regex or destination", r.ID)
		}
		if _, err := bpql.CompileFormal(r.Regex); err != nil {
			return fmt.Errorf("extraction rule %q: %w", r.ID, err)
		}
	default:
		return fmt.Errorf("rule %q: unknown kind %q", r.ID, r.Kind)
	}
	if r.SelectedSourceSystem != "" {
		if _, err := bpql.CompileSourceSystem(r.SelectedSourceSystem); err != nil {
			return fmt.Errorf("rule %q: selected_source_system: %w", r.ID, err)
		}
	}
	if err := bpql.Normalize(r.When); err != nil {
		return fmt.Errorf("rule %q: when: %w", r.ID, err)
	}
	return nil
}

// Ruleset is an ordered collection of rules of a single kind.
type Ruleset struct {
	Name  string
	Type  string // MatchFirst or MatchAll
	Order int
	Rules []Rule
}

// Window is a maintenance window. Start and End are Unix seconds in UTC.
// For daily and weekly frequencies, Duration is the active-slot length in
// seconds after each recurrence anchor.
type Window struct {
	ID             string          `json:"id"`
	MaintenanceKey string          `json:"maintenance_key"`
	Name           string          `json:"name"`
	Start          int64           `json:"start"`
	End            int64           `json:"end"`
	Frequency      string          `json:"frequency"`
	Duration       int64           `json:"duration,omitempty"`
	Condition      *bpql.Condition `json:"condition,omitempty"`
}

// Correlation derives a correlation key from the listed tag paths for
// records matching the filter. Tags are kept sorted.
type Correlation struct {
	ID     string
	Filter *bpql.Condition
	Tags   []string
	Order  int
}

// Table is an in-memory mapping table indexed by its join-key columns.
type Table struct {
	name string
	rows map[string]map[string]any
}

// NewTable builds an empty mapping table.
func NewTable(name string) *Table {
	return &Table{name: name, rows: map[string]map[string]any{}}
}

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

// Add indexes one row under its key columns.
func (t *Table) Add(key map[string]string, row map[string]any) {
	t.rows[canonicalKey(key)] = row
}

// Lookup finds the row matching the query columns exactly.
func (t *Table) Lookup(query map[string]string) (map[string]any, bool) {
	row, ok := t.rows[canonicalKey(query)]
	return row, ok
}

// Len returns the number of indexed rows.
func (t *Table) Len() int { return len(t.rows) }

// canonicalKey serializes key columns order-independently.
func canonicalKey(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	return b.String()
}

// Snapshot is one immutable generation of the rule store. Readers share it
// without locking; the store swaps in a fresh one on refresh.
type Snapshot struct {
	Rulesets     []Ruleset
	Tables       map[string]*Table
	Windows      []Window
	Correlations []Correlation
}

// Table returns the named mapping table, or nil.
func (s *Snapshot) Table(name string) *Table {
	if s == nil {
		return nil
	}
	return s.Tables[name]
}

// StringifyKey converts an arbitrary record value into the string form used
// for mapping-table joins, so that "42" and the number 42 join.
func StringifyKey(v any) string { return record.Stringify(v) }

func sortSnapshot(s *Snapshot) {
	sort.SliceStable(s.Rulesets, func(i, j int) bool {
		return s.Rulesets[i].Order < s.Rulesets[j].Order
	})
	for i := range s.Rulesets {
		rs := &s.Rulesets[i]
		sort.SliceStable(rs.Rules, func(a, b int) bool {
			return rs.Rules[a].Order < rs.Rules[b].Order
		})
	}
	sort.SliceStable(s.Correlations, func(i, j int) bool {
		return s.Correlations[i].Order < s.Correlations[j].Order
	})
	for i := range s.Correlations {
		sort.Strings(s.Correlations[i].Tags)
	}
}
