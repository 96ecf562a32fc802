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

// Package enrich applies operator rulesets to event records: mapping,
// composition and extraction rules, maintenance-window suppression marking,
// and correlation-key tagging.
package enrich

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/incidentops/event-gateway/pkg/bpql"
	"github.com/incidentops/event-gateway/pkg/record"
	"github.com/incidentops/event-gateway/pkg/rules"
)

// DefaultPrefix is where enrichment reads and writes record fields unless
// a path starts with a dot.
const DefaultPrefix = "payload.custom_details."

// RuleSource provides the current rule snapshot. Satisfied by *rules.Store.
type RuleSource interface {
	Snapshot() *rules.Snapshot
	Location() *time.Location
}

// Options configures an enrichment engine.
type Options struct {
	// Prefix prepended to all relative rule paths. Defaults to
	// DefaultPrefix.
	Prefix string
	// Debug deposits per-write traces under enrichments.<destination>
	// and appends a message trail to the record.
	Debug bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine runs the enrichment pipeline over records.
type Engine struct {
	logger log.Logger
	rules  RuleSource
	opts   Options

	recordsTotal  prometheus.Counter
	writesTotal   prometheus.Counter
	inMaintTotal  prometheus.Counter
	ruleErrsTotal prometheus.Counter
}

// New creates an enrichment engine reading rules from src.
func New(logger log.Logger, src RuleSource, opts Options, reg prometheus.Registerer) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		logger: logger,
		rules:  src,
		opts:   opts,
		recordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_enrich_records_total",
			Help: "Number of records run through the enrichment engine.",
		}),
		writesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_enrich_writes_total",
			Help: "Number of fields written by enrichment rules.",
		}),
		inMaintTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_enrich_in_maintenance_total",
			Help: "Number of records marked as inside a maintenance window.",
		}),
		ruleErrsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_enrich_rule_errors_total",
			Help: "Number of rule applications skipped due to errors.",
		}),
	}
	if reg != nil {
		reg.MustRegister(e.recordsTotal, e.writesTotal, e.inMaintTotal, e.ruleErrsTotal)
	}
	return e
}

// Prefix returns the prepend-prefix the engine resolves rule paths under.
func (e *Engine) Prefix() string { return e.opts.Prefix }

// Enrich applies all rulesets, the maintenance evaluator and the correlation
// tagger to the record, then prunes falsy leaves. The input map is mutated;
// the returned map is the pruned result.
func (e *Engine) Enrich(rec map[string]any) map[string]any {
	e.recordsTotal.Inc()
	snap := e.rules.Snapshot()

	for _, rs := range snap.Rulesets {
		e.applyRuleset(rec, snap, rs)
	}

	applied := ActiveWindows(snap.Windows, rec, e.opts.Prefix, e.opts.Now(), e.rules.Location())
	e.setField(rec, "is_in_maint", len(applied) > 0)
	if len(applied) > 0 {
		e.inMaintTotal.Inc()
		summary := make([]any, 0, len(applied))
		for _, w := range applied {
			summary = append(summary, w.Summary())
		}
		e.setField(rec, "maint_windows", summary)
	}

	Correlate(snap.Correlations, rec, e.opts.Prefix)

	pruned, _ := record.Prune(rec).(map[string]any)
	return pruned
}

func (e *Engine) applyRuleset(rec map[string]any, snap *rules.Snapshot, rs rules.Ruleset) {
	for _, rule := range rs.Rules {
		ok, err := e.ruleApplies(rec, rule)
		if err != nil {
			e.ruleErrsTotal.Inc()
			_ = level.Warn(e.logger).Log("msg", "skipping rule", "ruleset", rs.Name, "rule", rule.ID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		var wrote bool
		switch rule.Kind {
		case rules.KindMapping:
			wrote = e.applyMapping(rec, snap, rule)
		case rules.KindComposition:
			wrote = e.applyComposition(rec, rule)
		case rules.KindExtraction:
			wrote = e.applyExtraction(rec, rule)
		}
		if wrote && rs.Type == rules.MatchFirst {
			e.trace(rec, "ruleset %s stopped at rule %s", rs.Name, rule.ID)
			return
		}
	}
}

// ruleApplies checks the rule's source-system and when gates.
func (e *Engine) ruleApplies(rec map[string]any, rule rules.Rule) (bool, error) {
	if rule.SelectedSourceSystem != "" {
		re, err := bpql.CompileSourceSystem(rule.SelectedSourceSystem)
		if err != nil {
			return false, err
		}
		src := e.getField(rec, "source_system")
		if src == nil || !re.MatchString(record.Stringify(src)) {
			return false, nil
		}
	}
	return bpql.Evaluate(rule.When, rec, e.opts.Prefix)
}

func (e *Engine) applyMapping(rec map[string]any, snap *rules.Snapshot, rule rules.Rule) bool {
	tab := snap.Table(rule.Table)
	if tab == nil {
		_ = level.Warn(e.logger).Log("msg", "mapping rule references unknown table", "rule", rule.ID, "table", rule.Table)
		return false
	}
	query := map[string]string{}
	for _, f := range rule.Fields {
		if f.Role != "query_tag" {
			continue
		}
		v := e.getField(rec, f.Name)
		if v == nil {
			if !f.Optional {
				e.trace(rec, "mapping %s skipped, missing key %s", rule.ID, f.Name)
				return false
			}
			continue
		}
		query[f.Name] = record.Stringify(v)
	}
	row, ok := tab.Lookup(query)
	if !ok {
		e.trace(rec, "mapping %s had no match in table %s", rule.ID, rule.Table)
		return false
	}
	var wrote bool
	for _, f := range rule.Fields {
		if f.Role != "result_tag" {
			continue
		}
		v, ok := row[f.Name]
		if !ok {
			continue
		}
		if existing := e.getField(rec, f.Name); existing != nil && !f.OverrideExisting {
			continue
		}
		if e.write(rec, f.Name, v, rule) {
			wrote = true
		}
	}
	return wrote
}

var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

func (e *Engine) applyComposition(rec map[string]any, rule rules.Rule) bool {
	var wrote bool
	for _, p := range rule.Pairs {
		out, ok := e.interpolate(rec, p.Value)
		if !ok {
			e.trace(rec, "composition %s skipped destination %s, missing key", rule.ID, p.Destination)
			continue
		}
		if e.write(rec, p.Destination, out, rule) {
			wrote = true
		}
	}
	return wrote
}

// interpolate resolves ${key} placeholders against the record. A single
// missing key fails the whole value.
func (e *Engine) interpolate(rec map[string]any, value string) (string, bool) {
	missing := false
	out := placeholderRe.ReplaceAllStringFunc(value, func(m string) string {
		key := m[2 : len(m)-1]
		v := e.getField(rec, key)
		if v == nil {
			missing = true
			return m
		}
		return record.Stringify(v)
	})
	if missing {
		return "", false
	}
	return out, true
}

func (e *Engine) applyExtraction(rec map[string]any, rule rules.Rule) bool {
	src := e.getField(rec, rule.Source)
	if src == nil {
		return false
	}
	re, err := bpql.CompileFormal(rule.Regex)
	if err != nil {
		e.ruleErrsTotal.Inc()
		return false
	}
	text := record.Stringify(src)
	idx := re.FindStringSubmatchIndex(text)
	if idx == nil {
		return false
	}
	out, ok := expandTemplate(rule.Template, text, idx)
	if !ok {
		e.trace(rec, "extraction %s left placeholders unfilled", rule.ID)
		return false
	}
	return e.write(rec, rule.Destination, out, rule)
}

// expandTemplate substitutes $1..$N with capture groups. A group that
// matched the empty string substitutes ""; a reference to a group that did
// not participate in the match fails the expansion.
func expandTemplate(tmpl, text string, idx []int) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '$' {
			b.WriteByte(tmpl[i])
			continue
		}
		j := i + 1
		for j < len(tmpl) && tmpl[j] >= '0' && tmpl[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte('$')
			continue
		}
		n, err := strconv.Atoi(tmpl[i+1 : j])
		if err != nil || n <= 0 || 2*n+1 >= len(idx) || idx[2*n] < 0 {
			return "", false
		}
		b.WriteString(text[idx[2*n]:idx[2*n+1]])
		i = j - 1
	}
	return b.String(), true
}

// write sets a destination field and, in debug mode, deposits the trace
// record next to it.
func (e *Engine) write(rec map[string]any, dest string, value any, rule rules.Rule) bool {
	if err := e.setField(rec, dest, value); err != nil {
		e.ruleErrsTotal.Inc()
		_ = level.Warn(e.logger).Log("msg", "enrichment write failed", "rule", rule.ID, "destination", dest, "err", err)
		return false
	}
	e.writesTotal.Inc()
	if e.opts.Debug {
		_ = e.setField(rec, "enrichments."+dest, map[string]any{
			"value":     value,
			"rule_type": rule.Kind,
			"rule_id":   rule.ID,
		})
		e.trace(rec, "%s rule %s wrote %s", rule.Kind, rule.ID, dest)
	}
	return true
}

func (e *Engine) getField(rec map[string]any, path string) any {
	return record.Get(rec, record.MakePath(e.opts.Prefix, path))
}

func (e *Engine) setField(rec map[string]any, path string, value any) error {
	return record.Set(rec, record.MakePath(e.opts.Prefix, path), value)
}

// trace appends a line to the record's message trail when debug is on.
func (e *Engine) trace(rec map[string]any, format string, args ...any) {
	if !e.opts.Debug {
		return
	}
	path := record.MakePath(e.opts.Prefix, "messages")
	msgs, _ := record.Get(rec, path).([]any)
	msgs = append(msgs, fmt.Sprintf(format, args...))
	_ = record.Set(rec, path, msgs)
}
