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

package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/incidentops/event-gateway/pkg/bpql"
)

// StoreOptions configures the SQL-backed rule store.
type StoreOptions struct {
	// RefreshInterval between automatic snapshot reloads.
	RefreshInterval time.Duration
	// Timezone is the IANA zone used when rendering window times for
	// humans. Empty means UTC.
	Timezone string
}

// Store loads the rule model from SQL and serves immutable snapshots.
// Readers call Snapshot and never block; a background Run loop and explicit
// Invalidate calls swap in fresh generations.
type Store struct {
	logger log.Logger
	db     *sqlx.DB
	opts   StoreOptions
	loc    *time.Location

	snap       atomic.Pointer[Snapshot]
	invalidate chan struct{}

	refreshTotal  prometheus.Counter
	refreshErrors prometheus.Counter
	rulesSkipped  prometheus.Counter
	lastRefresh   prometheus.Gauge
}

// NewStore creates a rule store around the given database handle. No data
// is loaded until Load or Run is called.
func NewStore(logger log.Logger, db *sqlx.DB, opts StoreOptions, reg prometheus.Registerer) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Hour
	}
	loc := time.UTC
	if opts.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(opts.Timezone); err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", opts.Timezone, err)
		}
	}
	s := &Store{
		logger:     logger,
		db:         db,
		opts:       opts,
		loc:        loc,
		invalidate: make(chan struct{}, 1),
		refreshTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rules_refresh_total",
			Help: "Number of rule store refresh attempts.",
		}),
		refreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rules_refresh_errors_total",
			Help: "Number of failed rule store refreshes.",
		}),
		rulesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rules_skipped_total",
			Help: "Number of malformed rules skipped during load.",
		}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_rules_last_refresh_timestamp_seconds",
			Help: "Unix timestamp of the last successful rule store refresh.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.refreshTotal, s.refreshErrors, s.rulesSkipped, s.lastRefresh)
	}
	return s, nil
}

// Location returns the zone used for human-readable window rendering.
func (s *Store) Location() *time.Location { return s.loc }

// Snapshot returns the current generation. Before the first successful load
// it returns an empty snapshot, never nil.
func (s *Store) Snapshot() *Snapshot {
	if snap := s.snap.Load(); snap != nil {
		return snap
	}
	return &Snapshot{Tables: map[string]*Table{}}
}

// Invalidate requests an asynchronous refresh from the Run loop.
func (s *Store) Invalidate() {
	select {
	case s.invalidate <- struct{}{}:
	default:
	}
}

// Run refreshes the snapshot on the configured interval and on Invalidate
// until the context is canceled. Refresh failures keep the previous
// generation in place.
func (s *Store) Run(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		_ = level.Error(s.logger).Log("msg", "initial rule load failed", "err", err)
	}
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.invalidate:
		}
		if err := s.Load(ctx); err != nil {
			_ = level.Error(s.logger).Log("msg", "rule refresh failed", "err", err)
		}
	}
}

// Load reads the full rule model and swaps it in atomically.
func (s *Store) Load(ctx context.Context) error {
	s.refreshTotal.Inc()
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		s.refreshErrors.Inc()
		return err
	}
	s.snap.Store(snap)
	s.lastRefresh.SetToCurrentTime()
	_ = level.Info(s.logger).Log("msg", "rules refreshed",
		"rulesets", len(snap.Rulesets), "tables", len(snap.Tables),
		"windows", len(snap.Windows), "correlations", len(snap.Correlations))
	return nil
}

type metadataRow struct {
	Name  string `db:"name"`
	Type  string `db:"type"`
	Order int    `db:"order"`
}

type ruleRow struct {
	ID     string `db:"id"`
	Kind   string `db:"kind"`
	Order  int    `db:"order"`
	Config []byte `db:"config"`
}

type mappingRow struct {
	Tab string `db:"tab"`
	Key []byte `db:"key"`
	Row []byte `db:"row"`
}

type windowRow struct {
	ID             string         `db:"id"`
	MaintenanceKey string         `db:"maintenance_key"`
	Name           string         `db:"name"`
	Start          int64          `db:"start"`
	End            int64          `db:"end"`
	Frequency      string         `db:"frequency"`
	Duration       sql.NullInt64  `db:"duration"`
	Condition      sql.NullString `db:"condition"`
}

type correlationRow struct {
	ID     string `db:"id"`
	Filter string `db:"filter"`
	Tags   []byte `db:"tags"`
	Order  int    `db:"order"`
}

func (s *Store) loadSnapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Tables: map[string]*Table{}}

	var meta []metadataRow
	if err := s.db.SelectContext(ctx, &meta,
		`SELECT name, type, "order" FROM enrich_metadata WHERE active = true`); err != nil {
		return nil, fmt.Errorf("load ruleset metadata: %w", err)
	}
	for _, m := range meta {
		rs, err := s.loadRuleset(ctx, m)
		if err != nil {
			return nil, err
		}
		snap.Rulesets = append(snap.Rulesets, rs)
	}

	var maps []mappingRow
	if err := s.db.SelectContext(ctx, &maps,
		`SELECT tab, key, row FROM mappings`); err != nil {
		return nil, fmt.Errorf("load mapping tables: %w", err)
	}
	for _, m := range maps {
		tab := snap.Tables[m.Tab]
		if tab == nil {
			tab = NewTable(m.Tab)
			snap.Tables[m.Tab] = tab
		}
		var rawKey map[string]any
		var row map[string]any
		if err := json.Unmarshal(m.Key, &rawKey); err != nil {
			return nil, fmt.Errorf("mapping table %q: bad key: %w", m.Tab, err)
		}
		if err := json.Unmarshal(m.Row, &row); err != nil {
			return nil, fmt.Errorf("mapping table %q: bad row: %w", m.Tab, err)
		}
		key := make(map[string]string, len(rawKey))
		for k, v := range rawKey {
			key[k] = StringifyKey(v)
		}
		tab.Add(key, row)
	}

	var wins []windowRow
	if err := s.db.SelectContext(ctx, &wins,
		`SELECT id, maintenance_key, name, "start", "end", frequency, duration, condition FROM maintenances`); err != nil {
		return nil, fmt.Errorf("load maintenance windows: %w", err)
	}
	for _, w := range wins {
		win := Window{
			ID:             w.ID,
			MaintenanceKey: w.MaintenanceKey,
			Name:           w.Name,
			Start:          w.Start,
			End:            w.End,
			Frequency:      w.Frequency,
			Duration:       w.Duration.Int64,
		}
		if w.Condition.Valid && w.Condition.String != "" {
			cond, err := parseCondition(w.Condition.String)
			if err != nil {
				s.rulesSkipped.Inc()
				_ = level.Warn(s.logger).Log("msg", "skipping window with bad condition", "window", w.ID, "err", err)
				continue
			}
			win.Condition = cond
		}
		snap.Windows = append(snap.Windows, win)
	}

	var corrs []correlationRow
	if err := s.db.SelectContext(ctx, &corrs,
		`SELECT id, filter, tags, "order" FROM correlations`); err != nil {
		return nil, fmt.Errorf("load correlations: %w", err)
	}
	for _, c := range corrs {
		filter, err := parseCondition(c.Filter)
		if err != nil {
			s.rulesSkipped.Inc()
			_ = level.Warn(s.logger).Log("msg", "skipping correlation with bad filter", "correlation", c.ID, "err", err)
			continue
		}
		var tags []string
		if err := json.Unmarshal(c.Tags, &tags); err != nil {
			s.rulesSkipped.Inc()
			_ = level.Warn(s.logger).Log("msg", "skipping correlation with bad tags", "correlation", c.ID, "err", err)
			continue
		}
		snap.Correlations = append(snap.Correlations, Correlation{
			ID: c.ID, Filter: filter, Tags: tags, Order: c.Order,
		})
	}

	sortSnapshot(snap)
	return snap, nil
}

func (s *Store) loadRuleset(ctx context.Context, m metadataRow) (Ruleset, error) {
	rs := Ruleset{Name: m.Name, Type: m.Type, Order: m.Order}
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, kind, "order", config FROM enrich_rules WHERE ruleset = $1 AND active = true`, m.Name); err != nil {
		return rs, fmt.Errorf("load ruleset %q: %w", m.Name, err)
	}
	for _, row := range rows {
		var rule Rule
		if err := json.Unmarshal(row.Config, &rule); err != nil {
			s.rulesSkipped.Inc()
			_ = level.Warn(s.logger).Log("msg", "skipping malformed rule", "ruleset", m.Name, "rule", row.ID, "err", err)
			continue
		}
		rule.ID = row.ID
		rule.Kind = row.Kind
		rule.Order = row.Order
		if err := rule.Validate(); err != nil {
			s.rulesSkipped.Inc()
			_ = level.Warn(s.logger).Log("msg", "skipping malformed rule", "ruleset", m.Name, "rule", row.ID, "err", err)
			continue
		}
		rs.Rules = append(rs.Rules, rule)
	}
	return rs, nil
}

// parseCondition parses a stored condition, accepting either BPQL text or
// the serialized AST form.
func parseCondition(text string) (*bpql.Condition, error) {
	if len(text) > 0 && text[0] == '{' {
		var cond bpql.Condition
		if err := json.Unmarshal([]byte(text), &cond); err != nil {
			return nil, err
		}
		if err := bpql.Normalize(&cond); err != nil {
			return nil, err
		}
		return &cond, nil
	}
	cond, err := bpql.Parse(text)
	if err != nil {
		return nil, err
	}
	if err := bpql.Normalize(cond); err != nil {
		return nil, err
	}
	return cond, nil
}

// AddWindow writes a maintenance window through to the backing store and
// refreshes the snapshot so the change is visible immediately.
func (s *Store) AddWindow(ctx context.Context, w Window) error {
	var cond any
	if w.Condition != nil {
		b, err := json.Marshal(w.Condition)
		if err != nil {
			return fmt.Errorf("encode window condition: %w", err)
		}
		cond = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO maintenances (id, maintenance_key, name, "start", "end", frequency, duration, condition)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.MaintenanceKey, w.Name, w.Start, w.End, w.Frequency, w.Duration, cond)
	if err != nil {
		return fmt.Errorf("insert window %q: %w", w.ID, err)
	}
	return s.Load(ctx)
}

// DeleteWindow removes a maintenance window and refreshes the snapshot.
func (s *Store) DeleteWindow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM maintenances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete window %q: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("window %q not found", id)
	}
	return s.Load(ctx)
}
