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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/event-gateway/pkg/bpql"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(log.NewNopLogger(), sqlx.NewDb(db, "sqlmock"), StoreOptions{}, nil)
	require.NoError(t, err)
	return s, mock
}

func expectEmptyAux(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT tab, key, row FROM mappings`).
		WillReturnRows(sqlmock.NewRows([]string{"tab", "key", "row"}))
	mock.ExpectQuery(`SELECT id, maintenance_key.* FROM maintenances`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "maintenance_key", "name", "start", "end", "frequency", "duration", "condition"}))
	mock.ExpectQuery(`SELECT id, filter, tags.* FROM correlations`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "filter", "tags", "order"}))
}

func TestStoreLoad(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT name, type, "order" FROM enrich_metadata`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "order"}).
			AddRow("base", MatchFirst, 10))
	mock.ExpectQuery(`SELECT id, kind, "order", config FROM enrich_rules`).
		WithArgs("base").
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "order", "config"}).
			AddRow("r2", KindComposition, 20, `{"pairs":[{"destination":"summary","value":"${source}: ${msg}"}]}`).
			AddRow("r1", KindMapping, 10, `{"table":"apps","fields":[{"name":"app_id","role":"query_tag"},{"name":"owner","role":"result_tag"}]}`).
			AddRow("bad", KindMapping, 30, `{not json`))
	mock.ExpectQuery(`SELECT tab, key, row FROM mappings`).
		WillReturnRows(sqlmock.NewRows([]string{"tab", "key", "row"}).
			AddRow("apps", `{"app_id":"42"}`, `{"owner":"alice"}`).
			AddRow("apps", `{"app_id":42}`, `{"owner":"carol"}`))
	mock.ExpectQuery(`SELECT id, maintenance_key.* FROM maintenances`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "maintenance_key", "name", "start", "end", "frequency", "duration", "condition"}).
			AddRow("w1", "mk1", "db upgrade", 1700000000, 1700003600, FreqOnce, nil, `svc = "db*"`).
			AddRow("w2", "mk2", "weekly patching", 1700000000, 1800000000, FreqWeekly, 3600, nil))
	mock.ExpectQuery(`SELECT id, filter, tags.* FROM correlations`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "filter", "tags", "order"}).
			AddRow("corr1", `env = "prod"`, `["service","host"]`, 10))

	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	snap := s.Snapshot()
	require.Len(t, snap.Rulesets, 1)
	rs := snap.Rulesets[0]
	require.Equal(t, "base", rs.Name)
	require.Equal(t, MatchFirst, rs.Type)
	// Malformed rule skipped, remainder sorted by order.
	require.Len(t, rs.Rules, 2)
	require.Equal(t, "r1", rs.Rules[0].ID)
	require.Equal(t, "r2", rs.Rules[1].ID)

	// The numeric and string key forms of 42 collapse to one entry.
	tab := snap.Table("apps")
	require.NotNil(t, tab)
	require.Equal(t, 1, tab.Len())
	row, ok := tab.Lookup(map[string]string{"app_id": "42"})
	require.True(t, ok)
	require.Equal(t, "carol", row["owner"])

	require.Len(t, snap.Windows, 2)
	require.NotNil(t, snap.Windows[0].Condition)
	require.Nil(t, snap.Windows[1].Condition)
	require.EqualValues(t, 3600, snap.Windows[1].Duration)

	require.Len(t, snap.Correlations, 1)
	require.Equal(t, []string{"host", "service"}, snap.Correlations[0].Tags)
}

func TestStoreLoadKeepsPreviousOnError(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT name, type, "order" FROM enrich_metadata`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "order"}))
	expectEmptyAux(mock)
	require.NoError(t, s.Load(context.Background()))
	prev := s.Snapshot()

	mock.ExpectQuery(`SELECT name, type, "order" FROM enrich_metadata`).
		WillReturnError(context.DeadlineExceeded)
	require.Error(t, s.Load(context.Background()))
	require.Same(t, prev, s.Snapshot())
}

func TestStoreEmptySnapshotBeforeLoad(t *testing.T) {
	s, _ := newTestStore(t)
	snap := s.Snapshot()
	require.NotNil(t, snap)
	require.Empty(t, snap.Rulesets)
	require.Nil(t, snap.Table("missing"))
}

func TestStoreAddDeleteWindow(t *testing.T) {
	s, mock := newTestStore(t)

	cond := bpql.Leaf(bpql.OpEq, "svc", bpql.String("db"))
	mock.ExpectExec(`INSERT INTO maintenances`).
		WithArgs("w1", "mk1", "db upgrade", int64(100), int64(200), FreqOnce, int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT name, type, "order" FROM enrich_metadata`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "order"}))
	expectEmptyAux(mock)

	require.NoError(t, s.AddWindow(context.Background(), Window{
		ID: "w1", MaintenanceKey: "mk1", Name: "db upgrade",
		Start: 100, End: 200, Frequency: FreqOnce, Condition: cond,
	}))

	mock.ExpectExec(`DELETE FROM maintenances`).
		WithArgs("w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT name, type, "order" FROM enrich_metadata`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "order"}))
	expectEmptyAux(mock)
	require.NoError(t, s.DeleteWindow(context.Background(), "w1"))

	mock.ExpectExec(`DELETE FROM maintenances`).
		WithArgs("nope").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.Error(t, s.DeleteWindow(context.Background(), "nope"))

	require.NoError(t, mock.ExpectationsWereMet())
}
