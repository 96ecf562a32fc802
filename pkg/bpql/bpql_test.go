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

package bpql

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestFixPattern(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"web*", "web.*"},
		{"web.*", "web.*"},
		{"*db*", ".*db.*"},
		{"a(b)c", `a\(b\)c`},
		{`a\(b\)c`, `a\(b\)c`},
		{"plain", "plain"},
	}
	for _, c := range cases {
		if got := FixPattern(c.in); got != c.want {
			t.Errorf("FixPattern(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseSimpleLeaf(t *testing.T) {
	got, err := Parse(`svc = "web"`)
	require.NoError(t, err)
	want := Leaf(OpEq, "svc", String("web"))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected AST (-want +got):\n%s", diff)
	}
}

func TestParseCombined(t *testing.T) {
	got, err := Parse(`(svc = "web*" AND env IN ["prod","stg"])`)
	require.NoError(t, err)
	want := &Condition{Op: OpAnd, Children: []*Condition{
		Leaf(OpEq, "svc", Regex("web*")),
		{Op: OpIn, Field: "env", List: []Atom{String("prod"), String("stg")}},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected AST (-want +got):\n%s", diff)
	}

	rec := map[string]any{"svc": "website", "env": "prod"}
	ok, err := Evaluate(got, rec, "")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestParsePrecedence(t *testing.T) {
	// AND binds tighter than OR.
	got, err := Parse(`a = "1" OR b = "2" AND c = "3"`)
	require.NoError(t, err)
	want := &Condition{Op: OpOr, Children: []*Condition{
		Leaf(OpEq, "a", String("1")),
		{Op: OpAnd, Children: []*Condition{
			Leaf(OpEq, "b", String("2")),
			Leaf(OpEq, "c", String("3")),
		}},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected AST (-want +got):\n%s", diff)
	}
}

func TestParseNested(t *testing.T) {
	got, err := Parse(`(a = "1" OR b = "2") AND c NOT IN ["x", "y*"]`)
	require.NoError(t, err)
	want := &Condition{Op: OpAnd, Children: []*Condition{
		{Op: OpOr, Children: []*Condition{
			Leaf(OpEq, "a", String("1")),
			Leaf(OpEq, "b", String("2")),
		}},
		{Op: OpNotIn, Field: "c", List: []Atom{String("x"), Regex("y*")}},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected AST (-want +got):\n%s", diff)
	}
}

func TestParseSlashRegex(t *testing.T) {
	got, err := Parse(`host = /^db-\d+$/`)
	require.NoError(t, err)
	want := Leaf(OpEq, "host", Regex(`^db-\d+$`))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected AST (-want +got):\n%s", diff)
	}
}

func TestParseValueWithConnectiveWord(t *testing.T) {
	// AND inside a quoted literal must not split the expression.
	got, err := Parse(`msg = "alpha AND beta"`)
	require.NoError(t, err)
	want := Leaf(OpEq, "msg", String("alpha AND beta"))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected AST (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	for _, text := range []string{
		`svc =`,
		`= "web"`,
		`svc ~ "web"`,
		`(svc = "web"`,
		`svc = web`,
	} {
		_, err := Parse(text)
		require.ErrorIs(t, err, ErrParse, "input %q", text)
	}
}

func TestEvaluateNilCondition(t *testing.T) {
	ok, err := Evaluate(nil, map[string]any{"any": "thing"}, "")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateMissingFieldPolarity(t *testing.T) {
	rec := map[string]any{}
	cases := []struct {
		cond *Condition
		want bool
	}{
		{Leaf(OpEq, "x", String("v")), false},
		{Leaf(OpNe, "x", String("v")), true},
		{&Condition{Op: OpIn, Field: "x", List: []Atom{String("v")}}, false},
		{&Condition{Op: OpNotIn, Field: "x", List: []Atom{String("v")}}, true},
	}
	for _, c := range cases {
		got, err := Evaluate(c.cond, rec, "")
		require.NoError(t, err)
		require.Equal(t, c.want, got, "condition %s", c.cond)
	}
}

func TestEvaluateStringCaseInsensitive(t *testing.T) {
	rec := map[string]any{"svc": "Web"}
	ok, err := Evaluate(Leaf(OpEq, "svc", String("wEB")), rec, "")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateRegexSubstring(t *testing.T) {
	rec := map[string]any{"svc": "the-WEBSITE-prod"}
	// Substring search, case-insensitive, * repaired to .*.
	ok, err := Evaluate(Leaf(OpEq, "svc", Regex("web*site")), rec, "")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateFormalRegexCaseSensitive(t *testing.T) {
	rec := map[string]any{"svc": "WEBSITE"}
	ok, err := Evaluate(Leaf(OpEq, "svc", Atom{Kind: AtomFormalRegex, Pattern: "web"}), rec, "")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = Evaluate(Leaf(OpEq, "svc", Atom{Kind: AtomFormalRegex, Pattern: "WEB"}), rec, "")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateNumericLeft(t *testing.T) {
	rec := map[string]any{"code": float64(42)}
	ok, err := Evaluate(Leaf(OpEq, "code", String("42")), rec, "")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluatePrefix(t *testing.T) {
	rec := map[string]any{
		"payload": map[string]any{"custom_details": map[string]any{"env": "prod"}},
		"client":  "top",
	}
	prefix := "payload.custom_details."
	ok, err := Evaluate(Leaf(OpEq, "env", String("prod")), rec, prefix)
	require.NoError(t, err)
	require.True(t, ok)

	// Leading dot escapes the prefix.
	ok, err = Evaluate(Leaf(OpEq, ".client", String("top")), rec, prefix)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateUnsupportedOperator(t *testing.T) {
	_, err := Evaluate(&Condition{Op: "XOR"}, map[string]any{}, "")
	require.ErrorIs(t, err, ErrUnsupportedOperator)
}

func TestConditionJSONRoundTrip(t *testing.T) {
	cond := &Condition{Op: OpAnd, Children: []*Condition{
		Leaf(OpEq, "svc", Regex("web*")),
		{Op: OpIn, Field: "env", List: []Atom{String("prod"), {Kind: AtomFormalRegex, Pattern: "^stg$"}}},
	}}
	b, err := json.Marshal(cond)
	require.NoError(t, err)

	var got Condition
	require.NoError(t, json.Unmarshal(b, &got))
	if diff := cmp.Diff(cond, &got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeReportsBadPattern(t *testing.T) {
	err := Normalize(Leaf(OpEq, "x", Atom{Kind: AtomFormalRegex, Pattern: "[unclosed"}))
	require.ErrorIs(t, err, ErrInvalidRegex)

	// Repairable patterns normalize fine.
	require.NoError(t, Normalize(Leaf(OpEq, "x", Regex("a(b*"))))
}
