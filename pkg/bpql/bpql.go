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

// Package bpql implements the textual condition language used by enrichment
// rules, maintenance windows and correlation rules: a parser from the textual
// form into a tagged AST and an evaluator over JSON-shaped records.
package bpql

import (
	"encoding/json"
	"fmt"
)

// Operators of the condition AST.
const (
	OpEq    = "="
	OpNe    = "!="
	OpIn    = "IN"
	OpNotIn = "NOT IN"
	OpAnd   = "AND"
	OpOr    = "OR"
)

// Atom kinds. A plain string compares case-insensitively; a regex atom is
// matched as a case-insensitive substring search after broken-regex repair;
// a formal-regex atom is matched case-sensitively and repaired only as a
// fallback after a failed compile.
const (
	AtomString      = "string"
	AtomRegex       = "regex"
	AtomFormalRegex = "formal-regex"
)

// Atom is a comparison operand: a literal string or a tagged pattern.
type Atom struct {
	Kind    string
	Pattern string
}

// String returns a literal string atom.
func String(s string) Atom { return Atom{Kind: AtomString, Pattern: s} }

// Regex returns a broken-regex-repaired pattern atom.
func Regex(p string) Atom { return Atom{Kind: AtomRegex, Pattern: p} }

// Condition is a node of the tagged condition AST. A nil *Condition
// evaluates to true.
type Condition struct {
	Op       string
	Field    string
	Value    Atom         // for = and !=
	List     []Atom       // for IN and NOT IN
	Children []*Condition // for AND and OR
}

// Leaf builds a comparison node.
func Leaf(op, field string, value Atom) *Condition {
	return &Condition{Op: op, Field: field, Value: value}
}

// atomJSON is the serialized form of an Atom. Literal strings serialize as
// plain JSON strings, patterns as {"kind": ..., "pattern": ...}.
type atomJSON struct {
	Kind    string `json:"kind"`
	Pattern string `json:"pattern"`
}

// MarshalJSON implements json.Marshaler.
func (a Atom) MarshalJSON() ([]byte, error) {
	if a.Kind == AtomString {
		return json.Marshal(a.Pattern)
	}
	return json.Marshal(atomJSON{Kind: a.Kind, Pattern: a.Pattern})
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Atom) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = Atom{Kind: AtomString, Pattern: s}
		return nil
	}
	var t atomJSON
	if err := json.Unmarshal(b, &t); err != nil {
		return fmt.Errorf("invalid condition atom: %s", string(b))
	}
	switch t.Kind {
	case AtomRegex, AtomFormalRegex:
	default:
		return fmt.Errorf("unknown atom kind %q", t.Kind)
	}
	*a = Atom{Kind: t.Kind, Pattern: t.Pattern}
	return nil
}

type conditionJSON struct {
	Op       string       `json:"op"`
	Field    string       `json:"field,omitempty"`
	Value    *Atom        `json:"value,omitempty"`
	List     []Atom       `json:"list,omitempty"`
	Children []*Condition `json:"children,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c *Condition) MarshalJSON() ([]byte, error) {
	out := conditionJSON{Op: c.Op, Field: c.Field}
	switch c.Op {
	case OpEq, OpNe:
		v := c.Value
		out.Value = &v
	case OpIn, OpNotIn:
		out.List = c.List
	case OpAnd, OpOr:
		out.Children = c.Children
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Condition) UnmarshalJSON(b []byte) error {
	var in conditionJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*c = Condition{Op: in.Op, Field: in.Field, List: in.List, Children: in.Children}
	if in.Value != nil {
		c.Value = *in.Value
	}
	switch in.Op {
	case OpEq, OpNe, OpIn, OpNotIn, OpAnd, OpOr:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedOperator, in.Op)
	}
}

// String renders the condition back in roughly its textual form. Meant for
// log output, not for round-tripping.
func (c *Condition) String() string {
	if c == nil {
		return "<always>"
	}
	switch c.Op {
	case OpEq, OpNe:
		return fmt.Sprintf("%s %s %s", c.Field, c.Op, c.Value.debugString())
	case OpIn, OpNotIn:
		items := ""
		for i, a := range c.List {
			if i > 0 {
				items += ", "
			}
			items += a.debugString()
		}
		return fmt.Sprintf("%s %s [%s]", c.Field, c.Op, items)
	case OpAnd, OpOr:
		out := "("
		for i, ch := range c.Children {
			if i > 0 {
				out += " " + c.Op + " "
			}
			out += ch.String()
		}
		return out + ")"
	}
	return fmt.Sprintf("<invalid op %q>", c.Op)
}

func (a Atom) debugString() string {
	switch a.Kind {
	case AtomRegex:
		return "/" + a.Pattern + "/"
	case AtomFormalRegex:
		return "/" + a.Pattern + "/s"
	default:
		return fmt.Sprintf("%q", a.Pattern)
	}
}
