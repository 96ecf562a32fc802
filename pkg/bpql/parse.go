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
	"errors"
	"fmt"
	"strings"
)

// ErrParse is wrapped by all parse failures.
var ErrParse = errors.New("condition parse error")

// Parse converts a textual condition into its AST. The grammar is:
//
//	expr  := term (OR term)*
//	term  := factor (AND factor)*
//	factor:= '(' expr ')' | leaf
//	leaf  := FIELD OP VALUE with OP in {=, !=, IN, NOT IN} and VALUE a
//	         bracketed list, a double-quoted literal, or /regex/
//
// AND binds tighter than OR; parentheses group explicitly. Quoted literals
// containing * become case-insensitive patterns, as do /.../ values.
// An empty input yields a nil condition, which evaluates to true.
func Parse(text string) (*Condition, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	cond, err := parseExpr(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w (in %q)", ErrParse, err, text)
	}
	return cond, nil
}

func parseExpr(text string) (*Condition, error) {
	text = stripOuterParens(text)
	operands, connectors, err := splitTop(text)
	if err != nil {
		return nil, err
	}
	if len(operands) == 1 {
		return parseFactor(operands[0])
	}

	// Group runs of AND-joined operands, then join the groups with OR.
	var orChildren []*Condition
	group := []string{operands[0]}
	flush := func() error {
		node, err := parseAndGroup(group)
		if err != nil {
			return err
		}
		orChildren = append(orChildren, node)
		group = group[:0]
		return nil
	}
	for i, conn := range connectors {
		if conn == OpOr {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		group = append(group, operands[i+1])
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(orChildren) == 1 {
		return orChildren[0], nil
	}
	return &Condition{Op: OpOr, Children: orChildren}, nil
}

func parseAndGroup(parts []string) (*Condition, error) {
	if len(parts) == 1 {
		return parseFactor(parts[0])
	}
	children := make([]*Condition, 0, len(parts))
	for _, p := range parts {
		c, err := parseFactor(p)
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	return &Condition{Op: OpAnd, Children: children}, nil
}

func parseFactor(text string) (*Condition, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "(") {
		return parseExpr(text)
	}
	return parseLeaf(text)
}

// stripOuterParens removes parentheses that wrap the entire expression.
func stripOuterParens(text string) string {
	text = strings.TrimSpace(text)
	for strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") {
		depth := 0
		wraps := true
		for i, r := range text {
			switch r {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 && i != len(text)-1 {
					wraps = false
				}
			}
			if !wraps {
				break
			}
		}
		if !wraps {
			return text
		}
		text = strings.TrimSpace(text[1 : len(text)-1])
	}
	return text
}

// splitTop splits an expression on AND/OR connectives at paren depth zero,
// respecting quoted literals, bracketed lists and slash-delimited regexes.
func splitTop(text string) (operands, connectors []string, err error) {
	var (
		depth    int
		start    int
		inQuote  rune
		inChunk  rune // '[' or '/' while inside a list or regex
	)
	isBoundary := func(i int) bool {
		return i < 0 || i >= len(text) || text[i] == ' ' || text[i] == '(' || text[i] == ')'
	}
	for i := 0; i < len(text); i++ {
		ch := rune(text[i])
		switch {
		case inQuote != 0:
			if ch == inQuote {
				inQuote = 0
			}
		case inChunk == '[':
			if ch == '"' || ch == '\'' {
				inQuote = ch
			} else if ch == ']' {
				inChunk = 0
			}
		case inChunk == '/':
			if ch == '/' {
				inChunk = 0
			}
		case ch == '"' || ch == '\'':
			inQuote = ch
		case ch == '[':
			inChunk = '['
		case ch == '/':
			inChunk = '/'
		case ch == '(':
			depth++
		case ch == ')':
			depth--
			if depth < 0 {
				return nil, nil, errors.New("unbalanced parentheses")
			}
		case depth == 0 && ch == 'A' && strings.HasPrefix(text[i:], "AND") && isBoundary(i-1) && isBoundary(i+3):
			operands = append(operands, strings.TrimSpace(text[start:i]))
			connectors = append(connectors, OpAnd)
			i += 2
			start = i + 1
		case depth == 0 && ch == 'O' && strings.HasPrefix(text[i:], "OR") && isBoundary(i-1) && isBoundary(i+2):
			operands = append(operands, strings.TrimSpace(text[start:i]))
			connectors = append(connectors, OpOr)
			i++
			start = i + 1
		}
	}
	if inQuote != 0 || inChunk != 0 {
		return nil, nil, errors.New("unterminated literal")
	}
	if depth != 0 {
		return nil, nil, errors.New("unbalanced parentheses")
	}
	operands = append(operands, strings.TrimSpace(text[start:]))
	for _, op := range operands {
		if op == "" {
			return nil, nil, errors.New("empty operand")
		}
	}
	return operands, connectors, nil
}

func parseLeaf(text string) (*Condition, error) {
	text = strings.TrimSpace(text)

	// Field: a dotted identifier, optionally with a leading dot for
	// absolute paths.
	i := 0
	for i < len(text) && isFieldByte(text[i]) {
		i++
	}
	if i == 0 {
		return nil, fmt.Errorf("expected field name at %q", text)
	}
	field := text[:i]
	rest := strings.TrimSpace(text[i:])

	var op string
	switch {
	case strings.HasPrefix(rest, "!="):
		op, rest = OpNe, rest[2:]
	case strings.HasPrefix(rest, "="):
		op, rest = OpEq, rest[1:]
	case strings.HasPrefix(rest, "NOT IN"):
		op, rest = OpNotIn, rest[6:]
	case strings.HasPrefix(rest, "IN"):
		op, rest = OpIn, rest[2:]
	default:
		return nil, fmt.Errorf("expected operator after field %q", field)
	}
	rest = strings.TrimSpace(rest)

	switch op {
	case OpIn, OpNotIn:
		list, err := parseList(rest)
		if err != nil {
			return nil, err
		}
		return &Condition{Op: op, Field: field, List: list}, nil
	default:
		atom, err := parseValue(rest)
		if err != nil {
			return nil, err
		}
		return &Condition{Op: op, Field: field, Value: atom}, nil
	}
}

func parseValue(text string) (Atom, error) {
	switch {
	case strings.HasPrefix(text, "/") && strings.HasSuffix(text, "/") && len(text) >= 2:
		return Regex(text[1 : len(text)-1]), nil
	case strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) && len(text) >= 2:
		return atomFromLiteral(text[1 : len(text)-1]), nil
	case strings.HasPrefix(text, `'`) && strings.HasSuffix(text, `'`) && len(text) >= 2:
		return atomFromLiteral(text[1 : len(text)-1]), nil
	default:
		return Atom{}, fmt.Errorf("expected quoted literal, list or /regex/, got %q", text)
	}
}

func parseList(text string) ([]Atom, error) {
	if !strings.HasPrefix(text, "[") || !strings.HasSuffix(text, "]") {
		return nil, fmt.Errorf("expected bracketed list, got %q", text)
	}
	inner := strings.TrimSpace(text[1 : len(text)-1])
	if inner == "" {
		return nil, nil
	}
	var (
		list    []Atom
		start   int
		inQuote rune
	)
	emit := func(s string) error {
		a, err := parseValue(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		list = append(list, a)
		return nil
	}
	for i, r := range inner {
		switch {
		case inQuote != 0:
			if r == inQuote {
				inQuote = 0
			}
		case r == '"' || r == '\'':
			inQuote = r
		case r == ',':
			if err := emit(inner[start:i]); err != nil {
				return nil, err
			}
			start = i + 1
		}
	}
	if err := emit(inner[start:]); err != nil {
		return nil, err
	}
	return list, nil
}

// atomFromLiteral promotes glob-ish literals to patterns: a * in a quoted
// string means "match anything here" to rule authors.
func atomFromLiteral(s string) Atom {
	if strings.Contains(s, "*") {
		return Regex(s)
	}
	return String(s)
}

func isFieldByte(b byte) bool {
	return b == '.' || b == '_' || b == '-' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
