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

	"github.com/incidentops/event-gateway/pkg/record"
)

// ErrUnsupportedOperator is returned for operators outside the known set.
var ErrUnsupportedOperator = errors.New("unsupported operator")

// Evaluate runs a condition against a record. Field paths are resolved
// through the prefix unless they start with a dot. A nil condition is true.
//
// Missing fields have fixed polarity: = and IN are false, != and NOT IN are
// true. A pattern that fails to compile never matches; the failure was
// already reported when the rule was loaded.
func Evaluate(cond *Condition, rec any, prefix string) (bool, error) {
	if cond == nil {
		return true, nil
	}
	switch cond.Op {
	case OpEq, OpNe, OpIn, OpNotIn:
		left := record.Get(rec, record.MakePath(prefix, cond.Field))
		return evalComparison(cond, left)
	case OpAnd:
		for _, ch := range cond.Children {
			ok, err := Evaluate(ch, rec, prefix)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case OpOr:
		for _, ch := range cond.Children {
			ok, err := Evaluate(ch, rec, prefix)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedOperator, cond.Op)
	}
}

func evalComparison(cond *Condition, left any) (bool, error) {
	switch cond.Op {
	case OpEq:
		if left == nil {
			return false, nil
		}
		return matchAtom(record.Stringify(left), cond.Value), nil
	case OpNe:
		if left == nil {
			return true, nil
		}
		return !matchAtom(record.Stringify(left), cond.Value), nil
	case OpIn:
		if left == nil {
			return false, nil
		}
		return matchAny(record.Stringify(left), cond.List), nil
	case OpNotIn:
		if left == nil {
			return true, nil
		}
		return !matchAny(record.Stringify(left), cond.List), nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnsupportedOperator, cond.Op)
}

func matchAny(left string, atoms []Atom) bool {
	for _, a := range atoms {
		if matchAtom(left, a) {
			return true
		}
	}
	return false
}

// matchAtom applies one atom to a stringified left-hand value. String atoms
// compare case-insensitively; pattern atoms do a substring search.
func matchAtom(left string, a Atom) bool {
	if a.Kind == AtomString {
		return strings.EqualFold(left, a.Pattern)
	}
	re, err := a.compile()
	if err != nil {
		return false
	}
	return re.MatchString(left)
}

// Normalize warms the regex cache for every pattern atom in the condition
// and reports the first pattern that does not compile, so that broken rules
// surface at load time rather than silently failing per record.
func Normalize(cond *Condition) error {
	if cond == nil {
		return nil
	}
	check := func(a Atom) error {
		if a.Kind == AtomString {
			return nil
		}
		_, err := a.compile()
		return err
	}
	switch cond.Op {
	case OpEq, OpNe:
		return check(cond.Value)
	case OpIn, OpNotIn:
		for _, a := range cond.List {
			if err := check(a); err != nil {
				return err
			}
		}
	case OpAnd, OpOr:
		for _, ch := range cond.Children {
			if err := Normalize(ch); err != nil {
				return err
			}
		}
	}
	return nil
}
