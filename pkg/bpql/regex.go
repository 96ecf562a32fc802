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
	"regexp"
	"strings"
	"sync"
)

// ErrInvalidRegex is returned when a pattern does not compile even after
// broken-regex repair.
var ErrInvalidRegex = errors.New("invalid regex")

// FixPattern repairs user-authored "glob-ish" patterns: every * not preceded
// by a dot becomes .*, and every unescaped parenthesis is escaped. Operators
// routinely receive such patterns from systems where * means "anything".
func FixPattern(p string) string {
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		ch := p[i]
		switch {
		case ch == '*' && (i == 0 || p[i-1] != '.'):
			b.WriteString(".*")
		case (ch == '(' || ch == ')') && (i == 0 || p[i-1] != '\\'):
			b.WriteByte('\\')
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// Compiled patterns are shared process-wide: the same handful of rule
// patterns is evaluated against every record.
var (
	regexCacheMtx sync.RWMutex
	regexCache    = map[string]*regexp.Regexp{}
)

func compileCached(pattern string) (*regexp.Regexp, error) {
	regexCacheMtx.RLock()
	re, ok := regexCache[pattern]
	regexCacheMtx.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCacheMtx.Lock()
	regexCache[pattern] = re
	regexCacheMtx.Unlock()
	return re, nil
}

// compile resolves an atom's pattern to a compiled regex per its kind.
// Regex atoms are repaired and matched case-insensitively. Formal-regex
// atoms compile strictly and case-sensitively, with one repair attempt as
// a fallback.
func (a Atom) compile() (*regexp.Regexp, error) {
	switch a.Kind {
	case AtomRegex:
		re, err := compileCached("(?i)" + FixPattern(a.Pattern))
		if err != nil {
			return nil, errors.Join(ErrInvalidRegex, err)
		}
		return re, nil
	case AtomFormalRegex:
		re, err := compileCached(a.Pattern)
		if err == nil {
			return re, nil
		}
		re, err = compileCached(FixPattern(a.Pattern))
		if err != nil {
			return nil, errors.Join(ErrInvalidRegex, err)
		}
		return re, nil
	}
	return nil, errors.Join(ErrInvalidRegex, errors.New("atom is not a pattern"))
}

// CompileFormal compiles a pattern as-is, with no repair and no case
// folding. Used for extraction regexes, where repairing would escape the
// capture groups away.
func CompileFormal(pattern string) (*regexp.Regexp, error) {
	re, err := compileCached(pattern)
	if err != nil {
		return nil, errors.Join(ErrInvalidRegex, err)
	}
	return re, nil
}

// CompileSourceSystem compiles a rule's selected_source_system pattern,
// which is always treated as a repairable case-insensitive regex.
func CompileSourceSystem(pattern string) (*regexp.Regexp, error) {
	re, err := compileCached("(?i)" + FixPattern(pattern))
	if err != nil {
		return nil, errors.Join(ErrInvalidRegex, err)
	}
	return re, nil
}
