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

// Package record provides dotted-path access over JSON-shaped value trees
// as they come out of encoding/json: nested map[string]any and []any with
// string, float64, bool and nil leaves.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotAMap is returned by Set when an intermediate path segment resolves
// to a value that is neither missing nor a map.
var ErrNotAMap = errors.New("cannot create path through non-map value")

// Get returns the value at the dotted path or nil if any segment is missing.
// A numeric segment indexes into a sequence.
func Get(data any, path string) any {
	current := data
	for _, key := range strings.Split(path, ".") {
		switch c := current.(type) {
		case map[string]any:
			current = c[key]
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(c) {
				return nil
			}
			current = c[i]
		default:
			return nil
		}
	}
	return current
}

// Set writes value at the dotted path, creating intermediate maps as needed.
// It fails with ErrNotAMap if the path traverses an existing non-map value.
func Set(data map[string]any, path string, value any) error {
	if path == "" {
		return errors.New("path must be a non-empty string")
	}
	keys := strings.Split(path, ".")
	current := data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key]
		if !ok || next == nil {
			m := map[string]any{}
			current[key] = m
			current = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: segment %q in path %q", ErrNotAMap, key, path)
		}
		current = m
	}
	current[keys[len(keys)-1]] = value
	return nil
}

// Delete removes the value at the dotted path. Missing paths are a no-op.
func Delete(data map[string]any, path string) {
	keys := strings.Split(path, ".")
	current := data
	for _, key := range keys[:len(keys)-1] {
		m, ok := current[key].(map[string]any)
		if !ok {
			return
		}
		current = m
	}
	delete(current, keys[len(keys)-1])
}

// MakePath prepends prefix to path. A leading dot marks path as absolute:
// the dot is stripped and the prefix ignored.
func MakePath(prefix, path string) string {
	if strings.HasPrefix(path, ".") {
		return path[1:]
	}
	return prefix + path
}

// Stringify renders a value the way the regex operators expect it: maps as
// compact JSON, sequences as newline-joined elements, scalars directly.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			parts = append(parts, Stringify(e))
		}
		return strings.Join(parts, "\n")
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Prune removes falsy values from maps and sequences: nil, empty string and
// empty containers are dropped while boolean false and numeric zero stay.
func Prune(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			if isFalsy(e) {
				continue
			}
			out[k] = Prune(e)
		}
		return out
	case []any:
		out := make([]any, 0, len(x))
		for _, e := range x {
			if isFalsy(e) {
				continue
			}
			out = append(out, Prune(e))
		}
		return out
	default:
		return v
	}
}

func isFalsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case map[string]any:
		return len(x) == 0
	case []any:
		return len(x) == 0
	default:
		// Booleans and numbers are never pruned, zero or not.
		return false
	}
}

// Clone deep-copies a JSON-shaped value tree.
func Clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Clone(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}
