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

package enrich

import (
	"fmt"
	"time"

	"github.com/incidentops/event-gateway/pkg/bpql"
	"github.com/incidentops/event-gateway/pkg/rules"
)

const (
	day  = 24 * 60 * 60
	week = 7 * day
)

// ActiveNow reports whether the window's time predicate holds at now.
// Once windows are active between start and end. Daily and weekly windows
// are active for the configured duration after each recurrence anchor,
// starting at the original start time.
func ActiveNow(w rules.Window, now time.Time) bool {
	ts := now.Unix()
	switch w.Frequency {
	case rules.FreqOnce:
		return w.Start <= ts && ts <= w.End
	case rules.FreqDaily:
		return recurring(w.Start, w.Duration, day, ts)
	case rules.FreqWeekly:
		return recurring(w.Start, w.Duration, week, ts)
	}
	return false
}

func recurring(start, duration, period, now int64) bool {
	if now < start {
		return false
	}
	anchor := start + ((now-start)/period)*period
	return now <= anchor+duration
}

// AppliedWindow is an active window that matched a record, with its times
// rendered in the store's display zone.
type AppliedWindow struct {
	Window     rules.Window
	StartLocal string
	EndLocal   string
}

// Summary renders the window for human display on the record.
func (a AppliedWindow) Summary() string {
	return fmt.Sprintf("%s (%s to %s)", a.Window.Name, a.StartLocal, a.EndLocal)
}

const windowTimeFormat = "2006-01-02 15:04:05 MST"

// ActiveWindows returns every window that is active at now and whose
// condition matches the record.
func ActiveWindows(windows []rules.Window, rec map[string]any, prefix string, now time.Time, loc *time.Location) []AppliedWindow {
	if loc == nil {
		loc = time.UTC
	}
	var applied []AppliedWindow
	for _, w := range windows {
		if !ActiveNow(w, now) {
			continue
		}
		ok, err := bpql.Evaluate(w.Condition, rec, prefix)
		if err != nil || !ok {
			continue
		}
		applied = append(applied, AppliedWindow{
			Window:     w,
			StartLocal: time.Unix(w.Start, 0).In(loc).Format(windowTimeFormat),
			EndLocal:   time.Unix(w.End, 0).In(loc).Format(windowTimeFormat),
		})
	}
	return applied
}
