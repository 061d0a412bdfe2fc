// Package schedule computes when a tenant's recurring scan is next due.
// The calculator is a pure function of the recurrence configuration and an
// injected clock, so the trigger loop stays testable without wall time.
package schedule

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Frequency of a recurring scan.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// DefaultTolerance is the window within which an occurrence just behind
// "now" still counts as due. The trigger loop ticks once a minute, so one
// minute keeps every occurrence observable exactly once.
const DefaultTolerance = time.Minute

// Config is a tenant's recurrence configuration, stored as JSON on the
// tenant record.
type Config struct {
	Enabled   bool      `json:"enabled"`
	Frequency Frequency `json:"frequency"`
	// Time is "HH:MM", 24-hour, UTC. Invalid values fall back to 00:00.
	Time string `json:"time"`
	// DayOfWeek is 0=Monday .. 6=Sunday, weekly only.
	DayOfWeek int `json:"day_of_week"`
	// DayOfMonth is 1..31, monthly only; clamped to the target month.
	DayOfMonth int `json:"day_of_month"`
}

// Parse decodes a stored schedule. ok is false when the schedule is
// absent, disabled, or has an unknown frequency.
func Parse(raw []byte) (Config, bool) {
	if len(raw) == 0 {
		return Config{}, false
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, false
	}
	if !cfg.Enabled {
		return Config{}, false
	}
	switch cfg.Frequency {
	case Daily, Weekly, Monthly:
		return cfg, true
	}
	return Config{}, false
}

// Next returns the next due instant strictly after now, except that an
// occurrence within DefaultTolerance behind now is returned as-is so the
// trigger loop can observe it.
func Next(cfg Config, now time.Time) (time.Time, bool) {
	return NextWithTolerance(cfg, now, DefaultTolerance)
}

// NextWithTolerance is Next with an explicit tolerance window.
func NextWithTolerance(cfg Config, now time.Time, tolerance time.Duration) (time.Time, bool) {
	hour, minute := parseClock(cfg.Time)
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)

	switch cfg.Frequency {
	case Daily:
		if withinTolerance(today, now, tolerance) || today.After(now) {
			return today, true
		}
		return today.AddDate(0, 0, 1), true

	case Weekly:
		daysAhead := cfg.DayOfWeek - mondayWeekday(now)
		candidate := today.AddDate(0, 0, daysAhead)
		if daysAhead == 0 && withinTolerance(candidate, now, tolerance) {
			return candidate, true
		}
		// A target day earlier in the week, or today, rolls to next week.
		if daysAhead <= 0 {
			candidate = candidate.AddDate(0, 0, 7)
		}
		return candidate, true

	case Monthly:
		dom := cfg.DayOfMonth
		if dom <= 0 {
			dom = 1
		}
		candidate := monthlyOccurrence(now.Year(), now.Month(), dom, hour, minute)
		if now.Day() == candidate.Day() && withinTolerance(candidate, now, tolerance) {
			return candidate, true
		}
		if now.Day() >= candidate.Day() {
			year, month := now.Year(), now.Month()+1
			if month > time.December {
				year, month = year+1, time.January
			}
			candidate = monthlyOccurrence(year, month, dom, hour, minute)
		}
		return candidate, true
	}
	return time.Time{}, false
}

// Due reports whether the schedule's next occurrence falls at or within
// tolerance behind now.
func Due(cfg Config, now time.Time, tolerance time.Duration) bool {
	next, ok := NextWithTolerance(cfg, now, tolerance)
	if !ok {
		return false
	}
	return !next.After(now.UTC())
}

// parseClock parses "HH:MM"; malformed or out-of-range values default to
// midnight rather than failing.
func parseClock(s string) (hour, minute int) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0
	}
	return hour, minute
}

// mondayWeekday maps time.Weekday to the 0=Monday convention.
func mondayWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func monthlyOccurrence(year int, month time.Month, dom, hour, minute int) time.Time {
	if last := daysIn(year, month); dom > last {
		dom = last
	}
	return time.Date(year, month, dom, hour, minute, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func withinTolerance(candidate, now time.Time, tolerance time.Duration) bool {
	if candidate.After(now) {
		return false
	}
	return now.Sub(candidate) < tolerance
}
