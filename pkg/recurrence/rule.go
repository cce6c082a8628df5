package recurrence

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used for skip lists and task dates.
const DateLayout = "2006-01-02"

// MaxIterations bounds every candidate search so a rule that skips every
// date cannot spin forever.
const MaxIterations = 3660

// ErrNoOccurrence is returned when no valid date is found within MaxIterations steps.
var ErrNoOccurrence = errors.New("no occurrence found")

// Type controls the step unit of a rule.
type Type string

const (
	Daily   Type = "daily"
	Weekly  Type = "weekly"
	Monthly Type = "monthly"
)

// Rule describes when a recurring series repeats.
type Rule struct {
	Type       Type     `json:"type"`
	Interval   int      `json:"interval,omitempty"`
	DaysOfWeek []int    `json:"days_of_week,omitempty"`
	DayOfMonth int      `json:"day_of_month,omitempty"`
	SkipDates  []string `json:"skip_dates,omitempty"`
}

// Validate checks field ranges. Unknown types are accepted and evaluated as daily.
func (r Rule) Validate() error {
	if r.Interval < 0 {
		return fmt.Errorf("interval must be >= 0, got %d", r.Interval)
	}
	for _, d := range r.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("day of week %d out of bounds [0,6]", d)
		}
	}
	if r.DayOfMonth < 0 || r.DayOfMonth > 31 {
		return fmt.Errorf("day of month %d out of bounds [1,31]", r.DayOfMonth)
	}
	for _, s := range r.SkipDates {
		if _, err := time.Parse(DateLayout, s); err != nil {
			return fmt.Errorf("invalid skip date %q: %w", s, err)
		}
	}
	return nil
}

// Skipped reports whether t falls on a date in the skip list.
func (r Rule) Skipped(t time.Time) bool {
	return slices.Contains(r.SkipDates, DateKey(t))
}

// Skip appends the calendar date of t to the skip list. The list only grows.
func (r *Rule) Skip(t time.Time) string {
	key := DateKey(t)
	if !slices.Contains(r.SkipDates, key) {
		r.SkipDates = append(r.SkipDates, key)
	}
	return key
}

// DateKey returns the YYYY-MM-DD date of t in its own location.
func DateKey(t time.Time) string {
	return t.Format(DateLayout)
}

// Next computes the first occurrence strictly after from. Time of day and
// location are carried over from from.
func Next(rule Rule, from time.Time) (time.Time, error) {
	interval := rule.Interval
	if interval <= 0 {
		interval = 1
	}

	switch Type(strings.ToLower(string(rule.Type))) {
	case Daily:
		return advance(rule, from, func(t time.Time) time.Time {
			return t.AddDate(0, 0, interval)
		})
	case Weekly:
		if len(rule.DaysOfWeek) > 0 {
			return nextWeekday(rule, from)
		}
		return advance(rule, from, func(t time.Time) time.Time {
			return t.AddDate(0, 0, 7*interval)
		})
	case Monthly:
		return advance(rule, from, func(t time.Time) time.Time {
			day := rule.DayOfMonth
			if day == 0 {
				day = t.Day()
			}
			return addMonthsClamped(t, interval, day)
		})
	default:
		return advance(rule, from, func(t time.Time) time.Time {
			return t.AddDate(0, 0, 1)
		})
	}
}

func advance(rule Rule, from time.Time, step func(time.Time) time.Time) (time.Time, error) {
	candidate := from
	for i := 0; i < MaxIterations; i++ {
		candidate = step(candidate)
		if !rule.Skipped(candidate) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w after %d steps from %s", ErrNoOccurrence, MaxIterations, DateKey(from))
}

func nextWeekday(rule Rule, from time.Time) (time.Time, error) {
	candidate := from
	for i := 0; i < MaxIterations; i++ {
		candidate = candidate.AddDate(0, 0, 1)
		if slices.Contains(rule.DaysOfWeek, int(candidate.Weekday())) && !rule.Skipped(candidate) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w after %d steps from %s", ErrNoOccurrence, MaxIterations, DateKey(from))
}

// addMonthsClamped moves t forward by months and sets the day, clamping to
// the last day of the target month when it is shorter.
func addMonthsClamped(t time.Time, months, day int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	first = first.AddDate(0, months, 0)
	if last := daysIn(first.Year(), first.Month(), t.Location()); day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
