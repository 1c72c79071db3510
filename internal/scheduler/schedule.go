package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// IntervalSchedule runs a task at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every creates an interval schedule.
func Every(d time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: d}
}

// Next returns the next run time.
func (s *IntervalSchedule) Next(after time.Time) time.Time {
	return after.Add(s.Interval)
}

// CronSchedule is a five field cron expression: minute hour day-of-month
// month day-of-week. Fields accept *, */n, n-m, n-m/s and comma lists.
type CronSchedule struct {
	expr        string
	minutes     []int
	hours       []int
	daysOfMonth []int
	months      []int
	daysOfWeek  []int
	domAny      bool
	dowAny      bool
}

// Cron parses a cron expression.
//
//	"*/15 * * * *"  every 15 minutes
//	"0 3 * * *"     daily at 03:00
//	"0 0 * * 0"     Sundays at midnight
func Cron(expr string) (*CronSchedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(parts))
	}
	fields := []struct {
		name     string
		min, max int
		out      *[]int
	}{
		{"minute", 0, 59, nil},
		{"hour", 0, 23, nil},
		{"day-of-month", 1, 31, nil},
		{"month", 1, 12, nil},
		{"day-of-week", 0, 6, nil},
	}
	s := &CronSchedule{expr: expr, domAny: parts[2] == "*", dowAny: parts[4] == "*"}
	fields[0].out = &s.minutes
	fields[1].out = &s.hours
	fields[2].out = &s.daysOfMonth
	fields[3].out = &s.months
	fields[4].out = &s.daysOfWeek
	for i, f := range fields {
		vals, err := parseCronField(parts[i], f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", f.name, err)
		}
		*f.out = vals
	}
	return s, nil
}

func (s *CronSchedule) String() string { return s.expr }

// Next returns the first matching minute after the given time, or the zero
// time if none exists within four years.
func (s *CronSchedule) Next(after time.Time) time.Time {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.AddDate(4, 0, 0)
	for t.Before(limit) {
		if !slices.Contains(s.months, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !slices.Contains(s.hours, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !slices.Contains(s.minutes, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// dayMatches follows cron: when both day fields are restricted either may
// match.
func (s *CronSchedule) dayMatches(t time.Time) bool {
	dom := slices.Contains(s.daysOfMonth, t.Day())
	dow := slices.Contains(s.daysOfWeek, int(t.Weekday()))
	switch {
	case s.domAny && s.dowAny:
		return true
	case s.domAny:
		return dow
	case s.dowAny:
		return dom
	}
	return dom || dow
}

func parseCronField(field string, min, max int) ([]int, error) {
	var out []int
	for _, part := range strings.Split(field, ",") {
		rng, stepStr, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step %q", stepStr)
			}
			step = n
		}

		lo, hi := min, max
		if rng != "*" {
			from, to, isRange := strings.Cut(rng, "-")
			var err error
			if lo, err = strconv.Atoi(from); err != nil {
				return nil, fmt.Errorf("invalid value %q", from)
			}
			hi = lo
			if isRange {
				if hi, err = strconv.Atoi(to); err != nil {
					return nil, fmt.Errorf("invalid value %q", to)
				}
			} else if hasStep {
				hi = max
			}
		}
		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("%q out of range %d-%d", part, min, max)
		}
		for v := lo; v <= hi; v += step {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// ParseSchedule accepts a Go duration ("10m") as an interval or a cron
// expression.
func ParseSchedule(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be positive: %s", s)
		}
		return Every(d), nil
	}
	return Cron(s)
}
