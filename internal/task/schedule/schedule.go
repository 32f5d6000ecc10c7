// Package schedule computes fire times for recurring tasks.
//
// Three forms are supported, exactly one per task:
//   - fixed delay ("recurs"): run, then wait a fixed duration
//   - daily at a wall-clock time ("time_of_day")
//   - cron expression ("cron"), 5 or 6 fields or a descriptor like "@hourly"
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalid = errors.New("invalid schedule")

// Schedule yields the fire times of a recurring task.
type Schedule interface {
	// Initial returns the first fire time for a task registered at now.
	Initial(now time.Time) time.Time
	// Next returns the first fire time strictly after t.
	// A zero time means the schedule never fires again.
	Next(t time.Time) time.Time
	String() string
}

// parser accepts both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ---- fixed delay ----

type fixedDelay struct {
	every time.Duration
}

// FixedDelay fires immediately on registration, then every d after each run.
func FixedDelay(d time.Duration) (Schedule, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: delay must be > 0", ErrInvalid)
	}
	return fixedDelay{every: d}, nil
}

func (s fixedDelay) Initial(now time.Time) time.Time { return now }

func (s fixedDelay) Next(t time.Time) time.Time {
	// cron.Every rounds to whole seconds; keep sub-second delays exact.
	if s.every < time.Second {
		return t.Add(s.every)
	}
	return cron.Every(s.every).Next(t)
}

func (s fixedDelay) String() string { return "recurs " + s.every.String() }

// ---- daily ----

// Clock is a wall-clock time of day.
type Clock struct {
	Hour, Minute, Second int
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second) }

func (c Clock) seconds() int { return c.Hour*3600 + c.Minute*60 + c.Second }

type daily struct {
	times []Clock
	loc   *time.Location
}

// Daily fires every day at each of the given times in loc (time.Local if nil).
func Daily(loc *time.Location, times ...Clock) (Schedule, error) {
	if len(times) == 0 {
		return nil, fmt.Errorf("%w: at least one time of day required", ErrInvalid)
	}
	if loc == nil {
		loc = time.Local
	}
	ts := append([]Clock(nil), times...)
	for _, c := range ts {
		if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 || c.Second < 0 || c.Second > 59 {
			return nil, fmt.Errorf("%w: time of day %s out of range", ErrInvalid, c)
		}
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].seconds() < ts[j].seconds() })
	return daily{times: ts, loc: loc}, nil
}

func (s daily) Initial(now time.Time) time.Time { return s.Next(now) }

func (s daily) Next(t time.Time) time.Time {
	lt := t.In(s.loc)
	y, m, d := lt.Date()
	// Two days is enough to find the next slot, DST gaps included.
	for day := 0; day < 3; day++ {
		for _, c := range s.times {
			cand := time.Date(y, m, d+day, c.Hour, c.Minute, c.Second, 0, s.loc)
			if cand.After(t) {
				return cand
			}
		}
	}
	return time.Time{}
}

func (s daily) String() string {
	parts := make([]string, 0, len(s.times))
	for _, c := range s.times {
		parts = append(parts, c.String())
	}
	return "daily " + strings.Join(parts, ",") + " " + s.loc.String()
}

// ---- cron ----

type cronSchedule struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
}

// Cron parses expr with the package parser; times are evaluated in loc.
func Cron(expr string, loc *time.Location) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: cron expression required", ErrInvalid)
	}
	if loc == nil {
		loc = time.Local
	}
	sc, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalid, expr, err)
	}
	return cronSchedule{expr: expr, sched: sc, loc: loc}, nil
}

func (s cronSchedule) Initial(now time.Time) time.Time { return s.Next(now) }

func (s cronSchedule) Next(t time.Time) time.Time {
	return s.sched.Next(t.In(s.loc))
}

func (s cronSchedule) String() string { return "cron " + s.expr }
