// Package scheduler pushes proactive lessons. At each configured
// wall-clock time it sweeps every known learner, runs a scheduled turn
// for each with bounded concurrency, and delivers the results. One
// learner's failure never affects another's lesson.
package scheduler

import (
	"fmt"
	"slices"
	"time"
)

// ClockTime is a daily wall-clock trigger.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM".
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("clock time %q: want HH:MM", s)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c ClockTime) minutes() int { return c.Hour*60 + c.Minute }

// on returns c on the calendar day of day, in loc.
func (c ClockTime) on(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, loc)
}

// Schedule is a set of daily triggers in one location.
type Schedule struct {
	Times    []ClockTime
	Location *time.Location
}

// NewSchedule parses times ("08:00", …) into a sorted, de-duplicated
// Schedule. A nil loc means time.Local.
func NewSchedule(times []string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	s := Schedule{Location: loc}
	for _, raw := range times {
		ct, err := ParseClockTime(raw)
		if err != nil {
			return Schedule{}, err
		}
		s.Times = append(s.Times, ct)
	}
	slices.SortFunc(s.Times, func(a, b ClockTime) int { return a.minutes() - b.minutes() })
	s.Times = slices.Compact(s.Times)
	return s, nil
}

func (s Schedule) location() *time.Location {
	if s.Location == nil {
		return time.Local
	}
	return s.Location
}

// Next returns the first trigger strictly after after. The zero time is
// returned for an empty schedule.
func (s Schedule) Next(after time.Time) (time.Time, ClockTime) {
	loc := s.location()
	for day := 0; day <= 2; day++ {
		base := after.In(loc).AddDate(0, 0, day)
		for _, ct := range s.Times {
			if t := ct.on(base, loc); t.After(after) {
				return t, ct
			}
		}
	}
	return time.Time{}, ClockTime{}
}

// Previous returns the latest trigger at or before at. The zero time is
// returned for an empty schedule.
func (s Schedule) Previous(at time.Time) (time.Time, ClockTime) {
	loc := s.location()
	for day := 0; day >= -2; day-- {
		base := at.In(loc).AddDate(0, 0, day)
		for i := len(s.Times) - 1; i >= 0; i-- {
			ct := s.Times[i]
			if t := ct.on(base, loc); !t.After(at) {
				return t, ct
			}
		}
	}
	return time.Time{}, ClockTime{}
}

// Status is the state of a sweep.
type Status string

// Sweep statuses.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"  // every attempted learner failed
	StatusSkipped   Status = "skipped" // overlapped a running sweep, or missed its catch-up window
)

// Sweep records one pass over all learners.
type Sweep struct {
	ID          string     `json:"id"` // UUIDv7
	Label       string     `json:"label"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      Status     `json:"status"`
	CatchUp     bool       `json:"catch_up,omitempty"`
	Users       int        `json:"users"`
	Delivered   int        `json:"delivered"`
	Failed      int        `json:"failed"`
	Result      string     `json:"result,omitempty"`
}
