// Package clock is the single time authority for exam sessions. Every
// function here is pure: "now" is always passed in by the caller, and all
// instants are returned in UTC.
package clock

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Phase is the position of an instant relative to an exam window.
type Phase string

const (
	PhaseScheduled Phase = "scheduled"
	PhaseActive    Phase = "active"
	PhaseEnded     Phase = "ended"
)

// Window is the absolute [Start, End) interval of an exam.
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

var (
	// ErrInvalidDuration is returned for non-positive exam durations.
	ErrInvalidDuration = errors.New("duration must be positive")
	// ErrInvalidSchedule is returned when the date or time cannot be parsed.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

var dateLayouts = []string{"2006-01-02"}

var timeLayouts = []string{"15:04", "15:04:05"}

// ComputeWindow converts an exam's schedule into absolute UTC instants.
//
// scheduledDate is either a full RFC 3339 instant, whose zone is honored, or
// a YYYY-MM-DD date. A date is combined with startTime (HH:MM or HH:MM:SS,
// midnight when empty) and interpreted in loc, the exam's declared zone.
// A nil loc means UTC. The server's local zone is never consulted.
func ComputeWindow(scheduledDate, startTime string, durationMinutes int, loc *time.Location) (Window, error) {
	if durationMinutes <= 0 {
		return Window{}, ErrInvalidDuration
	}
	if loc == nil {
		loc = time.UTC
	}

	start, err := parseStart(strings.TrimSpace(scheduledDate), strings.TrimSpace(startTime), loc)
	if err != nil {
		return Window{}, err
	}

	start = start.UTC()
	return Window{
		Start: start,
		End:   start.Add(time.Duration(durationMinutes) * time.Minute),
	}, nil
}

func parseStart(date, clockTime string, loc *time.Location) (time.Time, error) {
	if date == "" {
		return time.Time{}, fmt.Errorf("%w: scheduled date is required", ErrInvalidSchedule)
	}

	if t, err := time.Parse(time.RFC3339, date); err == nil {
		if clockTime == "" {
			return t, nil
		}
		// An instant with a separate clock time keeps its calendar day in its own zone.
		date = t.Format("2006-01-02")
		loc = t.Location()
	}

	var day time.Time
	var err error
	for _, layout := range dateLayouts {
		day, err = time.ParseInLocation(layout, date, loc)
		if err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidSchedule, date)
	}

	if clockTime == "" {
		return day, nil
	}

	for _, layout := range timeLayouts {
		tod, err := time.Parse(layout, clockTime)
		if err == nil {
			return time.Date(day.Year(), day.Month(), day.Day(),
				tod.Hour(), tod.Minute(), tod.Second(), 0, loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: start time %q", ErrInvalidSchedule, clockTime)
}

// LoadLocation resolves an IANA zone name, defaulting to UTC when empty.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: time zone %q", ErrInvalidSchedule, name)
	}
	return loc, nil
}

// Remaining returns the time left until end, never negative.
func Remaining(now, end time.Time) time.Duration {
	d := end.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RemainingSeconds returns Remaining truncated to whole seconds.
func RemainingSeconds(now, end time.Time) int64 {
	return int64(Remaining(now, end) / time.Second)
}

// Classify places now relative to [start, end).
func Classify(now, start, end time.Time) Phase {
	switch {
	case now.Before(start):
		return PhaseScheduled
	case now.Before(end):
		return PhaseActive
	default:
		return PhaseEnded
	}
}

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// System reads the server wall clock in UTC.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now().UTC() }
