package reconciler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PhaseKind is where an instant falls relative to a downtime window
type PhaseKind string

const (
	PhaseBefore PhaseKind = "before"
	PhaseInside PhaseKind = "inside"
	PhaseAfter  PhaseKind = "after"
)

// Phase is the evaluation of a window at an instant. Occurrence is the
// start of the window occurrence the phase refers to.
type Phase struct {
	Kind       PhaseKind
	Occurrence time.Time
}

// Window is a parsed downtime window. A daily window recurs every day at
// the same clock times and may wrap past midnight.
type Window struct {
	Daily bool

	// Absolute bounds, set when Daily is false
	Start time.Time
	End   time.Time

	// Offsets from midnight, set when Daily is true
	StartClock time.Duration
	EndClock   time.Duration

	loc *time.Location
}

var (
	ErrEmptyBound  = errors.New("window bound is empty")
	ErrMixedWindow = errors.New("window mixes a daily and an absolute bound")
	ErrEmptyRange  = errors.New("window end is not after start")
)

var absoluteLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

var clockLayouts = []string{
	"15:04",
	"15:04:05",
}

// ParseWindow parses the stored start and end of a downtime window.
// Bounds without a zone are read in loc.
func ParseWindow(start, end string, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.Local
	}

	s, sDaily, err := parseBound(start, loc)
	if err != nil {
		return Window{}, fmt.Errorf("start: %w", err)
	}
	e, eDaily, err := parseBound(end, loc)
	if err != nil {
		return Window{}, fmt.Errorf("end: %w", err)
	}
	if sDaily != eDaily {
		return Window{}, ErrMixedWindow
	}

	if sDaily {
		return Window{
			Daily:      true,
			StartClock: sinceMidnight(s),
			EndClock:   sinceMidnight(e),
			loc:        loc,
		}, nil
	}
	if !e.After(s) {
		return Window{}, ErrEmptyRange
	}
	return Window{Start: s, End: e, loc: loc}, nil
}

func parseBound(v string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, ErrEmptyBound
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, false, nil
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, false, nil
		}
	}
	for _, layout := range clockLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognized time %q", v)
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
}

// Evaluate places now relative to the window.
// Absolute windows are Before start, Inside [start, end) and After end.
// Daily windows are never Before: outside an occurrence the phase is
// After the most recent one.
func (w Window) Evaluate(now time.Time) Phase {
	if !w.Daily {
		switch {
		case now.Before(w.Start):
			return Phase{Kind: PhaseBefore, Occurrence: w.Start}
		case now.Before(w.End):
			return Phase{Kind: PhaseInside, Occurrence: w.Start}
		default:
			return Phase{Kind: PhaseAfter, Occurrence: w.Start}
		}
	}

	local := now.In(w.loc)
	today := w.at(local, 0, w.StartClock)
	yesterday := w.at(local, -1, w.StartClock)
	todayEnd := w.end(today)

	switch {
	case !local.Before(today) && local.Before(todayEnd):
		return Phase{Kind: PhaseInside, Occurrence: today}
	case local.Before(w.end(yesterday)):
		return Phase{Kind: PhaseInside, Occurrence: yesterday}
	case !local.Before(todayEnd):
		return Phase{Kind: PhaseAfter, Occurrence: today}
	default:
		return Phase{Kind: PhaseAfter, Occurrence: yesterday}
	}
}

// at returns the instant at clock on the day offset from t's date
func (w Window) at(t time.Time, days int, clock time.Duration) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+days,
		int(clock/time.Hour), int(clock%time.Hour/time.Minute), int(clock%time.Minute/time.Second),
		0, w.loc)
}

// end returns the end of the daily occurrence starting at start
func (w Window) end(start time.Time) time.Time {
	if w.EndClock <= w.StartClock {
		return w.at(start, 1, w.EndClock)
	}
	return w.at(start, 0, w.EndClock)
}

func (w Window) String() string {
	if w.Daily {
		return fmt.Sprintf("daily %s-%s", formatClock(w.StartClock), formatClock(w.EndClock))
	}
	return fmt.Sprintf("%s-%s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

func formatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute), int(d%time.Minute/time.Second))
}
