package models

import "time"

// Window is the half-open UTC interval [Start, End) over which events are
// queried and metrics computed.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow normalizes both instants to UTC.
func NewWindow(start, end time.Time) Window {
	return Window{Start: start.UTC(), End: end.UTC()}
}

// Trailing returns the window covering the last n days ending at end. The
// subtraction is an explicit duration, not calendar day arithmetic, so it
// behaves the same across month boundaries.
func Trailing(days int, end time.Time) Window {
	end = end.UTC()
	return Window{
		Start: end.Add(-time.Duration(days) * 24 * time.Hour),
		End:   end,
	}
}

// Contains reports whether t falls inside the half-open interval.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Days is the number of whole days the window spans, clamped to a minimum
// of 1 so per-day rates never divide by zero.
func (w Window) Days() int {
	d := int(w.End.Sub(w.Start).Hours() / 24)
	if d < 1 {
		return 1
	}
	return d
}

// IsZero reports whether both bounds are unset.
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}
