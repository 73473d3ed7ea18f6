package temporal

import (
	"sort"
	"time"
)

// Calendar describes blackout periods during which timers must not fire.
type Calendar interface {
	// NextOpen returns the earliest instant at or after t that is outside
	// every blackout. ok is false when the calendar never opens again.
	NextOpen(t time.Time) (next time.Time, ok bool)
}

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowCalendar is a set of absolute blackout windows, e.g. maintenance
// slots or public holidays.
type WindowCalendar struct {
	windows []Window
}

// NewWindowCalendar creates a calendar from windows. Overlapping and
// adjacent windows are merged; empty windows are ignored.
func NewWindowCalendar(windows ...Window) *WindowCalendar {
	ws := make([]Window, 0, len(windows))
	for _, w := range windows {
		if w.End.After(w.Start) {
			ws = append(ws, w)
		}
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].Start.Before(ws[j].Start) })

	merged := ws[:0]
	for _, w := range ws {
		if n := len(merged); n > 0 && !w.Start.After(merged[n-1].End) {
			if w.End.After(merged[n-1].End) {
				merged[n-1].End = w.End
			}
			continue
		}
		merged = append(merged, w)
	}
	return &WindowCalendar{windows: merged}
}

func (c *WindowCalendar) NextOpen(t time.Time) (time.Time, bool) {
	i := sort.Search(len(c.windows), func(i int) bool { return c.windows[i].End.After(t) })
	if i < len(c.windows) && !t.Before(c.windows[i].Start) {
		return c.windows[i].End, true
	}
	return t, true
}

// DailyWindow is a blackout repeating every day, given as offsets from
// local midnight. A window with To <= From wraps past midnight.
type DailyWindow struct {
	From time.Duration
	To   time.Duration
}

// DailyCalendar repeats its windows every day in Location, e.g. "no
// reminders between 22:00 and 07:00".
type DailyCalendar struct {
	Location *time.Location
	Windows  []DailyWindow
}

func (c *DailyCalendar) NextOpen(t time.Time) (time.Time, bool) {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}

	// Each pass can only move t to the end of a window; a fixed point is
	// reached after at most one pass per window plus one.
	for range 2*len(c.Windows) + 2 {
		moved := false
		for _, w := range c.Windows {
			if end, in := c.inside(t.In(loc), w); in {
				t = end
				moved = true
			}
		}
		if !moved {
			return t, true
		}
	}
	return t, false
}

// inside reports whether t falls into the occurrence of w that started
// today or yesterday, and returns the end of that occurrence.
func (c *DailyCalendar) inside(t time.Time, w DailyWindow) (time.Time, bool) {
	length := w.To - w.From
	if length <= 0 {
		length += 24 * time.Hour
	}
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())

	for _, day := range []time.Time{midnight.AddDate(0, 0, -1), midnight} {
		start := day.Add(w.From)
		end := start.Add(length)
		if !t.Before(start) && t.Before(end) {
			return end, true
		}
	}
	return time.Time{}, false
}
