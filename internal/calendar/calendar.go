// Package calendar answers "may a message be sent at instant T" against a
// fixed region's business-hours table and a holiday date list. All checks
// map the input instant into the region's local time; no other timezone
// handling happens anywhere in the service.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a half-open hour range [Start, End) in local time. An instant
// whose hour equals End is outside the window.
type Window struct {
	Start int
	End   int
}

func (w Window) Contains(hour int) bool {
	return hour >= w.Start && hour < w.End
}

// ParseWindow parses "9-20" into Window{9, 20}.
func ParseWindow(s string) (Window, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("window %q: want startHour-endHour", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Window{}, fmt.Errorf("window %q: bad start hour", s)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Window{}, fmt.Errorf("window %q: bad end hour", s)
	}
	if start < 0 || end > 24 || start >= end {
		return Window{}, fmt.Errorf("window %q: hours out of range", s)
	}
	return Window{Start: start, End: end}, nil
}

// maxRollDays caps the forward-rolling search so a misconfigured holiday
// list cannot make NextSendableInstant loop forever.
const maxRollDays = 14

// eveningReminderHour / eveningCutoffHour drive the one-time reminder pair:
// triggers before the cutoff get the reminder the same evening, later
// triggers get it the next calendar day.
const (
	eveningReminderHour = 19
	eveningCutoffHour   = 18
)

type Calendar struct {
	loc           *time.Location
	weekdayWindow Window // Sunday..Thursday
	fridayWindow  Window
	holidays      map[string]struct{} // YYYY-MM-DD in local time
}

// New builds a Calendar for the given IANA timezone. Saturdays and listed
// holiday dates are fully blocked.
func New(timezone string, weekday, friday Window, holidays []string) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	hm := make(map[string]struct{}, len(holidays))
	for _, h := range holidays {
		d := strings.TrimSpace(h)
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("holiday %q: %w", h, err)
		}
		hm[d] = struct{}{}
	}
	return &Calendar{
		loc:           loc,
		weekdayWindow: weekday,
		fridayWindow:  friday,
		holidays:      hm,
	}, nil
}

func (c *Calendar) Location() *time.Location {
	return c.loc
}

func (c *Calendar) isHoliday(t time.Time) bool {
	_, ok := c.holidays[t.Format("2006-01-02")]
	return ok
}

// dayWindow returns the send window for t's calendar day, or ok=false when
// the whole day is blocked (Saturday or holiday).
func (c *Calendar) dayWindow(t time.Time) (Window, bool) {
	if c.isHoliday(t) {
		return Window{}, false
	}
	switch t.Weekday() {
	case time.Saturday:
		return Window{}, false
	case time.Friday:
		return c.fridayWindow, true
	default:
		return c.weekdayWindow, true
	}
}

// IsSendable reports whether instant t falls inside the region's general
// send window.
func (c *Calendar) IsSendable(t time.Time) bool {
	local := t.In(c.loc)
	w, ok := c.dayWindow(local)
	if !ok {
		return false
	}
	return w.Contains(local.Hour())
}

// IsSendableNow is IsSendable against the wall clock.
func (c *Calendar) IsSendableNow() bool {
	return c.IsSendable(time.Now())
}

// IsWithinWindow reports whether t's local hour falls inside [start, end)
// on a non-blocked day. Used for per-stage hour windows.
func (c *Calendar) IsWithinWindow(t time.Time, start, end int) bool {
	local := t.In(c.loc)
	if _, ok := c.dayWindow(local); !ok {
		return false
	}
	return Window{Start: start, End: end}.Contains(local.Hour())
}

// NextSendableInstant returns the earliest instant at or after from that
// satisfies IsSendable. When from itself is valid it is returned unchanged.
// A candidate on a blocked day or past the day's window rolls forward to
// the next valid day's window start; a candidate before the window opens
// moves to that day's window start.
func (c *Calendar) NextSendableInstant(from time.Time) (time.Time, error) {
	local := from.In(c.loc)

	for i := 0; i <= maxRollDays; i++ {
		w, ok := c.dayWindow(local)
		if ok {
			hour := local.Hour()
			switch {
			case w.Contains(hour):
				if i == 0 {
					return local, nil
				}
				return c.atHour(local, w.Start), nil
			case hour < w.Start:
				return c.atHour(local, w.Start), nil
			}
			// Past today's window: fall through to the next day.
		}
		local = c.startOfNextDay(local)
	}
	return time.Time{}, fmt.Errorf("no sendable instant within %d days of %s", maxRollDays, from.Format(time.RFC3339))
}

// NextSendableInWindow returns the earliest instant at or after from that
// is sendable and whose local hour falls inside w. Used for stages that
// carry their own hour window narrower than the day's general one.
func (c *Calendar) NextSendableInWindow(from time.Time, w Window) (time.Time, error) {
	local := from.In(c.loc)

	for i := 0; i <= maxRollDays; i++ {
		day, ok := c.dayWindow(local)
		if ok {
			// The stage window only counts where it overlaps the day's
			// general window.
			start := max(w.Start, day.Start)
			end := min(w.End, day.End)
			if start < end {
				hour := local.Hour()
				switch {
				case i == 0 && hour >= start && hour < end:
					return local, nil
				case hour < start || i > 0:
					return c.atHour(local, start), nil
				}
			}
		}
		local = c.startOfNextDay(local)
	}
	return time.Time{}, fmt.Errorf("no sendable instant in window %d-%d within %d days of %s",
		w.Start, w.End, maxRollDays, from.Format(time.RFC3339))
}

// EveningReminderTimes computes the one-time reminder pair for a trigger at
// instant from: before 18:00 local the first reminder lands at 19:00 the same
// day, otherwise at 19:00 the next calendar day; in both cases the candidate
// rolls forward to the next valid window start if 19:00 falls outside that
// day's window. The second reminder is always exactly one hour after the
// first.
func (c *Calendar) EveningReminderTimes(from time.Time) (first, second time.Time, err error) {
	local := from.In(c.loc)

	candidate := c.atHour(local, eveningReminderHour)
	if local.Hour() >= eveningCutoffHour {
		candidate = c.atHour(local.AddDate(0, 0, 1), eveningReminderHour)
	}

	if !c.IsSendable(candidate) {
		candidate, err = c.NextSendableInstant(candidate)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return candidate, candidate.Add(time.Hour), nil
}

func (c *Calendar) atHour(t time.Time, hour int) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, c.loc)
}

func (c *Calendar) startOfNextDay(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, c.loc)
}
