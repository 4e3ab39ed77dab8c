// Package schedule computes when the engine is allowed to send: the UK
// business-hours window and per-sender/per-domain cooldowns. Everything
// here is pure; callers pass the clock in.
package schedule

import (
	"sync"
	"time"
)

// Business hours are 06:00-21:00 Europe/London. The allowed-day set
// currently includes all seven days; the weekend handling below is kept
// for the day the set shrinks again.
const (
	BusinessHoursStart = 6
	BusinessHoursEnd   = 21
)

var businessDays = map[time.Weekday]bool{
	time.Monday:    true,
	time.Tuesday:   true,
	time.Wednesday: true,
	time.Thursday:  true,
	time.Friday:    true,
	time.Saturday:  true,
	time.Sunday:    true,
}

var (
	ukOnce sync.Once
	ukLoc  *time.Location
)

func ukLocation() *time.Location {
	ukOnce.Do(func() {
		loc, err := time.LoadLocation("Europe/London")
		if err != nil {
			// Europe/London is in every tzdata shipment; if it is
			// missing the binary is misbuilt and UTC is the least
			// wrong answer.
			loc = time.UTC
		}
		ukLoc = loc
	})
	return ukLoc
}

// IsBusinessHours reports whether t falls inside the UK send window.
// DST (GMT/BST) is handled by the timezone database.
func IsBusinessHours(t time.Time) bool {
	uk := t.In(ukLocation())
	if !businessDays[uk.Weekday()] {
		return false
	}
	h := uk.Hour()
	return h >= BusinessHoursStart && h < BusinessHoursEnd
}

// NextAllowedUKBusinessTime returns the earliest instant >= t that
// satisfies IsBusinessHours, in UTC.
//
// Rules: inside the window t is returned unchanged; before 06:00 local
// the same day at 06:00; at or after 21:00 local the next day at 06:00.
func NextAllowedUKBusinessTime(t time.Time) time.Time {
	loc := ukLocation()
	uk := t.In(loc)

	atStart := func(d time.Time) time.Time {
		return time.Date(d.Year(), d.Month(), d.Day(), BusinessHoursStart, 0, 0, 0, loc)
	}

	// Disallowed day: advance to the next allowed day at 06:00.
	// Unreachable while businessDays covers the whole week.
	if !businessDays[uk.Weekday()] {
		next := uk.AddDate(0, 0, 1)
		for !businessDays[next.Weekday()] {
			next = next.AddDate(0, 0, 1)
		}
		return atStart(next).UTC()
	}

	switch h := uk.Hour(); {
	case h < BusinessHoursStart:
		return atStart(uk).UTC()
	case h < BusinessHoursEnd:
		return t.UTC()
	default:
		next := uk.AddDate(0, 0, 1)
		for !businessDays[next.Weekday()] {
			next = next.AddDate(0, 0, 1)
		}
		return atStart(next).UTC()
	}
}

// HoursUntilBusinessHours returns how long until the window opens, zero
// if it is already open.
func HoursUntilBusinessHours(t time.Time) float64 {
	d := NextAllowedUKBusinessTime(t).Sub(t.UTC())
	if d < 0 {
		return 0
	}
	return d.Hours()
}
