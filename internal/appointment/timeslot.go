package appointment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const DayLayout = "2006-01-02"

var ErrInvalidDay = errors.New("invalid day")

// ParseTimeSlot parses a 12-hour "H:MM AM/PM" label into a 24-hour clock
// time. 12 AM is midnight and 12 PM is noon. Anything else is rejected.
func ParseTimeSlot(label string) (hour, minute int, ok bool) {
	parts := strings.Split(strings.TrimSpace(label), " ")
	if len(parts) != 2 {
		return 0, 0, false
	}

	hm := strings.Split(parts[0], ":")
	if len(hm) != 2 || len(hm[0]) == 0 || len(hm[0]) > 2 || len(hm[1]) != 2 {
		return 0, 0, false
	}

	if !allDigits(hm[0]) || !allDigits(hm[1]) {
		return 0, 0, false
	}
	h, err := strconv.Atoi(hm[0])
	if err != nil || h < 1 || h > 12 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(hm[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}

	switch strings.ToUpper(parts[1]) {
	case "AM":
		if h == 12 {
			h = 0
		}
	case "PM":
		if h != 12 {
			h += 12
		}
	default:
		return 0, 0, false
	}

	return h, m, true
}

// CanonicalTimeSlot returns the stored form of label: no leading zero on
// the hour and an upper-case meridiem, so "09:00 am" becomes "9:00 AM".
func CanonicalTimeSlot(label string) (string, bool) {
	h, m, ok := ParseTimeSlot(label)
	if !ok {
		return "", false
	}
	meridiem := "AM"
	if h >= 12 {
		meridiem = "PM"
	}
	h12 := h % 12
	if h12 == 0 {
		h12 = 12
	}
	return fmt.Sprintf("%d:%02d %s", h12, m, meridiem), true
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// SlotTime combines a day and a slot label into a wall-clock instant in loc.
func SlotTime(day, label string, loc *time.Location) (time.Time, bool) {
	d, err := ParseDay(day, loc)
	if err != nil {
		return time.Time{}, false
	}
	h, m, ok := ParseTimeSlot(label)
	if !ok {
		return time.Time{}, false
	}
	return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc), true
}

// IsPastSlot reports whether the slot on day has already started at now.
// Only slots on now's calendar day can be past; unparsable input is never
// past.
func IsPastSlot(day, label string, now time.Time, loc *time.Location) bool {
	if day != DayKey(now, loc) {
		return false
	}
	at, ok := SlotTime(day, label, loc)
	if !ok {
		return false
	}
	return at.Before(now)
}

// DayKey truncates t to its calendar day in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}

// ParseDay accepts a YYYY-MM-DD day, or any longer ISO timestamp whose first
// ten characters are one.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	if len(s) > len(DayLayout) {
		s = s[:len(DayLayout)]
	}
	d, err := time.ParseInLocation(DayLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDay, s)
	}
	return d, nil
}

// NormalizeDay returns the canonical YYYY-MM-DD form of s.
func NormalizeDay(s string) (string, error) {
	d, err := ParseDay(s, time.UTC)
	if err != nil {
		return "", err
	}
	return d.Format(DayLayout), nil
}

// AddDays shifts a YYYY-MM-DD day by n calendar days.
func AddDays(day string, n int) (string, error) {
	d, err := ParseDay(day, time.UTC)
	if err != nil {
		return "", err
	}
	return d.AddDate(0, 0, n).Format(DayLayout), nil
}
