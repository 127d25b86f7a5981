package appointment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeSlot(t *testing.T) {
	tests := []struct {
		label  string
		hour   int
		minute int
		ok     bool
	}{
		{"9:00 AM", 9, 0, true},
		{"09:30 AM", 9, 30, true},
		{"12:30 PM", 12, 30, true},
		{"12:00 AM", 0, 0, true},
		{"1:15 pm", 13, 15, true},
		{" 11:45 PM ", 23, 45, true},
		{"13:00 PM", 0, 0, false},
		{"0:30 AM", 0, 0, false},
		{"9:60 AM", 0, 0, false},
		{"9:5 AM", 0, 0, false},
		{"9:00", 0, 0, false},
		{"9:00 XM", 0, 0, false},
		{"9:00  AM", 0, 0, false},
		{"nine AM", 0, 0, false},
		{"11:+5 AM", 0, 0, false},
		{"+9:00 AM", 0, 0, false},
		{"-1:00 PM", 0, 0, false},
		{"9:-0 AM", 0, 0, false},
		{"", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			h, m, ok := ParseTimeSlot(tt.label)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.hour, h)
				assert.Equal(t, tt.minute, m)
			}
		})
	}
}

func TestCanonicalTimeSlot(t *testing.T) {
	tests := map[string]string{
		"9:00 AM":    "9:00 AM",
		"09:00 am":   "9:00 AM",
		" 11:00 Am ": "11:00 AM",
		"12:05 am":   "12:05 AM",
		"12:30 pm":   "12:30 PM",
		"01:15 PM":   "1:15 PM",
	}
	for in, want := range tests {
		got, ok := CanonicalTimeSlot(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := CanonicalTimeSlot("11:+5 AM")
	assert.False(t, ok)
}

func TestIsPastSlot(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, loc)

	assert.True(t, IsPastSlot("2026-03-10", "1:00 PM", now, loc))
	assert.False(t, IsPastSlot("2026-03-10", "2:00 PM", now, loc), "slot starting exactly now is not past")
	assert.False(t, IsPastSlot("2026-03-10", "3:00 PM", now, loc))
	assert.False(t, IsPastSlot("2026-03-11", "1:00 PM", now, loc), "tomorrow is never past")
	assert.False(t, IsPastSlot("2026-03-09", "1:00 PM", now, loc), "only today's slots are compared")
	assert.False(t, IsPastSlot("2026-03-10", "garbage", now, loc))
	assert.False(t, IsPastSlot("2026-03-10", "11:+5 AM", now, loc))
}

func TestIsPastSlot_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	// 20:00 UTC on the 10th is 01:00 on the 11th in loc
	now := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)

	assert.True(t, IsPastSlot("2026-03-11", "12:30 AM", now, loc))
	assert.False(t, IsPastSlot("2026-03-10", "9:00 AM", now, loc))
}

func TestDayHelpers(t *testing.T) {
	day, err := NormalizeDay("2026-03-10T08:15:00.000Z")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", day)

	_, err = NormalizeDay("10/03/2026")
	assert.ErrorIs(t, err, ErrInvalidDay)

	prev, err := AddDays("2026-03-01", -7)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-22", prev)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusBooked, StatusInConsultation))
	assert.True(t, CanTransition(StatusBooked, StatusCancelled))
	assert.True(t, CanTransition(StatusInConsultation, StatusCompleted))
	assert.True(t, CanTransition(StatusInConsultation, StatusCancelled))

	assert.False(t, CanTransition(StatusBooked, StatusCompleted))
	assert.False(t, CanTransition(StatusInConsultation, StatusBooked))
	assert.False(t, CanTransition(StatusBooked, StatusBooked))
	for _, to := range []Status{StatusBooked, StatusInConsultation, StatusCompleted, StatusCancelled} {
		assert.False(t, CanTransition(StatusCompleted, to))
		assert.False(t, CanTransition(StatusCancelled, to))
	}
}
