package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCalendar(t *testing.T, holidays ...string) *Calendar {
	t.Helper()
	c, err := New("Asia/Jerusalem", Window{9, 20}, Window{9, 15}, holidays)
	require.NoError(t, err)
	return c
}

// localTime builds an instant in the calendar's region.
func localTime(t *testing.T, c *Calendar, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, c.Location())
	require.NoError(t, err)
	return ts
}

func TestParseWindow(t *testing.T) {
	t.Run("parses valid window", func(t *testing.T) {
		w, err := ParseWindow("9-20")
		require.NoError(t, err)
		assert.Equal(t, Window{9, 20}, w)
	})

	t.Run("rejects inverted window", func(t *testing.T) {
		_, err := ParseWindow("20-9")
		assert.Error(t, err)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := ParseWindow("nine to five")
		assert.Error(t, err)
	})
}

func TestIsSendable(t *testing.T) {
	c := testCalendar(t)

	tests := []struct {
		name string
		at   string
		want bool
	}{
		{"sunday mid-morning", "2025-03-02 10:30", true},
		{"thursday evening inside window", "2025-03-06 19:30", true},
		{"thursday at end boundary is outside", "2025-03-06 20:00", false},
		{"thursday before window opens", "2025-03-06 08:59", false},
		{"friday short window", "2025-03-07 14:00", true},
		{"friday after short window", "2025-03-07 16:00", false},
		{"saturday fully blocked", "2025-03-08 11:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.IsSendable(localTime(t, c, tt.at)))
		})
	}

	t.Run("holiday fully blocked", func(t *testing.T) {
		c := testCalendar(t, "2025-03-04")
		assert.False(t, c.IsSendable(localTime(t, c, "2025-03-04 11:00")))
	})
}

func TestIsWithinWindow(t *testing.T) {
	c := testCalendar(t)

	assert.True(t, c.IsWithinWindow(localTime(t, c, "2025-03-03 10:00"), 9, 12))
	assert.False(t, c.IsWithinWindow(localTime(t, c, "2025-03-03 12:00"), 9, 12))
	// Blocked day fails regardless of hour.
	assert.False(t, c.IsWithinWindow(localTime(t, c, "2025-03-08 10:00"), 9, 12))
}

func TestNextSendableInstant(t *testing.T) {
	c := testCalendar(t)

	t.Run("valid instant is returned unchanged", func(t *testing.T) {
		from := localTime(t, c, "2025-03-02 10:30")
		got, err := c.NextSendableInstant(from)
		require.NoError(t, err)
		assert.True(t, got.Equal(from))
	})

	t.Run("before window moves to window start", func(t *testing.T) {
		got, err := c.NextSendableInstant(localTime(t, c, "2025-03-02 06:15"))
		require.NoError(t, err)
		assert.True(t, got.Equal(localTime(t, c, "2025-03-02 09:00")))
	})

	t.Run("past window rolls to next day", func(t *testing.T) {
		got, err := c.NextSendableInstant(localTime(t, c, "2025-03-02 21:00"))
		require.NoError(t, err)
		assert.True(t, got.Equal(localTime(t, c, "2025-03-03 09:00")))
	})

	t.Run("saturday rolls to sunday", func(t *testing.T) {
		got, err := c.NextSendableInstant(localTime(t, c, "2025-03-08 11:00"))
		require.NoError(t, err)
		assert.True(t, got.Equal(localTime(t, c, "2025-03-09 09:00")))
	})

	t.Run("holiday right after weekend keeps rolling", func(t *testing.T) {
		// 2025-03-08 is Saturday, 2025-03-09 is a holiday.
		c := testCalendar(t, "2025-03-09")
		got, err := c.NextSendableInstant(localTime(t, c, "2025-03-08 11:00"))
		require.NoError(t, err)
		assert.True(t, got.Equal(localTime(t, c, "2025-03-10 09:00")))
	})

	t.Run("result always satisfies IsSendable", func(t *testing.T) {
		from := localTime(t, c, "2025-03-06 19:00")
		for i := 0; i < 21*24; i++ {
			probe := from.Add(time.Duration(i) * time.Hour)
			got, err := c.NextSendableInstant(probe)
			require.NoError(t, err)
			assert.True(t, c.IsSendable(got), "probe %s returned %s", probe, got)
			assert.False(t, got.Before(probe))
		}
	})

	t.Run("fully blocked calendar gives up", func(t *testing.T) {
		holidays := make([]string, 0, 20)
		day := localTime(t, c, "2025-03-02 00:00")
		for i := 0; i < 20; i++ {
			holidays = append(holidays, day.AddDate(0, 0, i).Format("2006-01-02"))
		}
		blocked := testCalendar(t, holidays...)
		_, err := blocked.NextSendableInstant(localTime(t, c, "2025-03-02 10:00"))
		assert.Error(t, err)
	})
}

func TestNextSendableInWindow(t *testing.T) {
	c := testCalendar(t)
	w := Window{9, 13}

	t.Run("inside window is returned unchanged", func(t *testing.T) {
		from := localTime(t, c, "2025-03-03 10:00")
		got, err := c.NextSendableInWindow(from, w)
		require.NoError(t, err)
		assert.True(t, got.Equal(from))
	})

	t.Run("after window rolls to next day window start", func(t *testing.T) {
		got, err := c.NextSendableInWindow(localTime(t, c, "2025-03-03 16:00"), w)
		require.NoError(t, err)
		assert.True(t, got.Equal(localTime(t, c, "2025-03-04 09:00")))
	})

	t.Run("before window moves to window start", func(t *testing.T) {
		got, err := c.NextSendableInWindow(localTime(t, c, "2025-03-03 07:00"), w)
		require.NoError(t, err)
		assert.True(t, got.Equal(localTime(t, c, "2025-03-03 09:00")))
	})

	t.Run("saturday rolls to sunday window start", func(t *testing.T) {
		got, err := c.NextSendableInWindow(localTime(t, c, "2025-03-08 10:00"), w)
		require.NoError(t, err)
		assert.True(t, got.Equal(localTime(t, c, "2025-03-09 09:00")))
	})

	t.Run("window clipped by short friday", func(t *testing.T) {
		// Friday 16:00 with window 15-18: no overlap with the 9-15 day
		// window, so the send lands Sunday 15:00.
		got, err := c.NextSendableInWindow(localTime(t, c, "2025-03-07 16:00"), Window{15, 18})
		require.NoError(t, err)
		assert.True(t, got.Equal(localTime(t, c, "2025-03-09 15:00")))
	})
}

func TestEveningReminderTimes(t *testing.T) {
	c := testCalendar(t)

	t.Run("trigger before 18:00 lands same day 19:00", func(t *testing.T) {
		// Thursday 17:30.
		first, second, err := c.EveningReminderTimes(localTime(t, c, "2025-03-06 17:30"))
		require.NoError(t, err)
		assert.True(t, first.Equal(localTime(t, c, "2025-03-06 19:00")))
		assert.True(t, second.Equal(localTime(t, c, "2025-03-06 20:00")))
	})

	t.Run("trigger at 18:30 rolls past short friday to sunday", func(t *testing.T) {
		// Thursday 18:30: next-day 19:00 falls after Friday's 15:00 close,
		// so the reminder rolls to Sunday's window start.
		first, second, err := c.EveningReminderTimes(localTime(t, c, "2025-03-06 18:30"))
		require.NoError(t, err)
		assert.True(t, first.Equal(localTime(t, c, "2025-03-09 09:00")))
		assert.True(t, second.Equal(localTime(t, c, "2025-03-09 10:00")))
	})

	t.Run("second reminder is always one hour after first", func(t *testing.T) {
		first, second, err := c.EveningReminderTimes(localTime(t, c, "2025-03-03 12:00"))
		require.NoError(t, err)
		assert.Equal(t, time.Hour, second.Sub(first))
	})
}
