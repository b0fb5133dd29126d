package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestStep_FridaySkipsWeekend(t *testing.T) {
	c := New()
	friday := date(2026, 10, 16)
	require.Equal(t, time.Friday, friday.Weekday())

	assert.Equal(t, date(2026, 10, 19), c.Step(friday, 1))
	assert.Equal(t, date(2026, 10, 21), c.Step(friday, 3))
}

func TestStep_SkipsHolidays(t *testing.T) {
	// Monday 2026-10-19 and Tuesday 2026-10-20 are holidays.
	c, err := ParseHolidays([]string{"2026-10-19", "2026-10-20"})
	require.NoError(t, err)

	got := c.Step(date(2026, 10, 16), 1)
	assert.Equal(t, date(2026, 10, 21), got)
	assert.True(t, c.IsBusinessDay(got))
}

func TestStep_NeverReturnsHoliday(t *testing.T) {
	c := New(date(2026, 12, 25), date(2026, 1, 1))
	start := date(2026, 12, 20)
	for i := 0; i < 20; i++ {
		for n := 0; n <= 3; n++ {
			got := c.Step(start.AddDate(0, 0, i), n)
			assert.True(t, c.IsBusinessDay(got), "step(%s, %d) = %s", start.AddDate(0, 0, i), n, got)
		}
	}
}

func TestStep_ZeroOnBusinessDayIsIdentity(t *testing.T) {
	c := New()
	wed := time.Date(2026, 10, 21, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, date(2026, 10, 21), c.Step(wed, 0))
	assert.Equal(t, date(2026, 10, 26), c.Step(date(2026, 10, 24), 0))
}

func TestStep_KeepsLocation(t *testing.T) {
	seoul := time.FixedZone("KST", 9*3600)
	fri := time.Date(2026, 10, 16, 23, 0, 0, 0, seoul)
	got := New().Step(fri, 1)
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, seoul), got)
}

func TestParseHolidays_Invalid(t *testing.T) {
	_, err := ParseHolidays([]string{"2026/10/19"})
	assert.Error(t, err)
}
