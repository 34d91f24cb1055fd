package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func msk(y int, m time.Month, d, hh, mm int) time.Time {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		loc = time.FixedZone("MSK", 3*60*60)
	}
	return time.Date(y, m, d, hh, mm, 0, 0, loc)
}

func TestIsMarketOpenSessionBounds(t *testing.T) {
	c := NewMoexCalendar(nil)

	// Monday 2025-06-02.
	assert.False(t, c.IsMarketOpen(msk(2025, 6, 2, 9, 59)))
	assert.True(t, c.IsMarketOpen(msk(2025, 6, 2, 10, 0)))
	assert.True(t, c.IsMarketOpen(msk(2025, 6, 2, 18, 44)))
	assert.False(t, c.IsMarketOpen(msk(2025, 6, 2, 18, 45)))
}

func TestIsMarketOpenWeekendsAndHolidays(t *testing.T) {
	c := NewMoexCalendar([]string{"2025-06-12"}) // Russia Day, a Thursday

	assert.False(t, c.IsMarketOpen(msk(2025, 6, 7, 12, 0)))  // Saturday
	assert.False(t, c.IsMarketOpen(msk(2025, 6, 8, 12, 0)))  // Sunday
	assert.False(t, c.IsMarketOpen(msk(2025, 6, 12, 12, 0))) // holiday
	assert.True(t, c.IsMarketOpen(msk(2025, 6, 13, 12, 0)))  // Friday after
}

func TestIsMarketOpenConvertsZones(t *testing.T) {
	c := NewMoexCalendar(nil)
	// 08:00 UTC on a Monday is 11:00 in Moscow.
	assert.True(t, c.IsMarketOpen(time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)))
	// 16:00 UTC is 19:00 in Moscow, after close.
	assert.False(t, c.IsMarketOpen(time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)))
}

func TestNextOpenSkipsClosedDays(t *testing.T) {
	c := NewMoexCalendar([]string{"2025-06-09"}) // Monday holiday

	// Friday evening rolls over the weekend and the Monday holiday.
	next := c.NextOpen(msk(2025, 6, 6, 19, 0))
	assert.Equal(t, msk(2025, 6, 10, 10, 0), next)

	// Early morning of a trading day opens the same day.
	next = c.NextOpen(msk(2025, 6, 4, 8, 0))
	assert.Equal(t, msk(2025, 6, 4, 10, 0), next)
}
