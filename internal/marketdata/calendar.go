package marketdata

import "time"

// MoexCalendar models the MOEX main trading session: 10:00-18:45 Moscow time,
// Monday through Friday. Exchange holidays are injected by configuration.
type MoexCalendar struct {
	loc      *time.Location
	holidays map[string]bool // "2006-01-02" -> closed
}

func NewMoexCalendar(holidays []string) *MoexCalendar {
	h := make(map[string]bool, len(holidays))
	for _, d := range holidays {
		h[d] = true
	}
	return &MoexCalendar{loc: MoscowLocation(), holidays: h}
}

// MoscowLocation resolves the venue timezone. Trading days and session keys
// are defined in Moscow time, never UTC.
func MoscowLocation() *time.Location {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		// Fixed offset fallback; Moscow has no DST since 2014.
		return time.FixedZone("MSK", 3*60*60)
	}
	return loc
}

const (
	sessionOpenHour    = 10
	sessionCloseHour   = 18
	sessionCloseMinute = 45
)

func (c *MoexCalendar) IsMarketOpen(t time.Time) bool {
	mt := t.In(c.loc)
	if !c.isTradingDay(mt) {
		return false
	}
	open := time.Date(mt.Year(), mt.Month(), mt.Day(), sessionOpenHour, 0, 0, 0, c.loc)
	close := time.Date(mt.Year(), mt.Month(), mt.Day(), sessionCloseHour, sessionCloseMinute, 0, 0, c.loc)
	return !mt.Before(open) && mt.Before(close)
}

func (c *MoexCalendar) NextOpen(t time.Time) time.Time {
	mt := t.In(c.loc)
	for i := 0; i < 14; i++ { // bounded scan covers any holiday cluster
		open := time.Date(mt.Year(), mt.Month(), mt.Day(), sessionOpenHour, 0, 0, 0, c.loc)
		if c.isTradingDay(mt) && mt.Before(open) {
			return open
		}
		mt = time.Date(mt.Year(), mt.Month(), mt.Day(), 0, 0, 0, 0, c.loc).AddDate(0, 0, 1)
	}
	return mt
}

func (c *MoexCalendar) isTradingDay(mt time.Time) bool {
	wd := mt.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.holidays[mt.Format("2006-01-02")]
}
