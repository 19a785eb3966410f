package markethours

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// ET is the exchange time zone of NYSE.
var ET = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("markethours: load %s: %v", name, err))
	}
	return loc
}

// Regular session hours in ET.
const (
	OpenHour         = 9
	OpenMinute       = 30
	CloseHour        = 16
	CloseMinute      = 0
	EarlyCloseHour   = 13
	EarlyCloseMinute = 0
)

// IsMarketOpen returns true if t falls within the NYSE regular session
// (9:30 to 16:00 ET, 13:00 on early-close days, Mon to Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	et := t.In(ET)
	if !IsTradingDay(et) {
		return false
	}
	return !et.Before(todayOpen(et)) && et.Before(TodayClose(et))
}

// IsWeekday returns true if t is Mon to Fri in New York.
func IsWeekday(t time.Time) bool {
	wd := t.In(ET).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	et := t.In(ET)
	return IsWeekday(et) && !IsHoliday(et)
}

func todayOpen(et time.Time) time.Time {
	return time.Date(et.Year(), et.Month(), et.Day(), OpenHour, OpenMinute, 0, 0, ET)
}

// NextOpen returns the next session open. If t is before today's open on a
// trading day, returns today's open.
func NextOpen(t time.Time) time.Time {
	et := t.In(ET)
	if open := todayOpen(et); et.Before(open) && IsTradingDay(et) {
		return open
	}
	d := et
	for i := 0; i < 10; i++ {
		d = time.Date(d.Year(), d.Month(), d.Day()+1, 12, 0, 0, 0, ET)
		if IsTradingDay(d) {
			return todayOpen(d)
		}
	}
	return todayOpen(time.Date(et.Year(), et.Month(), et.Day()+1, 12, 0, 0, 0, ET))
}

// TodayClose returns the session close of t's day in ET.
func TodayClose(t time.Time) time.Time {
	et := t.In(ET)
	if IsEarlyClose(et) {
		return time.Date(et.Year(), et.Month(), et.Day(), EarlyCloseHour, EarlyCloseMinute, 0, 0, ET)
	}
	return time.Date(et.Year(), et.Month(), et.Day(), CloseHour, CloseMinute, 0, 0, ET)
}

// TimeUntilClose returns the duration until today's close, 0 once closed.
func TimeUntilClose(t time.Time) time.Duration {
	d := TodayClose(t).Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// TimeUntilOpen returns the duration until the next session open.
func TimeUntilOpen(t time.Time) time.Duration {
	return NextOpen(t).Sub(t)
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(TimeUntilClose(t)))
	}
	next := NextOpen(t)
	et := next.In(ET)
	return fmt.Sprintf("Market Closed, opens %s %s ET (%s)",
		et.Weekday().String()[:3], et.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
