package markethours

import "time"

type day struct {
	month time.Month
	day   int
}

// NYSE full-day closures.
var nyseHolidays = map[int][]day{
	2025: {
		{time.January, 1},   // New Year's Day
		{time.January, 9},   // National Day of Mourning
		{time.January, 20},  // Martin Luther King Jr. Day
		{time.February, 17}, // Washington's Birthday
		{time.April, 18},    // Good Friday
		{time.May, 26},      // Memorial Day
		{time.June, 19},     // Juneteenth
		{time.July, 4},      // Independence Day
		{time.September, 1}, // Labor Day
		{time.November, 27}, // Thanksgiving Day
		{time.December, 25}, // Christmas Day
	},
	2026: {
		{time.January, 1},
		{time.January, 19},
		{time.February, 16},
		{time.April, 3},
		{time.May, 25},
		{time.June, 19},
		{time.July, 3}, // Independence Day observed
		{time.September, 7},
		{time.November, 26},
		{time.December, 25},
	},
}

// NYSE early closes at 13:00 ET.
var nyseEarlyCloses = map[int][]day{
	2025: {{time.July, 3}, {time.November, 28}, {time.December, 24}},
	2026: {{time.November, 27}, {time.December, 24}},
}

var (
	holidaySet    = toSet(nyseHolidays)
	earlyCloseSet = toSet(nyseEarlyCloses)
)

func toSet(byYear map[int][]day) map[string]bool {
	out := make(map[string]bool)
	for y, days := range byYear {
		for _, d := range days {
			out[dateKey(y, d.month, d.day)] = true
		}
	}
	return out
}

// IsHoliday returns true if the date (in New York) is an NYSE holiday.
func IsHoliday(t time.Time) bool {
	et := t.In(ET)
	return holidaySet[dateKey(et.Year(), et.Month(), et.Day())]
}

// IsEarlyClose returns true if the session closes at 13:00 ET.
func IsEarlyClose(t time.Time) bool {
	et := t.In(ET)
	return earlyCloseSet[dateKey(et.Year(), et.Month(), et.Day())]
}

func dateKey(year int, month time.Month, day int) string {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}
