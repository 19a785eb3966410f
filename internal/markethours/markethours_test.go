package markethours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func et(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, ET)
}

func TestIsMarketOpen(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"before open", et(2025, time.March, 3, 9, 29), false},
		{"at open", et(2025, time.March, 3, 9, 30), true},
		{"midday", et(2025, time.March, 3, 12, 0), true},
		{"at close", et(2025, time.March, 3, 16, 0), false},
		{"saturday", et(2025, time.March, 8, 12, 0), false},
		{"good friday", et(2025, time.April, 18, 12, 0), false},
		{"early close before", et(2025, time.November, 28, 12, 59), true},
		{"early close after", et(2025, time.November, 28, 13, 0), false},
		{"utc input", time.Date(2025, time.March, 3, 15, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsMarketOpen(tt.t))
		})
	}
}

func TestNextOpen(t *testing.T) {
	// same day before the open
	assert.Equal(t, et(2025, time.March, 3, 9, 30), NextOpen(et(2025, time.March, 3, 8, 0)))
	// friday after the close rolls to monday, across the DST change
	assert.Equal(t, et(2025, time.March, 10, 9, 30), NextOpen(et(2025, time.March, 7, 17, 0)))
	// thursday before good friday skips the holiday and the weekend
	assert.Equal(t, et(2025, time.April, 21, 9, 30), NextOpen(et(2025, time.April, 17, 16, 30)))
}

func TestTimeUntilClose(t *testing.T) {
	assert.Equal(t, 90*time.Minute, TimeUntilClose(et(2025, time.March, 3, 14, 30)))
	assert.Zero(t, TimeUntilClose(et(2025, time.March, 3, 17, 0)))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "Market Open, closes in 1h30m", StatusString(et(2025, time.March, 3, 14, 30)))
	assert.Equal(t, "Market Closed, opens Mon 09:30 ET (63h30m)", StatusString(et(2025, time.March, 7, 17, 0)))
}
