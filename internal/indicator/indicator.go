// Package indicator provides streaming technical indicators over prices.
//
// All indicators implement the Indicator interface, receiving one price per
// bar and producing float64 values.
package indicator

import "fmt"

// Indicator is the interface for all technical indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "SMA_20", "EMA_9").
	Name() string

	// Update feeds the next price and recalculates.
	Update(price float64)

	// Value returns the current calculated value. Returns 0 if not enough data.
	Value() float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool

	// Peek computes what Value() would be if price were added next, without
	// mutating internal state.
	Peek(price float64) float64
}

// New builds a moving average by kind: "sma" or "ema".
func New(kind string, period int) (Indicator, error) {
	if period <= 0 {
		return nil, fmt.Errorf("indicator %s: period must be positive, got %d", kind, period)
	}
	switch kind {
	case "sma", "":
		return NewSMA(period), nil
	case "ema":
		return NewEMA(period), nil
	default:
		return nil, fmt.Errorf("unknown moving average %q", kind)
	}
}
