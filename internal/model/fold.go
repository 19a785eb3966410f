package model

import (
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Fold materializes current state from a position event log: the latest
// event per (symbol, strategy, asset class) wins, and keys whose latest
// event is a tombstone are dropped. Events with equal timestamps keep their
// log order. The result is sorted by symbol, asset class, strategy.
func Fold(events []Position) []Position {
	latest := LatestByKey(events)
	out := make([]Position, 0, len(latest))
	for _, p := range latest {
		if p.Deleted {
			continue
		}
		out = append(out, p)
	}
	SortByKey(out)
	return out
}

// LatestByKey returns the newest event of every key, tombstones included,
// using the same ordering as Fold.
func LatestByKey(events []Position) map[Key]Position {
	ordered := make([]Position, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	latest := make(map[Key]Position, len(ordered))
	for _, ev := range ordered {
		latest[ev.Key()] = ev
	}
	return latest
}

// SortByKey orders rows by symbol, asset class and strategy.
func SortByKey(rows []Position) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.AssetClass != b.AssetClass {
			return a.AssetClass < b.AssetClass
		}
		return a.Strategy < b.Strategy
	})
}

// GroupByInstrument groups rows by (symbol, asset class), preserving order.
func GroupByInstrument(rows []Position) map[InstrumentKey][]Position {
	out := make(map[InstrumentKey][]Position)
	for _, r := range rows {
		k := r.Instrument()
		out[k] = append(out[k], r)
	}
	return out
}

// SumPositions returns the signed quantity total of rows.
func SumPositions(rows []Position) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Position)
	}
	return total
}

// Filter is an equality/boolean predicate over position rows. Empty string
// fields match anything; Strategy and Deleted are pointers because "" and
// false are meaningful values.
type Filter struct {
	Symbol     string
	AssetClass string
	Strategy   *string
	Deleted    *bool
	TradeID    string
	Before     time.Time
	EventIDs   []string
}

// IsZero reports whether f matches every row.
func (f Filter) IsZero() bool {
	return f.Symbol == "" && f.AssetClass == "" && f.Strategy == nil && f.Deleted == nil &&
		f.TradeID == "" && f.Before.IsZero() && len(f.EventIDs) == 0
}

// Match reports whether p satisfies the filter.
func (f Filter) Match(p Position) bool {
	if f.Symbol != "" && p.Symbol != f.Symbol {
		return false
	}
	if f.AssetClass != "" && p.AssetClass != f.AssetClass {
		return false
	}
	if f.Strategy != nil && p.Strategy != *f.Strategy {
		return false
	}
	if f.Deleted != nil && p.Deleted != *f.Deleted {
		return false
	}
	if f.TradeID != "" && (p.Trade == nil || p.Trade.TradeID != f.TradeID) {
		return false
	}
	if !f.Before.IsZero() && !p.Timestamp.Before(f.Before) {
		return false
	}
	if len(f.EventIDs) > 0 && !slices.Contains(f.EventIDs, p.EventID) {
		return false
	}
	return true
}

// StrategyPtr and BoolPtr build Filter fields inline.
func StrategyPtr(s string) *string { return &s }
func BoolPtr(b bool) *bool         { return &b }

// EquitySnapshot is one point of the account equity series.
type EquitySnapshot struct {
	Timestamp   time.Time       `json:"timestamp"`
	TotalEquity decimal.Decimal `json:"total_equity"`
	AccountID   string          `json:"account_id"`
}
