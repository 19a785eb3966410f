package portfolio

import (
	"sort"

	"ats-supervisor/internal/model"

	"github.com/shopspring/decimal"
)

// StrategyPnL is the PnL of one strategy. The residual bucket is "".
type StrategyPnL struct {
	Strategy      string          `json:"strategy"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	OpenPositions int             `json:"open_positions"`
	ClosedTrades  int             `json:"closed_positions"`
}

// PnLSummary is the account-wide PnL view.
type PnLSummary struct {
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	OpenPositions int             `json:"open_positions"`
	Strategies    []StrategyPnL   `json:"strategies"`
}

// Summarize computes PnL from an event log. Realized PnL comes from closing
// tombstones (the latest event of each closed lifecycle); unrealized PnL
// from the folded open view.
func Summarize(events []model.Position) PnLSummary {
	by := make(map[string]*StrategyPnL)
	get := func(s string) *StrategyPnL {
		if v, ok := by[s]; ok {
			return v
		}
		v := &StrategyPnL{Strategy: s}
		by[s] = v
		return v
	}

	for _, r := range model.Fold(events) {
		s := get(r.Strategy)
		s.UnrealizedPnL = s.UnrealizedPnL.Add(r.UnrealizedPnL)
		s.OpenPositions++
	}

	// a closing tombstone directly follows an open event of the same key
	ordered := append([]model.Position(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })
	open := make(map[model.Key]bool)
	for _, ev := range ordered {
		k := ev.Key()
		if !ev.Deleted {
			open[k] = true
			continue
		}
		if open[k] && !ev.RealizedPnL.IsZero() {
			s := get(ev.Strategy)
			s.RealizedPnL = s.RealizedPnL.Add(ev.RealizedPnL)
			s.ClosedTrades++
		}
		open[k] = false
	}

	var sum PnLSummary
	for _, s := range by {
		sum.RealizedPnL = sum.RealizedPnL.Add(s.RealizedPnL)
		sum.UnrealizedPnL = sum.UnrealizedPnL.Add(s.UnrealizedPnL)
		sum.OpenPositions += s.OpenPositions
		sum.Strategies = append(sum.Strategies, *s)
	}
	sum.TotalPnL = sum.RealizedPnL.Add(sum.UnrealizedPnL)
	sort.Slice(sum.Strategies, func(i, j int) bool { return sum.Strategies[i].Strategy < sum.Strategies[j].Strategy })
	return sum
}
