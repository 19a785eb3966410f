package model

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestContract_AssetClass(t *testing.T) {
	tests := []struct {
		name string
		c    Contract
		want string
	}{
		{"stock", Contract{SecType: SecStock, Symbol: "AAPL"}, "STK"},
		{"call", Contract{SecType: SecOption, Symbol: "SPY", Right: "C", Strike: d("450"), Expiry: "20250117"}, "Call 450 20250117"},
		{"put", Contract{SecType: SecOption, Symbol: "SPY", Right: "P", Strike: d("420.5"), Expiry: "20250117"}, "Put 420.5 20250117"},
		{"future", Contract{SecType: SecFuture, Symbol: "ES", LocalSymbol: "ESZ5", Expiry: "20251219"}, "ESZ5 20251219"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.AssetClass())
		})
	}
}

func TestContract_PriceMultiplier(t *testing.T) {
	m, err := Contract{SecType: SecOption}.PriceMultiplier()
	require.NoError(t, err)
	assert.True(t, m.Equal(d("100")))

	m, err = Contract{SecType: SecFuture, Multiplier: d("50")}.PriceMultiplier()
	require.NoError(t, err)
	assert.True(t, m.Equal(d("50")))

	_, err = Contract{SecType: SecFuture}.PriceMultiplier()
	assert.ErrorIs(t, err, ErrMissingMultiplier)
}

func TestPnLPercent(t *testing.T) {
	stk := Contract{SecType: SecStock}
	assert.True(t, PnLPercent(d("110"), d("100"), d("10"), stk).Equal(d("10")))
	assert.True(t, PnLPercent(d("110"), d("100"), d("-10"), stk).Equal(d("-10")))

	// option average cost is per contract: 250 / 100 = 2.50 per share
	opt := Contract{SecType: SecOption}
	assert.True(t, PnLPercent(d("3"), d("250"), d("1"), opt).Equal(d("20")))

	fut := Contract{SecType: SecFuture, Multiplier: d("50")}
	assert.True(t, PnLPercent(d("5500"), d("250000"), d("-1"), fut).Equal(d("-10")))

	assert.True(t, PnLPercent(d("10"), decimal.Zero, d("1"), stk).IsZero())
}

func TestPosition_Revalue(t *testing.T) {
	p := Position{
		Contract:    Contract{SecType: SecStock},
		Position:    d("10"),
		AverageCost: d("100"),
		FXRate:      d("1"),
	}
	p.Revalue(Valuation{Price: d("110"), FXRate: d("1.25"), TotalEquity: d("5500")})

	assert.True(t, p.MarketValue.Equal(d("1100")))
	assert.True(t, p.MarketValueBase.Equal(d("880")))
	assert.True(t, p.PercentOfNAV.Equal(d("16")))
	assert.True(t, p.UnrealizedPnL.Equal(d("100")))
	assert.True(t, p.Position.Equal(d("10")), "position untouched")
	assert.True(t, p.AverageCost.Equal(d("100")), "average cost untouched")
}

func TestPercentOfNAV_ZeroEquity(t *testing.T) {
	assert.True(t, PercentOfNAV(d("100"), decimal.Zero).IsZero())
}

func TestFold_LatestWinsAndTombstonesDrop(t *testing.T) {
	t0 := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	events := []Position{
		{Symbol: "AAPL", AssetClass: "STK", Strategy: "A", Position: d("10"), Timestamp: t0},
		{Symbol: "AAPL", AssetClass: "STK", Strategy: "A", Position: d("15"), Timestamp: t0.Add(time.Minute)},
		{Symbol: "MSFT", AssetClass: "STK", Strategy: "B", Position: d("5"), Timestamp: t0},
		{Symbol: "MSFT", AssetClass: "STK", Strategy: "B", Position: d("5"), Deleted: true, Timestamp: t0.Add(time.Minute)},
		{Symbol: "AAPL", AssetClass: "STK", Strategy: "", Position: d("3"), Timestamp: t0},
	}

	got := Fold(events)
	require.Len(t, got, 2)
	assert.Equal(t, "", got[0].Strategy)
	assert.Equal(t, "A", got[1].Strategy)
	assert.True(t, got[1].Position.Equal(d("15")))
}

func TestFold_ReopenAfterTombstone(t *testing.T) {
	t0 := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	events := []Position{
		{Symbol: "AAPL", AssetClass: "STK", Strategy: "A", Position: d("10"), Timestamp: t0},
		{Symbol: "AAPL", AssetClass: "STK", Strategy: "A", Position: d("10"), Deleted: true, Timestamp: t0.Add(time.Minute)},
		{Symbol: "AAPL", AssetClass: "STK", Strategy: "A", Position: d("2"), Timestamp: t0.Add(2 * time.Minute)},
	}
	got := Fold(events)
	require.Len(t, got, 1)
	assert.True(t, got[0].Position.Equal(d("2")))
}

func TestTrade_IdentityIsStable(t *testing.T) {
	tr := Trade{
		OrderRef:     "SMAG7",
		Account:      "DU123",
		Contract:     Contract{SecType: SecStock, Symbol: "AAPL", Currency: "USD"},
		Action:       ActionSell,
		Quantity:     d("10"),
		AvgFillPrice: d("110"),
		Time:         time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, tr.Identity(), tr.Identity())
	assert.True(t, tr.SignedQuantity().Equal(d("-10")))

	other := tr
	other.AvgFillPrice = d("111")
	assert.NotEqual(t, tr.Identity(), other.Identity())

	tr.TradeID = "0001f4e8.67a1.01.01"
	assert.Equal(t, "0001f4e8.67a1.01.01", tr.Identity())
}

func TestFilter_Match(t *testing.T) {
	p := Position{Symbol: "AAPL", AssetClass: "STK", Strategy: "", Trade: &TradeRef{TradeID: "x"}}
	assert.True(t, Filter{Symbol: "AAPL", Strategy: StrategyPtr("")}.Match(p))
	assert.False(t, Filter{Strategy: StrategyPtr("A")}.Match(p))
	assert.False(t, Filter{Deleted: BoolPtr(true)}.Match(p))
	assert.True(t, Filter{TradeID: "x"}.Match(p))
}

func TestQuote_Fallbacks(t *testing.T) {
	nan := math.NaN()
	p, ok := Quote{Bid: nan, Last: nan, Close: 1.1}.Price()
	assert.True(t, ok)
	assert.Equal(t, 1.1, p)

	_, ok = Quote{Bid: nan, Last: 0, Close: nan}.Price()
	assert.False(t, ok)
}
