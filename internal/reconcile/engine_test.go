package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"ats-supervisor/internal/fx"
	"ats-supervisor/internal/model"
	"ats-supervisor/internal/model/modeltest"
	"ats-supervisor/internal/snapshot"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func stock(sym string) model.Contract {
	return model.Contract{SecType: model.SecStock, Symbol: sym, Currency: "USD"}
}

func brokerRow(sym string, pos, cost, price string) model.Position {
	p := model.Position{
		Account:     "DU123",
		Symbol:      sym,
		AssetClass:  "STK",
		Contract:    stock(sym),
		Position:    d(pos),
		AverageCost: d(cost),
		MarketPrice: d(price),
		Currency:    "USD",
		FXRate:      d("1"),
		OpenDate:    t0.Format(model.DateLayout),
	}
	p.MarketValue = p.MarketPrice.Mul(p.Position)
	p.MarketValueBase = p.MarketValue
	return p
}

func storedRow(sym, strategy, pos, cost string, ts time.Time) model.Position {
	p := brokerRow(sym, pos, cost, cost)
	p.Strategy = strategy
	p.OpenDate = "2025-01-02"
	p.NewEvent(ts)
	return p
}

func snap(rows ...model.Position) snapshot.Snapshot {
	return snapshot.Snapshot{Account: "DU123", BaseCurrency: "USD", TotalEquity: d("10000"), Taken: t0, Rows: rows}
}

func newEngine(b *modeltest.Broker) *Engine {
	return New(b, fx.New(b, nil, 0), WithClock(func() time.Time { return t0 }))
}

func find(rows []model.Position, sym, strategy string) (model.Position, bool) {
	for _, r := range rows {
		if r.Symbol == sym && r.Strategy == strategy {
			return r, true
		}
	}
	return model.Position{}, false
}

func TestReconcile_NoStoredRows(t *testing.T) {
	br := brokerRow("AAPL", "10", "100", "110")
	res := newEngine(&modeltest.Broker{}).Reconcile(context.Background(), snap(br), nil)

	require.Len(t, res.Rows, 1)
	got := res.Rows[0]
	assert.Equal(t, "", got.Strategy)
	assert.True(t, got.Position.Equal(br.Position))
	assert.True(t, got.AverageCost.Equal(br.AverageCost))
	assert.True(t, got.MarketValue.Equal(br.MarketValue))
	assert.Equal(t, 1, res.Residuals)
	assert.Empty(t, res.Tombstones)
}

func TestReconcile_TotalsMatchRefreshesOnly(t *testing.T) {
	br := brokerRow("AAPL", "100", "50", "55")
	stored := []model.Position{
		storedRow("AAPL", "A", "60", "40", t0.Add(-time.Hour)),
		storedRow("AAPL", "B", "40", "65", t0.Add(-time.Hour)),
	}
	res := newEngine(&modeltest.Broker{}).Reconcile(context.Background(), snap(br), stored)

	require.Len(t, res.Rows, 2)
	assert.Equal(t, 2, res.Merged)
	assert.Equal(t, 0, res.Residuals)

	a, ok := find(res.Rows, "AAPL", "A")
	require.True(t, ok)
	assert.True(t, a.Position.Equal(d("60")))
	assert.True(t, a.AverageCost.Equal(d("40")), "cost untouched")
	assert.True(t, a.MarketPrice.Equal(d("55")))
	assert.True(t, a.MarketValue.Equal(d("3300")))
	assert.True(t, a.PercentOfNAV.Equal(d("33")))
	assert.True(t, a.UnrealizedPnL.Equal(d("900")))
	assert.NotEqual(t, stored[0].EventID, a.EventID, "refresh is a new event")

	b, ok := find(res.Rows, "AAPL", "B")
	require.True(t, ok)
	assert.True(t, b.UnrealizedPnL.Equal(d("-400")), "pnl computed per row")

	require.NoError(t, CheckConservation(snap(br), res.Rows))
}

func TestReconcile_ResidualWeightedCost(t *testing.T) {
	br := brokerRow("AAPL", "100", "50", "55")
	stored := []model.Position{storedRow("AAPL", "A", "60", "40", t0.Add(-time.Hour))}

	res := newEngine(&modeltest.Broker{}).Reconcile(context.Background(), snap(br), stored)

	require.Len(t, res.Rows, 2)
	r, ok := find(res.Rows, "AAPL", "")
	require.True(t, ok)
	assert.True(t, r.Position.Equal(d("40")))
	assert.True(t, r.AverageCost.Equal(d("65")), r.AverageCost.String())
	assert.True(t, r.MarketValue.Equal(d("2200")))
	assert.True(t, r.UnrealizedPnL.Equal(d("-400")))
	assert.True(t, r.RealizedPnL.IsZero())
	assert.Nil(t, r.Trade)
	require.NoError(t, CheckConservation(snap(br), res.Rows))
}

func TestReconcile_ResidualRecomputedNotAccumulated(t *testing.T) {
	br := brokerRow("AAPL", "100", "50", "55")
	old := storedRow("AAPL", "", "25", "10", t0.Add(-2*time.Hour))
	old.OpenDate = "2024-12-01"
	stored := []model.Position{
		storedRow("AAPL", "A", "60", "40", t0.Add(-time.Hour)),
		old,
	}

	res := newEngine(&modeltest.Broker{}).Reconcile(context.Background(), snap(br), stored)

	r, ok := find(res.Rows, "AAPL", "")
	require.True(t, ok)
	assert.True(t, r.Position.Equal(d("40")))
	assert.True(t, r.AverageCost.Equal(d("65")))
	assert.Equal(t, "2024-12-01", r.OpenDate)
	assert.NotEqual(t, old.EventID, r.EventID)
}

func TestReconcile_ZeroResidualClosesStaleResidual(t *testing.T) {
	br := brokerRow("AAPL", "60", "40", "55")
	stored := []model.Position{
		storedRow("AAPL", "A", "60", "40", t0.Add(-time.Hour)),
		storedRow("AAPL", "", "15", "30", t0.Add(-time.Hour)),
	}

	res := newEngine(&modeltest.Broker{}).Reconcile(context.Background(), snap(br), stored)

	require.Len(t, res.Rows, 1)
	assert.Equal(t, "A", res.Rows[0].Strategy)
	require.Len(t, res.Tombstones, 1)
	ts := res.Tombstones[0]
	assert.Equal(t, "", ts.Strategy)
	assert.True(t, ts.Deleted)
	assert.True(t, ts.MarketValue.IsZero())

	// folding stored + events yields only the attributed row
	view := model.Fold(append(stored, res.Events()...))
	require.Len(t, view, 1)
	assert.Equal(t, "A", view[0].Strategy)
}

func TestReconcile_UsesLatestNonDeletedVersion(t *testing.T) {
	br := brokerRow("AAPL", "15", "100", "110")
	closed := storedRow("AAPL", "B", "5", "90", t0.Add(-time.Minute))
	closed.Deleted = true
	stored := []model.Position{
		storedRow("AAPL", "A", "10", "100", t0.Add(-2*time.Hour)),
		storedRow("AAPL", "A", "15", "100", t0.Add(-time.Hour)),
		storedRow("AAPL", "B", "5", "90", t0.Add(-2*time.Hour)),
		closed,
	}

	res := newEngine(&modeltest.Broker{}).Reconcile(context.Background(), snap(br), stored)

	require.Len(t, res.Rows, 1)
	assert.Equal(t, "A", res.Rows[0].Strategy)
	assert.True(t, res.Rows[0].Position.Equal(d("15")))
}

func TestReconcile_StrayRowsKeptAndRefreshed(t *testing.T) {
	b := &modeltest.Broker{Quotes: map[string]model.Quote{"MSFT": {Last: 300}}}
	stored := []model.Position{
		storedRow("MSFT", "A", "10", "250", t0.Add(-time.Hour)),
		storedRow("MSFT", "B", "-10", "260", t0.Add(-time.Hour)),
	}

	res := newEngine(b).Reconcile(context.Background(), snap(brokerRow("AAPL", "1", "1", "1")), stored)

	a, ok := find(res.Rows, "MSFT", "A")
	require.True(t, ok)
	assert.True(t, a.MarketPrice.Equal(d("300")))
	assert.True(t, a.MarketValue.Equal(d("3000")))
	assert.True(t, a.UnrealizedPnL.Equal(d("500")))
	assert.True(t, a.Position.Equal(d("10")))
	_, ok = find(res.Rows, "MSFT", "B")
	assert.True(t, ok)
	_, ok = find(res.Rows, "MSFT", "")
	assert.False(t, ok, "net-zero strays need no residual")
	assert.Equal(t, 2, res.Strays)
	assert.Equal(t, 0, res.Failed)
}

func TestReconcile_StrayGetsNoResidual(t *testing.T) {
	b := &modeltest.Broker{Quotes: map[string]model.Quote{"MSFT": {Last: 300}}}
	stored := []model.Position{
		storedRow("MSFT", "A", "10", "250", t0.Add(-time.Hour)),
		storedRow("MSFT", "", "5", "240", t0.Add(-time.Hour)),
	}

	res := newEngine(b).Reconcile(context.Background(), snap(), stored)

	a, ok := find(res.Rows, "MSFT", "A")
	require.True(t, ok)
	assert.True(t, a.Position.Equal(d("10")))
	assert.True(t, a.MarketPrice.Equal(d("300")))
	_, ok = find(res.Rows, "MSFT", "")
	assert.False(t, ok, "no broker exposure, no residual")
	assert.Equal(t, 0, res.Residuals)

	require.Len(t, res.Tombstones, 1)
	assert.Equal(t, "", res.Tombstones[0].Strategy)
	assert.True(t, res.Tombstones[0].Deleted)
	require.NoError(t, CheckConservation(snap(), res.Rows))
}

func TestReconcile_StrayRefreshFailureKeepsLastValues(t *testing.T) {
	b := &modeltest.Broker{
		Quotes:   map[string]model.Quote{"NVDA": {Last: 900}},
		QuoteErr: map[string]error{"MSFT": errors.New("no market data permissions")},
	}
	msft := storedRow("MSFT", "A", "10", "250", t0.Add(-time.Hour))
	msft.MarketPrice = d("280")
	msft.MarketValue = d("2800")
	stored := []model.Position{
		msft,
		storedRow("MSFT", "B", "-10", "250", t0.Add(-time.Hour)),
		storedRow("NVDA", "A", "1", "800", t0.Add(-time.Hour)),
		storedRow("NVDA", "B", "-1", "800", t0.Add(-time.Hour)),
	}

	res := newEngine(b).Reconcile(context.Background(), snap(), stored)

	assert.Equal(t, 4, res.Strays)
	assert.Equal(t, 2, res.Failed)
	a, ok := find(res.Rows, "MSFT", "A")
	require.True(t, ok)
	assert.True(t, a.MarketPrice.Equal(d("280")))
	assert.True(t, a.MarketValue.Equal(d("2800")))

	n, ok := find(res.Rows, "NVDA", "A")
	require.True(t, ok)
	assert.True(t, n.MarketPrice.Equal(d("900")), "other rows still refreshed")
}

func TestReconcile_StrayResidualWithoutAttributionCloses(t *testing.T) {
	stored := []model.Position{storedRow("MSFT", "", "10", "250", t0.Add(-time.Hour))}
	b := &modeltest.Broker{}

	res := newEngine(b).Reconcile(context.Background(), snap(), stored)

	assert.Empty(t, res.Rows)
	require.Len(t, res.Tombstones, 1)
	assert.Equal(t, 0, b.QuoteCalls)
}

func TestReconcile_EventsAreDistinctlyStamped(t *testing.T) {
	br := brokerRow("AAPL", "100", "50", "55")
	stored := []model.Position{
		storedRow("AAPL", "A", "60", "40", t0.Add(-time.Hour)),
		storedRow("AAPL", "B", "10", "40", t0.Add(-time.Hour)),
	}
	res := newEngine(&modeltest.Broker{}).Reconcile(context.Background(), snap(br), stored)

	seen := map[time.Time]bool{}
	ids := map[string]bool{}
	for _, ev := range res.Events() {
		assert.False(t, seen[ev.Timestamp])
		assert.False(t, ids[ev.EventID])
		seen[ev.Timestamp] = true
		ids[ev.EventID] = true
	}
}

func TestCheckConservation_ReportsMismatch(t *testing.T) {
	br := brokerRow("AAPL", "100", "50", "55")
	err := CheckConservation(snap(br), []model.Position{storedRow("AAPL", "A", "60", "40", t0)})

	var ce *ConservationError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Mismatches, 1)
	assert.Contains(t, err.Error(), "AAPL:STK")
}

func TestReconcile_ConservationProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("attributed plus residual equals broker, strays carry no residual", prop.ForAll(
		func(brokerPos, brokerCost int, attributed, strays []int) bool {
			var stored []model.Position
			for i, q := range attributed {
				stored = append(stored, storedRow("AAPL", string(rune('A'+i)), decimal.NewFromInt(int64(q)).String(), "40", t0.Add(-time.Hour)))
			}
			for i, q := range strays {
				stored = append(stored, storedRow("MSFT", string(rune('A'+i)), decimal.NewFromInt(int64(q)).String(), "70", t0.Add(-time.Hour)))
			}
			br := brokerRow("AAPL", decimal.NewFromInt(int64(brokerPos)).String(), decimal.NewFromInt(int64(brokerCost)).String(), "55")
			s := snap(br)

			b := &modeltest.Broker{Quotes: map[string]model.Quote{"MSFT": {Last: 75}}}
			res := newEngine(b).Reconcile(context.Background(), s, stored)
			if CheckConservation(s, res.Rows) != nil {
				return false
			}
			if _, ok := find(res.Rows, "MSFT", ""); ok {
				return false
			}

			// a second pass over the persisted log is stable
			again := newEngine(b).Reconcile(context.Background(), s, append(stored, res.Events()...))
			return CheckConservation(s, again.Rows) == nil && len(again.Rows) == len(res.Rows)
		},
		gen.IntRange(-1000, 1000),
		gen.IntRange(1, 500),
		gen.SliceOfN(3, gen.IntRange(-500, 500)),
		gen.SliceOfN(2, gen.IntRange(-50, 50)),
	))

	properties.TestingRun(t)
}
