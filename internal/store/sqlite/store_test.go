package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ats-supervisor/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DBPath: filepath.Join(t.TempDir(), "portfolio.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func event(sym, strategy, pos string, ts time.Time) model.Position {
	p := model.Position{
		Symbol:      sym,
		AssetClass:  "STK",
		Strategy:    strategy,
		Contract:    model.Contract{SecType: model.SecStock, Symbol: sym, Currency: "USD", ConID: 42},
		Position:    d(pos),
		AverageCost: d("100.125"),
		MarketPrice: d("101"),
		Currency:    "USD",
		FXRate:      d("1"),
		OpenDate:    "2025-03-03",
	}
	p.NewEvent(ts)
	return p
}

func TestStore_AppendReadRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

	ok, err := s.HasTable(ctx, "DU123")
	require.NoError(t, err)
	assert.False(t, ok)

	ref := model.TradeRef{TradeID: "exec-1", Action: model.ActionBuy, Quantity: d("10"), Price: d("100.125"), Time: t0}
	e := event("AAPL", "SMA", "10", t0)
	e.Trade = &ref
	e.TradeContext = model.TradeContext{ref}
	require.NoError(t, s.AppendPositions(ctx, "DU123", []model.Position{e}))

	ok, err = s.HasTable(ctx, "DU123")
	require.NoError(t, err)
	assert.True(t, ok)

	rows, err := s.ReadPositions(ctx, "DU123", model.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	got := rows[0]
	assert.Equal(t, e.EventID, got.EventID)
	assert.Equal(t, "DU123", got.Account)
	assert.True(t, got.Timestamp.Equal(t0))
	assert.True(t, got.AverageCost.Equal(d("100.125")))
	assert.Equal(t, int64(42), got.Contract.ConID)
	require.NotNil(t, got.Trade)
	assert.Equal(t, "exec-1", got.Trade.TradeID)
	assert.Len(t, got.TradeContext, 1)

	has, err := s.HasTrade(ctx, "DU123", "exec-1")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = s.HasTrade(ctx, "DU999", "exec-1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestStore_LogOrderAndFold(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

	closed := event("MSFT", "B", "5", t0.Add(2*time.Second))
	closed.Tombstone(t0.Add(2 * time.Second))
	require.NoError(t, s.AppendPositions(ctx, "DU123", []model.Position{
		event("AAPL", "A", "15", t0.Add(time.Second)),
		event("AAPL", "A", "10", t0),
		event("MSFT", "B", "5", t0),
		closed,
	}))

	rows, err := s.ReadPositions(ctx, "DU123", model.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.True(t, rows[0].Timestamp.Equal(t0))

	view := model.Fold(rows)
	require.Len(t, view, 1)
	assert.True(t, view[0].Position.Equal(d("15")))

	deleted, err := s.ReadPositions(ctx, "DU123", model.Filter{Deleted: model.BoolPtr(true)})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "MSFT", deleted[0].Symbol)
	assert.False(t, deleted[0].DeletedAt.IsZero())
}

func TestStore_FilterAndDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendPositions(ctx, "DU123", []model.Position{
		event("AAPL", "", "3", t0),
		event("AAPL", "A", "10", t0),
		event("MSFT", "A", "1", t0),
	}))

	rows, err := s.ReadPositions(ctx, "DU123", model.Filter{Symbol: "AAPL", Strategy: model.StrategyPtr("")})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Position.Equal(d("3")))

	n, err := s.DeletePositions(ctx, "DU123", model.Filter{Strategy: model.StrategyPtr("A")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err = s.ReadPositions(ctx, "DU123", model.Filter{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStore_WriteReplaces(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

	e := event("AAPL", "A", "10", t0)
	e.Trade = &model.TradeRef{TradeID: "exec-9"}
	require.NoError(t, s.AppendPositions(ctx, "DU123", []model.Position{e}))
	require.NoError(t, s.WritePositions(ctx, "DU123", []model.Position{event("MSFT", "", "2", t0)}))

	rows, err := s.ReadPositions(ctx, "DU123", model.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "MSFT", rows[0].Symbol)

	has, err := s.HasTrade(ctx, "DU123", "exec-9")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestStore_FailedAppendIsAtomic(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

	a := event("AAPL", "A", "10", t0)
	b := event("MSFT", "A", "1", t0)
	b.EventID = a.EventID // unique constraint violation

	assert.Error(t, s.AppendPositions(ctx, "DU123", []model.Position{a, b}))
	rows, err := s.ReadPositions(ctx, "DU123", model.Filter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStore_Equity(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendEquity(ctx, model.EquitySnapshot{Timestamp: t0, TotalEquity: d("10000.5"), AccountID: "DU123"}))
	require.NoError(t, s.AppendEquity(ctx, model.EquitySnapshot{Timestamp: t0.Add(time.Minute), TotalEquity: d("10100"), AccountID: "DU123"}))
	require.NoError(t, s.AppendEquity(ctx, model.EquitySnapshot{Timestamp: t0, TotalEquity: d("1"), AccountID: "DU999"}))

	all, err := s.ReadEquity(ctx, "DU123", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].TotalEquity.Equal(d("10000.5")))

	recent, err := s.ReadEquity(ctx, "DU123", t0.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].TotalEquity.Equal(d("10100")))
}

func TestStore_EquityKeepsEveryPoint(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendEquity(ctx, model.EquitySnapshot{Timestamp: t0, TotalEquity: d("10000"), AccountID: "DU123"}))
	require.NoError(t, s.AppendEquity(ctx, model.EquitySnapshot{Timestamp: t0, TotalEquity: d("10050"), AccountID: "DU123"}))

	all, err := s.ReadEquity(ctx, "DU123", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].TotalEquity.Equal(d("10000")))
	assert.True(t, all[1].TotalEquity.Equal(d("10050")))
}

func TestStore_DeleteByEventIDs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

	a, b, c := event("AAPL", "A", "10", t0), event("AAPL", "A", "12", t0.Add(time.Second)), event("MSFT", "A", "1", t0)
	require.NoError(t, s.AppendPositions(ctx, "DU123", []model.Position{a, b, c}))

	n, err := s.DeletePositions(ctx, "DU123", model.Filter{EventIDs: []string{a.EventID, c.EventID}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := s.ReadPositions(ctx, "DU123", model.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, b.EventID, rows[0].EventID)
}
