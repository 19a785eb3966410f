package store

import (
	"context"
	"testing"
	"time"

	"ats-supervisor/internal/model"
	"ats-supervisor/internal/model/modeltest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

func row(strategy, pos string, deleted bool, at time.Duration) model.Position {
	p := model.Position{
		Symbol:     "AAPL",
		AssetClass: "STK",
		Strategy:   strategy,
		Position:   decimal.RequireFromString(pos),
		Deleted:    deleted,
	}
	p.NewEvent(t0.Add(at))
	return p
}

func TestAppend_RejectsUnstampedRows(t *testing.T) {
	mem := modeltest.NewStore()
	p := NewPortfolio(mem)

	unstamped := model.Position{Symbol: "AAPL", AssetClass: "STK", Position: decimal.NewFromInt(1)}
	err := p.Append(context.Background(), "DU123", []model.Position{unstamped})
	assert.ErrorIs(t, err, ErrUnstamped)
	err = p.Write(context.Background(), "DU123", []model.Position{unstamped})
	assert.ErrorIs(t, err, ErrUnstamped)
	assert.Empty(t, mem.Events("DU123"))

	// flat open rows are dropped before the stamp check
	flat := model.Position{Symbol: "AAPL", AssetClass: "STK"}
	require.NoError(t, p.Append(context.Background(), "DU123", []model.Position{flat}))
}

func TestAppendEquity_KeepsFullTimestamp(t *testing.T) {
	mem := modeltest.NewStore()
	p := NewPortfolio(mem)
	ctx := context.Background()

	at := t0.Add(17 * time.Second)
	require.NoError(t, p.AppendEquity(ctx, model.EquitySnapshot{Timestamp: at, TotalEquity: decimal.NewFromInt(1), AccountID: "DU123"}))
	require.NoError(t, p.AppendEquity(ctx, model.EquitySnapshot{Timestamp: at.Add(time.Second), TotalEquity: decimal.NewFromInt(2), AccountID: "DU123"}))

	eq, err := p.ReadEquity(ctx, "DU123", time.Time{})
	require.NoError(t, err)
	require.Len(t, eq, 2)
	assert.Equal(t, at, eq[0].Timestamp)

	assert.ErrorIs(t, p.AppendEquity(ctx, model.EquitySnapshot{AccountID: "DU123"}), ErrUnstamped)
}

func TestPurge_ReopenedKeyKeepsCurrentEvent(t *testing.T) {
	mem := modeltest.NewStore()
	p := NewPortfolio(mem)
	ctx := context.Background()

	require.NoError(t, p.Append(ctx, "DU123", []model.Position{
		row("SMA", "10", false, 0),
		row("SMA", "10", true, time.Second),
		row("SMA", "4", false, 2*time.Second),
		row("VIX", "3", false, 0),
		row("VIX", "3", true, time.Second),
	}))

	n, err := p.Purge(ctx, "DU123", model.Filter{Deleted: model.BoolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "SMA tombstone plus the whole closed VIX key")

	latest, err := p.Latest(ctx, "DU123")
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "SMA", latest[0].Strategy)
	assert.True(t, latest[0].Position.Equal(decimal.NewFromInt(4)))
}

func TestPurge_RefusesCurrentOpenEvent(t *testing.T) {
	mem := modeltest.NewStore()
	p := NewPortfolio(mem)
	ctx := context.Background()
	require.NoError(t, p.Append(ctx, "DU123", []model.Position{row("SMA", "10", false, 0)}))

	_, err := p.Purge(ctx, "DU123", model.Filter{Strategy: model.StrategyPtr("SMA")})
	assert.ErrorIs(t, err, ErrPurgeOpen)
	assert.Len(t, mem.Events("DU123"), 1)

	n, err := p.Purge(ctx, "DU123", model.Filter{Symbol: "MSFT"})
	require.NoError(t, err)
	assert.Zero(t, n)
}
