package redis

import (
	"context"
	"testing"
	"time"

	"ats-supervisor/internal/model"
	"ats-supervisor/internal/portfolio"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T) (*Publisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	p := NewWithClient(client, Config{MaxFailures: 1, ResetTimeout: time.Second})
	t.Cleanup(func() { _ = p.Close() })
	return p, mr
}

func update(ts time.Time, reason string) portfolio.Update {
	return portfolio.Update{
		Account:     "DU123",
		Timestamp:   ts,
		TotalEquity: decimal.NewFromInt(10000),
		Reason:      reason,
		Positions: []model.Position{
			{Symbol: "AAPL", AssetClass: "STK", Strategy: "SMA", Position: decimal.NewFromInt(10)},
		},
	}
}

func TestPublisher_SetsLatestAndPublishes(t *testing.T) {
	p, mr := newTestPublisher(t)
	ctx := context.Background()

	sub := p.Client().Subscribe(ctx, p.Channel("DU123"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	ts := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	require.NoError(t, p.Publish(ctx, update(ts, "reconcile")))

	assert.True(t, mr.Exists("portfolio:DU123:latest"))
	assert.Greater(t, mr.TTL("portfolio:DU123:latest"), time.Duration(0))

	got, ok, err := p.Latest(ctx, "DU123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "reconcile", got.Reason)
	require.Len(t, got.Positions, 1)
	assert.True(t, got.Positions[0].Position.Equal(decimal.NewFromInt(10)))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"reason":"reconcile"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no pub/sub message")
	}
}

func TestPublisher_LatestMissing(t *testing.T) {
	p, _ := newTestPublisher(t)
	_, ok, err := p.Latest(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublisher_HoldsWhileOpenAndReplays(t *testing.T) {
	p, mr := newTestPublisher(t)
	clk := &stepClock{t: time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)}
	p.cb.now = clk.now
	ctx := context.Background()

	held := 0
	p.OnHold = func() { held++ }
	flushed := make(chan int, 1)
	p.OnFlush = func(n int) { flushed <- n }

	mr.SetError("LOADING")
	ts := clk.t
	require.Error(t, p.Publish(ctx, update(ts, "first")))
	require.Equal(t, StateOpen, p.Breaker().CurrentState())

	require.NoError(t, p.Publish(ctx, update(ts.Add(time.Second), "second")))
	require.NoError(t, p.Publish(ctx, update(ts.Add(2*time.Second), "third")))
	assert.Equal(t, 2, held)
	assert.Equal(t, 1, p.Pending(), "only the newest view per account is held")

	mr.SetError("")
	clk.advance(2 * time.Second)

	// a probe for another account closes the circuit and replays the held view
	other := update(ts.Add(3*time.Second), "probe")
	other.Account = "DU999"
	require.NoError(t, p.Publish(ctx, other))

	select {
	case n := <-flushed:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("held updates were not replayed")
	}
	got, ok, err := p.Latest(ctx, "DU123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "third", got.Reason)
	assert.Zero(t, p.Pending())
}
