package strategy

import (
	"context"
	"math"
	"testing"
	"time"

	"ats-supervisor/internal/ingest"
	"ats-supervisor/internal/model"
	"ats-supervisor/internal/model/modeltest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct{ orders []Order }

func (r *fakeRouter) Submit(_ context.Context, o Order) (model.Trade, error) {
	r.orders = append(r.orders, o)
	return model.Trade{
		OrderRef:     o.Strategy,
		Contract:     o.Contract,
		Action:       o.Action,
		Quantity:     o.Quantity,
		AvgFillPrice: o.RefPrice,
		Time:         time.Date(2025, 3, 3, 15, 0, len(r.orders), 0, time.UTC),
	}, nil
}

func TestBuild(t *testing.T) {
	got, err := Build([]string{"SMA_AAPL=sma_crossover", "sma_crossover", ""})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "SMA_AAPL", got[0].Name())
	assert.Equal(t, "sma_crossover", got[1].Name())
	assert.Contains(t, Kinds(), "sma_crossover")

	_, err = Build([]string{"x=nope"})
	assert.Error(t, err)

	_, err = Build([]string{"a=sma_crossover", "a=sma_crossover"})
	assert.Error(t, err)
}

func TestParams(t *testing.T) {
	p := Params{"fast": "5", "qty": "2.5", "interval": "30s", "bad": "x"}
	assert.Equal(t, 5, p.Int("fast", 9))
	assert.Equal(t, 9, p.Int("bad", 9))
	assert.True(t, p.Decimal("qty", decimal.Zero).Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, 30*time.Second, p.Duration("interval", time.Minute))
	assert.Equal(t, "USD", p.String("currency", "USD"))
}

func TestSMACrossover_InitializeValidates(t *testing.T) {
	s := NewSMACrossover("SMA")
	assert.Error(t, s.Initialize(context.Background(), Env{Params: Params{}}))
	assert.Error(t, s.Initialize(context.Background(), Env{Params: Params{"symbol": "AAPL", "fast": "21", "slow": "9"}}))
	assert.Error(t, s.Initialize(context.Background(), Env{Params: Params{"symbol": "AAPL", "ma": "wma"}}))
	assert.NoError(t, s.Initialize(context.Background(), Env{Params: Params{"symbol": "AAPL"}}))
	assert.Equal(t, "SMA_9", s.fast.Name())
	assert.NoError(t, s.Initialize(context.Background(), Env{Params: Params{"symbol": "AAPL", "ma": "ema", "rsi": "14"}}))
	assert.Equal(t, "EMA_21", s.slow.Name())
	assert.NotNil(t, s.rsi)
}

func TestSMACrossover_TradesCrossovers(t *testing.T) {
	broker := &modeltest.Broker{Quotes: map[string]model.Quote{}}
	router := &fakeRouter{}
	events := make(chan Event, 4)

	s := NewSMACrossover("SMA")
	require.NoError(t, s.Initialize(context.Background(), Env{
		Broker: broker,
		Orders: router,
		Events: events,
		Params: Params{"symbol": "AAPL", "fast": "2", "slow": "3", "qty": "10"},
	}))

	feed := func(p float64) {
		t.Helper()
		broker.Quotes["AAPL"] = model.Quote{Bid: math.NaN(), Last: p, Close: math.NaN()}
		require.NoError(t, s.step(context.Background()))
	}

	// falling prices: fast below slow, nothing to exit
	for _, p := range []float64{10, 9, 8, 7} {
		feed(p)
	}
	assert.Empty(t, router.orders)

	// rally crosses fast above slow
	feed(12)
	require.Len(t, router.orders, 1)
	assert.Equal(t, model.ActionBuy, router.orders[0].Action)
	assert.True(t, router.orders[0].Quantity.Equal(decimal.NewFromInt(10)))

	ev := <-events
	assert.Equal(t, "SMA", ev.Strategy)
	require.NotNil(t, ev.Trade)
	s.OnFill(Fill{Trade: *ev.Trade, Outcome: ingest.Opened})
	assert.True(t, s.Holding().Equal(decimal.NewFromInt(10)))

	// a duplicate booking does not change the holding
	s.OnFill(Fill{Trade: *ev.Trade, Outcome: ingest.Duplicate})
	assert.True(t, s.Holding().Equal(decimal.NewFromInt(10)))

	// selloff crosses back: exit the whole holding
	feed(13)
	feed(5)
	require.Len(t, router.orders, 2)
	assert.Equal(t, model.ActionSell, router.orders[1].Action)
	assert.True(t, router.orders[1].Quantity.Equal(decimal.NewFromInt(10)))
}

func TestSMACrossover_SkipsUnavailableQuote(t *testing.T) {
	broker := &modeltest.Broker{Quotes: map[string]model.Quote{
		"AAPL": {Bid: math.NaN(), Last: math.NaN(), Close: 100},
	}}
	s := NewSMACrossover("SMA")
	require.NoError(t, s.Initialize(context.Background(), Env{Broker: broker, Orders: &fakeRouter{}, Params: Params{"symbol": "AAPL"}}))
	require.NoError(t, s.step(context.Background()))
	assert.Zero(t, s.count, "close-only quote is not a live bar")
}
