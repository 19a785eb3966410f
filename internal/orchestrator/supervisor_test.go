package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ats-supervisor/internal/ingest"
	"ats-supervisor/internal/model"
	"ats-supervisor/internal/reconcile"
	"ats-supervisor/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	mu         sync.Mutex
	calls      []string
	reconciles int
	inFlight   int
	overlap    bool
	tradeErr   error
}

func (l *fakeLedger) enter(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight++
	if l.inFlight > 1 {
		l.overlap = true
	}
	l.calls = append(l.calls, call)
}

func (l *fakeLedger) leave() {
	l.mu.Lock()
	l.inFlight--
	l.mu.Unlock()
}

func (l *fakeLedger) Reconcile(context.Context) (reconcile.Result, error) {
	l.enter("reconcile")
	defer l.leave()
	time.Sleep(time.Millisecond)
	l.mu.Lock()
	l.reconciles++
	l.mu.Unlock()
	return reconcile.Result{Residuals: 1}, nil
}

func (l *fakeLedger) ProcessTrade(_ context.Context, strat string, t model.Trade) (ingest.Outcome, error) {
	l.enter("fill:" + strat + ":" + t.TradeID)
	defer l.leave()
	if l.tradeErr != nil {
		return ingest.Rejected, l.tradeErr
	}
	return ingest.Opened, nil
}

func (l *fakeLedger) snapshot() ([]string, int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...), l.reconciles, l.overlap
}

// scripted emits its trades on start, then waits for cancellation.
type scripted struct {
	name   string
	trades []string
	env    strategy.Env

	mu       sync.Mutex
	fills    []strategy.Fill
	statuses []model.OrderStatus
	initErr  error
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Initialize(_ context.Context, env strategy.Env) error {
	s.env = env
	return s.initErr
}

func (s *scripted) Run(ctx context.Context) error {
	for _, id := range s.trades {
		tr := model.Trade{TradeID: id, Action: model.ActionBuy, Quantity: decimal.NewFromInt(1)}
		if err := s.env.Emit(ctx, strategy.Event{Strategy: s.name, Trade: &tr}); err != nil {
			return err
		}
	}
	st := model.OrderStatus{OrderID: 7, Status: "Cancelled"}
	_ = s.env.Emit(ctx, strategy.Event{Strategy: s.name, Status: &st})
	<-ctx.Done()
	return nil
}

func (s *scripted) OnFill(f strategy.Fill) {
	s.mu.Lock()
	s.fills = append(s.fills, f)
	s.mu.Unlock()
}

func (s *scripted) OnStatusChange(st model.OrderStatus) {
	s.mu.Lock()
	s.statuses = append(s.statuses, st)
	s.mu.Unlock()
}

func (s *scripted) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fills), len(s.statuses)
}

func closedMarket(time.Time) bool { return false }

func TestSupervisor_RunBooksFillsInOrder(t *testing.T) {
	ledger := &fakeLedger{}
	a := &scripted{name: "A", trades: []string{"a1", "a2", "a3"}}
	b := &scripted{name: "B", trades: []string{"b1", "b2"}}
	sup := New(ledger, []strategy.Strategy{a, b}, Config{MarketOpen: closedMarket})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		fa, sa := a.counts()
		fb, sb := b.counts()
		return fa == 3 && fb == 2 && sa == 1 && sb == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	calls, reconciles, overlap := ledger.snapshot()
	assert.Equal(t, "reconcile", calls[0], "reconcile before strategies start")
	assert.Equal(t, 1, reconciles)
	assert.False(t, overlap, "ledger never called concurrently")

	// per-strategy order is preserved
	var gotA []string
	for _, c := range calls {
		if len(c) > 7 && c[:7] == "fill:A:" {
			gotA = append(gotA, c[7:])
		}
	}
	assert.Equal(t, []string{"a1", "a2", "a3"}, gotA)
	assert.Equal(t, ingest.Opened, a.fills[0].Outcome)
}

func TestSupervisor_FailedInitializeSkipsStrategy(t *testing.T) {
	ledger := &fakeLedger{}
	bad := &scripted{name: "BAD", trades: []string{"x"}, initErr: errors.New("no symbol")}
	sup := New(ledger, []strategy.Strategy{bad}, Config{MarketOpen: closedMarket})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	_, err := sup.Reconcile(ctx)
	require.NoError(t, err)
	cancel()
	require.NoError(t, <-done)

	calls, _, _ := ledger.snapshot()
	assert.Equal(t, []string{"reconcile", "reconcile"}, calls)
}

func TestSupervisor_FillErrorReachesStrategy(t *testing.T) {
	ledger := &fakeLedger{tradeErr: errors.New("store down")}
	a := &scripted{name: "A", trades: []string{"a1"}}
	sup := New(ledger, []strategy.Strategy{a}, Config{MarketOpen: closedMarket})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { f, _ := a.counts(); return f == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.EqualError(t, a.fills[0].Err, "store down")
}

func TestSupervisor_ScheduledReconcileWhenMarketOpen(t *testing.T) {
	ledger := &fakeLedger{}
	var seen []time.Duration
	sup := New(ledger, nil, Config{
		ReconcileInterval: 10 * time.Millisecond,
		MarketOpen:        func(time.Time) bool { return true },
	})
	var mu sync.Mutex
	sup.OnReconcile = func(res reconcile.Result, err error, took time.Duration) {
		mu.Lock()
		seen = append(seen, took)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, n, _ := ledger.snapshot()
		return n >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(seen), 3)
}

func TestSupervisor_DoAfterStop(t *testing.T) {
	sup := New(&fakeLedger{}, nil, Config{MarketOpen: closedMarket})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	ran := false
	require.NoError(t, sup.Do(context.Background(), "noop", func(context.Context) error { ran = true; return nil }))
	assert.True(t, ran)

	want := errors.New("boom")
	assert.ErrorIs(t, sup.Do(context.Background(), "fail", func(context.Context) error { return want }), want)

	cancel()
	<-done
	assert.ErrorIs(t, sup.Do(context.Background(), "late", func(context.Context) error { return nil }), ErrStopped)
	assert.ErrorIs(t, sup.SubmitFill("A", model.Trade{}), ErrStopped)
}

func TestSupervisor_CommandPanicIsContained(t *testing.T) {
	sup := New(&fakeLedger{}, nil, Config{MarketOpen: closedMarket})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	err := sup.Do(context.Background(), "explode", func(context.Context) error { panic("bad row") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad row")

	// the consumer survives
	require.NoError(t, sup.Do(context.Background(), "after", func(context.Context) error { return nil }))
}
