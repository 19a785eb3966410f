package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ats-supervisor/internal/indicator"
	"ats-supervisor/internal/ingest"
	"ats-supervisor/internal/model"

	"github.com/shopspring/decimal"
)

func init() {
	Register("sma_crossover", func(name string) Strategy { return NewSMACrossover(name) })
}

// SMACrossover trades one instrument on moving average crossovers of polled
// quotes.
//
// Buy: fast average crosses above the slow one while flat.
// Exit: fast average crosses below the slow one while long.
//
// Optional RSI filter skips buys when overbought (>70).
//
// Params: symbol, sec_type, currency, exchange, fast, slow, ma (sma|ema),
// qty, interval, rsi (period, 0 disables).
type SMACrossover struct {
	name     string
	env      Env
	contract model.Contract
	qty      decimal.Decimal
	interval time.Duration

	fast indicator.Indicator
	slow indicator.Indicator
	rsi  *indicator.RSI // nil when the filter is off

	prevFast float64
	prevSlow float64
	ready    bool

	mu      sync.Mutex
	holding decimal.Decimal
}

// NewSMACrossover creates an uninitialized SMA crossover strategy.
func NewSMACrossover(name string) *SMACrossover {
	return &SMACrossover{name: name}
}

func (s *SMACrossover) Name() string { return s.name }

// Initialize reads the strategy params.
func (s *SMACrossover) Initialize(ctx context.Context, env Env) error {
	p := env.Params
	symbol := p.String("symbol", "")
	if symbol == "" {
		return fmt.Errorf("%s: symbol param is required", s.name)
	}
	fast, slow := p.Int("fast", 9), p.Int("slow", 21)
	if fast <= 0 || fast >= slow {
		return fmt.Errorf("%s: need 0 < fast < slow, got %d/%d", s.name, fast, slow)
	}
	var err error
	ma := p.String("ma", "sma")
	if s.fast, err = indicator.New(ma, fast); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	if s.slow, err = indicator.New(ma, slow); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	s.qty = p.Decimal("qty", decimal.NewFromInt(1))
	if !s.qty.IsPositive() {
		return fmt.Errorf("%s: qty must be positive", s.name)
	}
	s.interval = p.Duration("interval", time.Minute)
	if n := p.Int("rsi", 0); n > 0 {
		s.rsi = indicator.NewRSI(n)
	}
	s.contract = model.Contract{
		SecType:  model.SecType(p.String("sec_type", string(model.SecStock))),
		Symbol:   symbol,
		Currency: p.String("currency", "USD"),
		Exchange: p.String("exchange", "SMART"),
	}
	if env.Now == nil {
		env.Now = time.Now
	}
	s.env = env
	return nil
}

// Run polls quotes until ctx is cancelled. A failed quote skips the bar.
func (s *SMACrossover) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.step(ctx); err != nil {
				slog.Warn("strategy step failed", slog.String("strategy", s.name), slog.String("error", err.Error()))
			}
		}
	}
}

func (s *SMACrossover) step(ctx context.Context) error {
	q, err := s.env.Broker.Quote(ctx, s.contract)
	if err != nil {
		return fmt.Errorf("quote %s: %w", s.contract.Symbol, err)
	}
	price, ok := q.Live()
	if !ok {
		return nil
	}
	action, reason := s.onPrice(price)
	if action == "" {
		return nil
	}

	qty := s.qty
	if action == model.ActionSell {
		qty = s.Holding()
	}
	trade, err := s.env.Orders.Submit(ctx, Order{
		Strategy: s.name,
		Contract: s.contract,
		Action:   action,
		Quantity: qty,
		RefPrice: decimal.NewFromFloat(price),
		Reason:   reason,
	})
	if err != nil {
		return fmt.Errorf("submit %s %s: %w", action, s.contract.Symbol, err)
	}
	if trade.Quantity.IsZero() {
		return nil
	}
	return s.env.Emit(ctx, Event{Strategy: s.name, Trade: &trade})
}

// onPrice feeds one price and returns the action to take, if any.
func (s *SMACrossover) onPrice(price float64) (model.Action, string) {
	s.fast.Update(price)
	s.slow.Update(price)
	if s.rsi != nil {
		s.rsi.Update(price)
	}
	if !s.slow.Ready() {
		return "", ""
	}

	fast, slow := s.fast.Value(), s.slow.Value()
	defer func() {
		s.prevFast = fast
		s.prevSlow = slow
		s.ready = true
	}()
	if !s.ready {
		return "", ""
	}

	long := s.Holding().IsPositive()
	if s.prevFast <= s.prevSlow && fast > slow && !long {
		if s.rsi != nil && s.rsi.Ready() && s.rsi.Value() > 70 {
			slog.Info("golden cross filtered by RSI", slog.String("strategy", s.name), slog.Float64("rsi", s.rsi.Value()))
			return "", ""
		}
		return model.ActionBuy, "golden cross (" + s.fast.Name() + " > " + s.slow.Name() + ")"
	}
	if s.prevFast >= s.prevSlow && fast < slow && long {
		return model.ActionSell, "death cross (" + s.fast.Name() + " < " + s.slow.Name() + ")"
	}
	return "", ""
}

// OnFill tracks the strategy's own holding from booked fills.
func (s *SMACrossover) OnFill(f Fill) {
	if f.Err != nil {
		slog.Error("fill not booked", slog.String("strategy", s.name), slog.String("error", f.Err.Error()))
		return
	}
	switch f.Outcome {
	case ingest.Opened, ingest.Aggregated, ingest.Closed:
	default:
		return
	}
	s.mu.Lock()
	s.holding = s.holding.Add(f.Trade.SignedQuantity())
	s.mu.Unlock()
}

func (s *SMACrossover) OnStatusChange(st model.OrderStatus) {
	slog.Info("order status", slog.String("strategy", s.name), slog.String("order_ref", st.OrderRef), slog.String("status", st.Status))
}

// Holding returns the quantity booked for this strategy.
func (s *SMACrossover) Holding() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding
}
