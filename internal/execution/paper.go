// Package execution routes strategy orders. PaperRouter fills immediately at
// the decision price with simulated slippage; it backs paper trading and
// tests.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ats-supervisor/internal/model"
	"ats-supervisor/internal/strategy"

	"github.com/shopspring/decimal"
)

var tenThousand = decimal.NewFromInt(10000)

// PaperRouter simulates order execution without broker calls.
type PaperRouter struct {
	account     string
	slippageBps decimal.Decimal
	now         func() time.Time

	mu       sync.Mutex
	fills    []model.Trade
	orderSeq int64
}

// NewPaperRouter creates a paper router booking fills to account.
// slippageBps is applied against the order: buys fill higher, sells lower.
func NewPaperRouter(account string, slippageBps int64) *PaperRouter {
	return &PaperRouter{
		account:     account,
		slippageBps: decimal.NewFromInt(slippageBps),
		now:         time.Now,
	}
}

// Submit fills o in full at its reference price plus slippage.
func (p *PaperRouter) Submit(ctx context.Context, o strategy.Order) (model.Trade, error) {
	if err := ctx.Err(); err != nil {
		return model.Trade{}, err
	}
	if !o.Quantity.IsPositive() {
		return model.Trade{}, fmt.Errorf("paper order %s %s: quantity must be positive", o.Action, o.Contract.Symbol)
	}
	if !o.RefPrice.IsPositive() {
		return model.Trade{}, fmt.Errorf("paper order %s %s: no reference price", o.Action, o.Contract.Symbol)
	}

	slip := o.RefPrice.Mul(p.slippageBps).Div(tenThousand)
	price := o.RefPrice.Add(slip)
	if o.Action == model.ActionSell {
		price = o.RefPrice.Sub(slip)
	}

	p.mu.Lock()
	p.orderSeq++
	seq := p.orderSeq
	now := p.now()
	trade := model.Trade{
		TradeID:      fmt.Sprintf("PAPER-%d-%d", now.UnixNano(), seq),
		OrderID:      seq,
		OrderRef:     o.Strategy,
		Account:      p.account,
		Contract:     o.Contract,
		Action:       o.Action,
		Quantity:     o.Quantity,
		AvgFillPrice: price,
		Status:       "Filled",
		Time:         now,
	}
	p.fills = append(p.fills, trade)
	p.mu.Unlock()

	slog.Info("paper fill",
		slog.String("strategy", o.Strategy),
		slog.String("action", string(o.Action)),
		slog.String("symbol", o.Contract.Symbol),
		slog.String("qty", o.Quantity.String()),
		slog.String("price", price.String()),
		slog.String("slippage", slip.String()),
		slog.String("reason", o.Reason),
	)
	return trade, nil
}

// Fills returns a copy of all fills.
func (p *PaperRouter) Fills() []model.Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Trade, len(p.fills))
	copy(out, p.fills)
	return out
}
