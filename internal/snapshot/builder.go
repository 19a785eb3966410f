// Package snapshot turns the broker's raw holdings into normalized,
// unattributed position rows valued in the account's base currency.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ats-supervisor/internal/fx"
	"ats-supervisor/internal/model"

	"github.com/shopspring/decimal"
)

// EquityTag is the account summary tag that anchors NAV percentages.
const EquityTag = "EquityWithLoanValue"

// ErrNoAccount is returned when the broker session does not expose an account.
var ErrNoAccount = errors.New("managed account unavailable")

// Snapshot is one broker view of the account.
type Snapshot struct {
	Account      string
	BaseCurrency string
	TotalEquity  decimal.Decimal
	Taken        time.Time
	Rows         []model.Position
}

// Options configure a Builder.
type Options struct {
	// BaseCurrency overrides the currency reported with the equity tag.
	BaseCurrency string
	// Timeout bounds each broker call; zero means none.
	Timeout time.Duration
	// Now returns the wall clock (tests).
	Now func() time.Time
}

// Builder reads positions and account equity from the broker.
type Builder struct {
	broker model.Broker
	fx     *fx.Cache
	opts   Options
}

// NewBuilder creates a snapshot builder over a broker session.
func NewBuilder(broker model.Broker, rates *fx.Cache, opts Options) *Builder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Builder{broker: broker, fx: rates, opts: opts}
}

// Build reads a fresh snapshot. Equity is read from the account summary on
// every call and never reused across builds. An unreadable account or
// position list fails the build; a missing equity figure only degrades NAV
// percentages to zero.
func (b *Builder) Build(ctx context.Context) (Snapshot, error) {
	account, err := b.Account(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	equity, base := b.Equity(ctx)

	cctx, cancel := b.withTimeout(ctx)
	holdings, err := b.broker.Positions(cctx)
	cancel()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read broker positions: %w", err)
	}

	now := b.opts.Now()
	snap := Snapshot{
		Account:      account,
		BaseCurrency: base,
		TotalEquity:  equity,
		Taken:        now,
		Rows:         make([]model.Position, 0, len(holdings)),
	}

	for i, h := range holdings {
		row := FromBroker(h, account, now)
		row.NewEvent(now.Add(time.Duration(i)))
		snap.Rows = append(snap.Rows, row)
	}

	b.fx.ConvertToBase(ctx, snap.Rows, base)
	for i := range snap.Rows {
		snap.Rows[i].PercentOfNAV = model.PercentOfNAV(snap.Rows[i].MarketValueBase, equity)
	}

	slog.Debug("broker snapshot built",
		slog.String("account", account),
		slog.Int("rows", len(snap.Rows)),
		slog.String("equity", equity.String()),
		slog.String("base", base),
	)
	return snap, nil
}

// Account returns the managed account id.
func (b *Builder) Account(ctx context.Context) (string, error) {
	cctx, cancel := b.withTimeout(ctx)
	defer cancel()

	account, err := b.broker.ManagedAccount(cctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoAccount, err)
	}
	if account == "" {
		return "", ErrNoAccount
	}
	return account, nil
}

// Equity sums the equity tag across currency segments and resolves the base
// currency. A failed summary read yields zero equity.
func (b *Builder) Equity(ctx context.Context) (decimal.Decimal, string) {
	cctx, cancel := b.withTimeout(ctx)
	values, err := b.broker.AccountSummary(cctx, EquityTag)
	cancel()

	base := strings.ToUpper(b.opts.BaseCurrency)
	if err != nil {
		slog.Warn("account summary unavailable", slog.String("error", err.Error()))
		return decimal.Zero, fallbackBase(base)
	}

	total := decimal.Zero
	for _, v := range values {
		if v.Tag != "" && v.Tag != EquityTag {
			continue
		}
		total = total.Add(v.Value)
		if base == "" && v.Currency != "" {
			base = strings.ToUpper(v.Currency)
		}
	}
	return total, fallbackBase(base)
}

func fallbackBase(base string) string {
	if base == "" {
		return "USD"
	}
	return base
}

func (b *Builder) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.opts.Timeout)
}

// FromBroker converts one broker holding into an unattributed row. FX and
// NAV fields are left for the caller.
func FromBroker(h model.BrokerPosition, account string, now time.Time) model.Position {
	if h.Account != "" {
		account = h.Account
	}
	return model.Position{
		Account:       account,
		Symbol:        h.Contract.Symbol,
		AssetClass:    h.Contract.AssetClass(),
		Contract:      h.Contract,
		Position:      h.Position,
		AverageCost:   h.AverageCost,
		MarketPrice:   h.MarketPrice,
		MarketValue:   h.MarketValue,
		Currency:      h.Contract.Currency,
		PnLPercent:    model.PnLPercent(h.MarketPrice, h.AverageCost, h.Position, h.Contract),
		UnrealizedPnL: h.UnrealizedPnL,
		RealizedPnL:   h.RealizedPnL,
		OpenDate:      now.Format(model.DateLayout),
	}
}
