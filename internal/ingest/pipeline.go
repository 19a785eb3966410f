// Package ingest applies single confirmed executions to the attributed
// position log without a full reconciliation pass.
//
// Per (symbol, asset class, strategy) a position moves
// absent -> open -> aggregated* -> closed. Closed rows are tombstones and
// stay in the log.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ats-supervisor/internal/fx"
	"ats-supervisor/internal/logger"
	"ats-supervisor/internal/model"
	"ats-supervisor/internal/notification"
	"ats-supervisor/internal/store"

	"github.com/shopspring/decimal"
)

// Outcome is what a trade did to the position log.
type Outcome string

const (
	Opened     Outcome = "opened"
	Aggregated Outcome = "aggregated"
	Closed     Outcome = "closed"
	Duplicate  Outcome = "duplicate"
	Ambiguous  Outcome = "ambiguous"
	Rejected   Outcome = "rejected"
)

var (
	// ErrInvalidTrade is returned for fills without a usable quantity or price.
	ErrInvalidTrade = errors.New("invalid trade")
	// ErrAmbiguousAttribution is returned when more than one open row could
	// absorb a trade.
	ErrAmbiguousAttribution = errors.New("ambiguous attribution")
)

// AccountInfo supplies the account id, total equity and base currency.
// *snapshot.Builder implements it.
type AccountInfo interface {
	Account(ctx context.Context) (string, error)
	Equity(ctx context.Context) (decimal.Decimal, string)
}

// Pipeline ingests trades. It is not safe for concurrent use; callers
// serialize it with reconciliation passes through the orchestrator queue.
type Pipeline struct {
	store    *store.Portfolio
	fx       *fx.Cache
	account  AccountInfo
	notifier notification.Notifier
	now      func() time.Time

	// OnOutcome is called once per processed trade (optional).
	OnOutcome func(Outcome)
}

// New creates a trade pipeline. notifier may be nil.
func New(st *store.Portfolio, rates *fx.Cache, account AccountInfo, notifier notification.Notifier) *Pipeline {
	if notifier == nil {
		notifier = notification.NewLogNotifier()
	}
	return &Pipeline{
		store:    st,
		fx:       rates,
		account:  account,
		notifier: notifier,
		now:      time.Now,
	}
}

// SetClock overrides the wall clock.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// ProcessNewTrade attributes trade to strategy and opens, aggregates or
// closes the matching row. Duplicates are a no-op. Nothing is written when
// an error is returned, except for store failures on the final append, which
// the table store performs in one transaction.
func (p *Pipeline) ProcessNewTrade(ctx context.Context, strategy string, trade model.Trade) (Outcome, error) {
	out, err := p.process(ctx, strategy, trade)
	if p.OnOutcome != nil {
		p.OnOutcome(out)
	}
	return out, err
}

func (p *Pipeline) process(ctx context.Context, strategy string, trade model.Trade) (Outcome, error) {
	log := slog.With(logger.LogWithTrace(ctx)...).With(
		slog.String("strategy", strategy),
		slog.String("symbol", trade.Contract.Symbol),
	)

	if err := validate(trade); err != nil {
		log.Error("trade rejected", slog.String("error", err.Error()))
		return Rejected, err
	}

	account := trade.Account
	if account == "" {
		a, err := p.account.Account(ctx)
		if err != nil {
			return Rejected, err
		}
		account = a
	}
	trade.Account = account
	tradeID := trade.Identity()
	log = log.With(slog.String("account", account), slog.String("trade_id", tradeID))

	dup, err := p.store.HasTrade(ctx, account, tradeID)
	if err != nil {
		return Rejected, err
	}
	if dup {
		log.Info("duplicate trade ignored")
		return Duplicate, nil
	}

	equity, base := p.account.Equity(ctx)
	now := p.now()
	delta := p.Delta(ctx, strategy, trade, equity, base, now)

	current, err := p.store.Latest(ctx, account)
	if err != nil {
		return Rejected, err
	}
	matches := Matching(current, delta)
	for _, m := range matches {
		if m.TradeContext.Contains(tradeID) {
			log.Info("duplicate trade ignored", slog.String("found_in", "trade_context"))
			return Duplicate, nil
		}
	}

	switch len(matches) {
	case 0:
		delta.NewEvent(now)
		if err := p.store.Append(ctx, account, []model.Position{delta}); err != nil {
			return Opened, err
		}
		log.Info("position opened", slog.String("asset_class", delta.AssetClass), slog.String("position", delta.Position.String()))
		return Opened, nil

	case 1:
		existing := matches[0]
		if existing.Position.Add(delta.Position).IsZero() {
			row := Close(existing, *delta.Trade, trade.AvgFillPrice, equity, now)
			row.NewEvent(now)
			if err := p.store.Append(ctx, account, []model.Position{row}); err != nil {
				return Closed, err
			}
			log.Info("position closed",
				slog.String("asset_class", row.AssetClass),
				slog.String("realized_pnl", row.RealizedPnL.String()),
			)
			return Closed, nil
		}

		row := Aggregate(existing, delta, equity)
		row.NewEvent(now)
		if err := p.store.Append(ctx, account, []model.Position{row}); err != nil {
			return Aggregated, err
		}
		log.Info("position aggregated",
			slog.String("asset_class", row.AssetClass),
			slog.String("position", row.Position.String()),
			slog.String("average_cost", row.AverageCost.String()),
		)
		return Aggregated, nil

	default:
		msg := fmt.Sprintf("%d open rows of %s %s under strategy %q; trade %s not applied",
			len(matches), delta.Symbol, delta.AssetClass, strategy, tradeID)
		log.Error("ambiguous attribution", slog.Int("rows", len(matches)))
		if err := p.notifier.Send(ctx, notification.Alert{
			Level:      notification.AlertCritical,
			Kind:       notification.KindAmbiguousAttribution,
			Title:      "Ambiguous trade attribution",
			Message:    msg,
			Account:    account,
			Symbol:     delta.Symbol,
			AssetClass: delta.AssetClass,
			Strategy:   strategy,
			TradeID:    tradeID,
			Time:       now,
		}); err != nil {
			log.Warn("alert delivery failed", slog.String("error", err.Error()))
		}
		return Ambiguous, fmt.Errorf("%w: %s", ErrAmbiguousAttribution, msg)
	}
}

func validate(t model.Trade) error {
	switch {
	case t.Contract.Symbol == "":
		return fmt.Errorf("%w: missing symbol", ErrInvalidTrade)
	case t.Quantity.IsZero():
		return fmt.Errorf("%w: zero fill quantity", ErrInvalidTrade)
	case !t.AvgFillPrice.IsPositive():
		return fmt.Errorf("%w: fill price %s", ErrInvalidTrade, t.AvgFillPrice)
	}
	return nil
}

// Delta builds the trade-derived row: signed quantity, the fill as both
// cost and market price, and the trade as its provenance.
func (p *Pipeline) Delta(ctx context.Context, strategy string, t model.Trade, equity decimal.Decimal, base string, now time.Time) model.Position {
	ref := t.Ref()
	mult, err := t.Contract.PriceMultiplier()
	if err != nil {
		slog.Warn("trade contract has no multiplier, using 1",
			slog.String("symbol", t.Contract.Symbol),
			slog.String("local_symbol", t.Contract.LocalSymbol),
		)
	}

	row := model.Position{
		Account:      t.Account,
		Symbol:       t.Contract.Symbol,
		AssetClass:   t.Contract.AssetClass(),
		Strategy:     strategy,
		Contract:     t.Contract,
		Position:     t.SignedQuantity(),
		AverageCost:  t.AvgFillPrice.Mul(mult),
		Currency:     t.Contract.Currency,
		OpenDate:     now.Format(model.DateLayout),
		Trade:        &ref,
		TradeContext: model.TradeContext{ref},
	}
	rate := p.fx.Rate(ctx, row.Currency, base)
	row.Revalue(model.Valuation{Price: t.AvgFillPrice, FXRate: rate, TotalEquity: equity})
	return row
}

// Matching returns the open rows a trade row would update: same symbol and
// strategy, and the same instrument by asset class tag or broker contract id.
func Matching(open []model.Position, delta model.Position) []model.Position {
	var out []model.Position
	for _, r := range open {
		if r.Deleted || r.Symbol != delta.Symbol || r.Strategy != delta.Strategy {
			continue
		}
		sameTag := r.AssetClass == delta.AssetClass
		sameCon := r.Contract.ConID != 0 && r.Contract.ConID == delta.Contract.ConID
		if sameTag || sameCon {
			out = append(out, r)
		}
	}
	return out
}

// Close tombstones existing at fillPrice. Realized PnL is the fill's
// per-contract value less the average cost, times the absolute position.
func Close(existing model.Position, ref model.TradeRef, fillPrice, equity decimal.Decimal, now time.Time) model.Position {
	row := existing
	mult, _ := row.Contract.PriceMultiplier()

	realized := fillPrice.Mul(mult).Sub(existing.AverageCost).Mul(existing.Position.Abs())
	row.RealizedPnL = existing.RealizedPnL.Add(realized)
	row.MarketPrice = fillPrice
	row.Tombstone(now)
	row.PnLPercent = decimal.Zero
	if equity.IsPositive() {
		row.PnLPercent = row.RealizedPnL.Div(equity).Mul(decimal.NewFromInt(100))
	}
	row.Trade = &ref
	row.TradeContext = existing.TradeContext.With(ref)
	return row
}

// Aggregate merges delta into existing. The new average cost weights both
// sides by absolute size.
func Aggregate(existing, delta model.Position, equity decimal.Decimal) model.Position {
	row := existing
	ea, da := existing.Position.Abs(), delta.Position.Abs()

	row.Position = existing.Position.Add(delta.Position)
	if w := ea.Add(da); w.IsPositive() {
		row.AverageCost = existing.AverageCost.Mul(ea).Add(delta.AverageCost.Mul(da)).Div(w)
	}
	row.Revalue(model.Valuation{Price: delta.MarketPrice, FXRate: delta.FXRate, TotalEquity: equity})
	row.Trade = delta.Trade
	if delta.Trade != nil {
		row.TradeContext = existing.TradeContext.With(*delta.Trade)
	}
	return row
}
