// Package reconcile merges the broker's ground-truth holdings with the
// strategy-attributed position breakdown.
//
// Matching is scoped by (symbol, asset class); the strategy is the free
// dimension. For every instrument the attributed rows are revalued in place
// and the unattributed residual is recomputed as
//
//	residual = broker - sum(attributed)
//
// so that attributed plus residual always equals what the broker reports.
// Instruments the broker no longer reports keep their attributed rows,
// refreshed from live market data. They get no residual: a residual is
// exposure the broker confirms, and a stale one is closed.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"ats-supervisor/internal/fx"
	"ats-supervisor/internal/model"
	"ats-supervisor/internal/snapshot"

	"github.com/shopspring/decimal"
)

// Engine runs reconciliation passes. It holds no state between passes.
type Engine struct {
	quoter  model.Quoter
	fx      *fx.Cache
	timeout time.Duration
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithQuoteTimeout bounds each stray-row market data request.
func WithQuoteTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. quoter refreshes rows the broker snapshot lacks.
func New(quoter model.Quoter, rates *fx.Cache, opts ...Option) *Engine {
	e := &Engine{quoter: quoter, fx: rates, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Result is the outcome of one pass.
type Result struct {
	// Rows is the merged, open position set.
	Rows []model.Position
	// Tombstones close residual rows that no longer carry exposure.
	Tombstones []model.Position

	Merged    int // attributed rows matched against a broker holding
	Residuals int // residual rows emitted
	Strays    int // attributed rows the broker no longer reports
	Failed    int // stray rows whose market data refresh failed
}

// Events returns everything the pass wants persisted, in order.
func (r Result) Events() []model.Position {
	out := make([]model.Position, 0, len(r.Rows)+len(r.Tombstones))
	out = append(out, r.Rows...)
	return append(out, r.Tombstones...)
}

// group is one instrument's stored state.
type group struct {
	attributed []model.Position
	residual   *model.Position
}

// Reconcile merges snap with stored. stored may be a raw event log or an
// already folded view; only the latest non-deleted row per key is used.
func (e *Engine) Reconcile(ctx context.Context, snap snapshot.Snapshot, stored []model.Position) Result {
	now := e.now()
	groups := groupStored(model.Fold(stored))
	brokers, order := mergeBroker(snap.Rows)

	var res Result
	seq := 0
	stamp := func(p *model.Position) {
		p.NewEvent(now.Add(time.Duration(seq)))
		seq++
	}

	for _, ik := range order {
		br := brokers[ik]
		g := groups[ik]
		delete(groups, ik)

		val := model.Valuation{Price: br.MarketPrice, FXRate: br.FXRate, TotalEquity: snap.TotalEquity}

		// no attribution yet: the broker row is the residual
		if len(g.attributed) == 0 {
			if br.Position.IsZero() {
				res.Tombstones = appendTombstone(res.Tombstones, g.residual, now, stamp)
				continue
			}
			row := br
			row.Strategy = ""
			if g.residual != nil {
				row.OpenDate = g.residual.OpenDate
			}
			stamp(&row)
			res.Rows = append(res.Rows, row)
			res.Residuals++
			continue
		}

		for _, a := range g.attributed {
			a.Revalue(val)
			stamp(&a)
			res.Rows = append(res.Rows, a)
			res.Merged++
		}

		row, ok := residual(br, g, val, now)
		if !ok {
			res.Tombstones = appendTombstone(res.Tombstones, g.residual, now, stamp)
			continue
		}
		stamp(&row)
		res.Rows = append(res.Rows, row)
		res.Residuals++
	}

	// instruments the broker no longer reports
	for _, ik := range sortedKeys(groups) {
		g := groups[ik]
		e.reconcileStray(ctx, snap, ik, g, now, stamp, &res)
	}

	return res
}

func (e *Engine) reconcileStray(ctx context.Context, snap snapshot.Snapshot, ik model.InstrumentKey, g group, now time.Time, stamp func(*model.Position), res *Result) {
	// the broker confirms no exposure, so an old residual is closed
	res.Tombstones = appendTombstone(res.Tombstones, g.residual, now, stamp)
	if len(g.attributed) == 0 {
		return
	}

	current := g.attributed[0]
	price, fresh := e.quote(ctx, ik, current.Contract)
	rate := e.fx.Rate(ctx, current.Currency, snap.BaseCurrency)

	for _, a := range g.attributed {
		res.Strays++
		if fresh {
			a.Revalue(model.Valuation{Price: price, FXRate: rate, TotalEquity: snap.TotalEquity})
		} else {
			res.Failed++
		}
		stamp(&a)
		res.Rows = append(res.Rows, a)
	}
}

// quote fetches a live price for a row the broker snapshot does not cover.
func (e *Engine) quote(ctx context.Context, ik model.InstrumentKey, c model.Contract) (decimal.Decimal, bool) {
	log := slog.With(slog.String("symbol", ik.Symbol), slog.String("asset_class", ik.AssetClass))
	if e.quoter == nil {
		return decimal.Zero, false
	}

	qctx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	q, err := e.quoter.Quote(qctx, c)
	if err != nil {
		log.Warn("stray position refresh failed, keeping last values", slog.String("error", err.Error()))
		return decimal.Zero, false
	}
	p, ok := q.Price()
	if !ok {
		log.Warn("stray position has no market data, keeping last values")
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(p), true
}

// residual computes the unattributed remainder of br after g's attributed
// rows. It reports false when nothing remains.
func residual(br model.Position, g group, val model.Valuation, now time.Time) (model.Position, bool) {
	attributed := model.SumPositions(g.attributed)
	qty := br.Position.Sub(attributed)
	if qty.IsZero() {
		return model.Position{}, false
	}

	attributedCost := decimal.Zero
	for _, a := range g.attributed {
		attributedCost = attributedCost.Add(a.AverageCost.Mul(a.Position))
	}
	cost := br.AverageCost.Mul(br.Position).Sub(attributedCost).Div(qty)

	row := br
	row.Strategy = ""
	row.Position = qty
	row.AverageCost = cost
	row.RealizedPnL = decimal.Zero
	row.Trade = nil
	row.TradeContext = nil
	row.CloseDate = ""
	row.Deleted = false
	row.DeletedAt = time.Time{}
	row.OpenDate = now.Format(model.DateLayout)
	if g.residual != nil && g.residual.OpenDate != "" {
		row.OpenDate = g.residual.OpenDate
	}
	row.Revalue(val)
	return row, true
}

func appendTombstone(dst []model.Position, prev *model.Position, now time.Time, stamp func(*model.Position)) []model.Position {
	if prev == nil {
		return dst
	}
	t := *prev
	t.Tombstone(now)
	stamp(&t)
	return append(dst, t)
}

func groupStored(rows []model.Position) map[model.InstrumentKey]group {
	out := make(map[model.InstrumentKey]group)
	for _, r := range rows {
		ik := r.Instrument()
		g := out[ik]
		if r.IsResidual() {
			row := r
			g.residual = &row
		} else {
			g.attributed = append(g.attributed, r)
		}
		out[ik] = g
	}
	return out
}

// mergeBroker collapses the snapshot to one row per instrument. A broker
// reporting the same instrument twice is folded into a single row with a
// size-weighted cost.
func mergeBroker(rows []model.Position) (map[model.InstrumentKey]model.Position, []model.InstrumentKey) {
	out := make(map[model.InstrumentKey]model.Position, len(rows))
	var order []model.InstrumentKey
	for _, r := range rows {
		ik := r.Instrument()
		prev, ok := out[ik]
		if !ok {
			out[ik] = r
			order = append(order, ik)
			continue
		}
		total := prev.Position.Add(r.Position)
		if !total.IsZero() {
			prev.AverageCost = prev.AverageCost.Mul(prev.Position).Add(r.AverageCost.Mul(r.Position)).Div(total)
		}
		prev.Position = total
		prev.MarketValue = prev.MarketValue.Add(r.MarketValue)
		prev.MarketValueBase = prev.MarketValueBase.Add(r.MarketValueBase)
		prev.PercentOfNAV = prev.PercentOfNAV.Add(r.PercentOfNAV)
		prev.UnrealizedPnL = prev.UnrealizedPnL.Add(r.UnrealizedPnL)
		prev.RealizedPnL = prev.RealizedPnL.Add(r.RealizedPnL)
		out[ik] = prev
	}
	return out, order
}

func sortedKeys(m map[model.InstrumentKey]group) []model.InstrumentKey {
	keys := make([]model.InstrumentKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].AssetClass < keys[j].AssetClass
	})
	return keys
}

// ConservationError lists instruments whose attributed total disagrees with
// the broker.
type ConservationError struct {
	Mismatches map[model.InstrumentKey][2]decimal.Decimal // broker, merged
}

func (e *ConservationError) Error() string {
	parts := make([]string, 0, len(e.Mismatches))
	for k, v := range e.Mismatches {
		parts = append(parts, fmt.Sprintf("%s broker=%s merged=%s", k, v[0], v[1]))
	}
	sort.Strings(parts)
	return "position conservation violated: " + strings.Join(parts, "; ")
}

// CheckConservation verifies that, for every instrument the broker reports,
// the open merged rows sum to the broker position. Stray rows of
// instruments absent from the snapshot are not checked.
func CheckConservation(snap snapshot.Snapshot, merged []model.Position) error {
	broker := make(map[model.InstrumentKey]decimal.Decimal)
	for _, r := range snap.Rows {
		ik := r.Instrument()
		broker[ik] = broker[ik].Add(r.Position)
	}
	sums := make(map[model.InstrumentKey]decimal.Decimal)
	for _, r := range merged {
		if r.Deleted {
			continue
		}
		ik := r.Instrument()
		sums[ik] = sums[ik].Add(r.Position)
	}

	bad := make(map[model.InstrumentKey][2]decimal.Decimal)
	for ik, want := range broker {
		if got := sums[ik]; !got.Equal(want) {
			bad[ik] = [2]decimal.Decimal{want, got}
		}
	}
	if len(bad) > 0 {
		return &ConservationError{Mismatches: bad}
	}
	return nil
}
