// Package portfolio owns the attributed position table of the managed
// account: reconciliation passes, trade application, operator edits and
// the read views built on top of them.
//
// Manager is not safe for concurrent mutation. The orchestrator routes every
// mutating call through its single queue consumer.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ats-supervisor/internal/ingest"
	"ats-supervisor/internal/model"
	"ats-supervisor/internal/notification"
	"ats-supervisor/internal/reconcile"
	"ats-supervisor/internal/snapshot"
	"ats-supervisor/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when no open row matches an operator request.
var ErrNotFound = errors.New("position not found")

// Publisher receives the open position view after every change.
type Publisher interface {
	Publish(ctx context.Context, update Update) error
}

// Update is one published portfolio state.
type Update struct {
	Account     string           `json:"account"`
	Timestamp   time.Time        `json:"timestamp"`
	TotalEquity decimal.Decimal  `json:"total_equity"`
	Reason      string           `json:"reason"`
	Positions   []model.Position `json:"positions"`
}

// Manager wires the snapshot builder, reconciliation engine, trade pipeline
// and store adapter for one broker session.
type Manager struct {
	builder  *snapshot.Builder
	engine   *reconcile.Engine
	pipeline *ingest.Pipeline
	store    *store.Portfolio
	notifier notification.Notifier
	risk     *RiskManager
	now      func() time.Time

	mu         sync.Mutex
	account    string
	publishers []Publisher

	// OnReconcile is called after every persisted pass (optional).
	OnReconcile func(res reconcile.Result, equity decimal.Decimal, took time.Duration)
	// OnConservationFail is called when merged totals disagree with the
	// broker (optional).
	OnConservationFail func(err error)
}

// Deps are the Manager's collaborators.
type Deps struct {
	Builder  *snapshot.Builder
	Engine   *reconcile.Engine
	Pipeline *ingest.Pipeline
	Store    *store.Portfolio
	Notifier notification.Notifier
	Risk     *RiskManager
	Now      func() time.Time
}

// NewManager creates a portfolio manager.
func NewManager(d Deps) *Manager {
	if d.Notifier == nil {
		d.Notifier = notification.NewLogNotifier()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Manager{
		builder:  d.Builder,
		engine:   d.Engine,
		pipeline: d.Pipeline,
		store:    d.Store,
		notifier: d.Notifier,
		risk:     d.Risk,
		now:      d.Now,
	}
}

// AddPublisher registers a publisher for portfolio updates.
func (m *Manager) AddPublisher(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers = append(m.publishers, p)
}

// Account returns the managed account id, resolved once per session.
func (m *Manager) Account(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account != "" {
		return m.account, nil
	}
	a, err := m.builder.Account(ctx)
	if err != nil {
		return "", err
	}
	m.account = a
	return a, nil
}

// Reconcile runs one full pass: broker snapshot, merge against the stored
// log, persist the merged batch and append an equity point. On a persistence
// error the computed result is still returned so the caller may retry.
func (m *Manager) Reconcile(ctx context.Context) (reconcile.Result, error) {
	start := m.now()

	snap, err := m.builder.Build(ctx)
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("reconcile: %w", err)
	}
	log := slog.With(slog.String("account", snap.Account))

	has, err := m.store.Has(ctx, snap.Account)
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("reconcile: %w", err)
	}

	var res reconcile.Result
	if !has {
		res = firstTable(snap, m.now())
		log.Info("no position table, saving broker snapshot", slog.Int("rows", len(res.Rows)))
		err = m.store.Write(ctx, snap.Account, res.Rows)
	} else {
		stored, rerr := m.store.Read(ctx, snap.Account)
		if rerr != nil {
			return reconcile.Result{}, fmt.Errorf("reconcile: %w", rerr)
		}
		res = m.engine.Reconcile(ctx, snap, stored)
		if cerr := reconcile.CheckConservation(snap, res.Rows); cerr != nil {
			log.Error("conservation check failed", slog.String("error", cerr.Error()))
			if m.OnConservationFail != nil {
				m.OnConservationFail(cerr)
			}
			m.alert(ctx, notification.Alert{
				Level: notification.AlertCritical, Kind: notification.KindConservation,
				Title: "Position conservation violated", Message: cerr.Error(), Account: snap.Account,
			})
		}
		err = m.store.Append(ctx, snap.Account, res.Events())
	}
	if err != nil {
		m.alert(ctx, notification.Alert{
			Level: notification.AlertCritical, Kind: notification.KindPersistence,
			Title: "Portfolio persistence failed", Message: err.Error(), Account: snap.Account,
		})
		return res, fmt.Errorf("reconcile: %w", err)
	}

	if snap.TotalEquity.IsPositive() {
		if err := m.store.AppendEquity(ctx, model.EquitySnapshot{
			Timestamp:   snap.Taken,
			TotalEquity: snap.TotalEquity,
			AccountID:   snap.Account,
		}); err != nil {
			log.Error("equity snapshot not saved", slog.String("error", err.Error()))
		}
	} else {
		log.Warn("total equity unavailable, equity snapshot skipped")
	}

	took := m.now().Sub(start)
	log.Info("reconciliation pass complete",
		slog.Int("rows", len(res.Rows)),
		slog.Int("merged", res.Merged),
		slog.Int("residuals", res.Residuals),
		slog.Int("strays", res.Strays),
		slog.Int("stray_failures", res.Failed),
		slog.Duration("took", took),
	)
	if m.OnReconcile != nil {
		m.OnReconcile(res, snap.TotalEquity, took)
	}

	m.checkRisk(ctx, snap.Account, res.Rows)
	m.publish(ctx, Update{
		Account:     snap.Account,
		Timestamp:   snap.Taken,
		TotalEquity: snap.TotalEquity,
		Reason:      "reconcile",
		Positions:   SortForView(res.Rows),
	})
	return res, nil
}

// firstTable turns a broker snapshot into the initial stored table.
func firstTable(snap snapshot.Snapshot, now time.Time) reconcile.Result {
	var res reconcile.Result
	for _, r := range snap.Rows {
		if r.Position.IsZero() {
			continue
		}
		r.NewEvent(now.Add(time.Duration(len(res.Rows))))
		res.Rows = append(res.Rows, r)
		res.Residuals++
	}
	return res
}

// ProcessTrade applies one execution and publishes the new view.
func (m *Manager) ProcessTrade(ctx context.Context, strategy string, trade model.Trade) (ingest.Outcome, error) {
	out, err := m.pipeline.ProcessNewTrade(ctx, strategy, trade)
	if err != nil || out == ingest.Duplicate {
		return out, err
	}
	m.publishLatest(ctx, "trade:"+string(out))
	return out, nil
}

// Positions returns the open view sorted for display: symbols ordered by
// their largest NAV share, rows within a symbol by NAV share.
func (m *Manager) Positions(ctx context.Context) ([]model.Position, error) {
	account, err := m.Account(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := m.store.Latest(ctx, account)
	if err != nil {
		return nil, err
	}
	return SortForView(rows), nil
}

// History returns raw position events matching f, newest last.
func (m *Manager) History(ctx context.Context, f model.Filter) ([]model.Position, error) {
	account, err := m.Account(ctx)
	if err != nil {
		return nil, err
	}
	return m.store.Query(ctx, account, f)
}

// Equity returns the equity series since the given time.
func (m *Manager) Equity(ctx context.Context, since time.Time) ([]model.EquitySnapshot, error) {
	account, err := m.Account(ctx)
	if err != nil {
		return nil, err
	}
	return m.store.ReadEquity(ctx, account, since)
}

// Summary aggregates realized and unrealized PnL over the event log.
func (m *Manager) Summary(ctx context.Context) (PnLSummary, error) {
	account, err := m.Account(ctx)
	if err != nil {
		return PnLSummary{}, err
	}
	events, err := m.store.Read(ctx, account)
	if err != nil {
		return PnLSummary{}, err
	}
	return Summarize(events), nil
}

// DeletePosition tombstones an open row without realizing PnL.
func (m *Manager) DeletePosition(ctx context.Context, key model.Key) error {
	account, row, err := m.find(ctx, key)
	if err != nil {
		return err
	}
	now := m.now()
	row.Deleted = true
	row.DeletedAt = now
	row.NewEvent(now)
	if err := m.store.Append(ctx, account, []model.Position{row}); err != nil {
		return err
	}
	slog.Info("position deleted by operator",
		slog.String("account", account),
		slog.String("symbol", key.Symbol),
		slog.String("asset_class", key.AssetClass),
		slog.String("strategy", key.Strategy),
	)
	m.publishLatest(ctx, "delete")
	return nil
}

// ClosePosition closes an open row at fillPrice through the same path as a
// closing trade, recording a synthetic operator trade.
func (m *Manager) ClosePosition(ctx context.Context, key model.Key, fillPrice decimal.Decimal) (model.Position, error) {
	if !fillPrice.IsPositive() {
		return model.Position{}, fmt.Errorf("%w: fill price %s", ingest.ErrInvalidTrade, fillPrice)
	}
	account, row, err := m.find(ctx, key)
	if err != nil {
		return model.Position{}, err
	}

	now := m.now()
	action := model.ActionSell
	if row.Position.IsNegative() {
		action = model.ActionBuy
	}
	ref := model.TradeRef{
		TradeID:  "operator-" + uuid.NewString(),
		OrderRef: "operator",
		Action:   action,
		Quantity: row.Position.Abs(),
		Price:    fillPrice,
		Time:     now,
		Account:  account,
	}
	equity, _ := m.builder.Equity(ctx)

	closed := ingest.Close(row, ref, fillPrice, equity, now)
	closed.NewEvent(now)
	if err := m.store.Append(ctx, account, []model.Position{closed}); err != nil {
		return model.Position{}, err
	}
	slog.Info("position closed by operator",
		slog.String("account", account),
		slog.String("symbol", key.Symbol),
		slog.String("strategy", key.Strategy),
		slog.String("realized_pnl", closed.RealizedPnL.String()),
	)
	m.publishLatest(ctx, "close")
	return closed, nil
}

// AssignResidual attributes the unattributed row of an instrument to
// strategy. An existing row of that strategy absorbs it by size-weighted
// cost.
func (m *Manager) AssignResidual(ctx context.Context, ik model.InstrumentKey, strategy string) (model.Position, error) {
	if strategy == "" {
		return model.Position{}, errors.New("assign residual: strategy required")
	}
	account, residual, err := m.find(ctx, model.Key{Symbol: ik.Symbol, AssetClass: ik.AssetClass})
	if err != nil {
		return model.Position{}, err
	}

	now := m.now()
	delta := residual
	delta.Strategy = strategy

	row := delta
	if _, existing, ferr := m.find(ctx, model.Key{Symbol: ik.Symbol, AssetClass: ik.AssetClass, Strategy: strategy}); ferr == nil {
		equity, _ := m.builder.Equity(ctx)
		row = ingest.Aggregate(existing, delta, equity)
		row.Trade = existing.Trade
		row.TradeContext = existing.TradeContext
	} else if !errors.Is(ferr, ErrNotFound) {
		return model.Position{}, ferr
	}

	residual.Deleted = true
	residual.DeletedAt = now
	residual.NewEvent(now)
	row.NewEvent(now.Add(time.Nanosecond))

	if err := m.store.Append(ctx, account, []model.Position{residual, row}); err != nil {
		return model.Position{}, err
	}
	slog.Info("residual assigned",
		slog.String("account", account),
		slog.String("symbol", ik.Symbol),
		slog.String("asset_class", ik.AssetClass),
		slog.String("strategy", strategy),
		slog.String("position", row.Position.String()),
	)
	m.publishLatest(ctx, "assign")
	return row, nil
}

// Purge physically removes events matching f. The audit trail of removed
// rows is lost; open positions are never affected.
func (m *Manager) Purge(ctx context.Context, f model.Filter) (int64, error) {
	account, err := m.Account(ctx)
	if err != nil {
		return 0, err
	}
	n, err := m.store.Purge(ctx, account, f)
	if err != nil {
		return 0, err
	}
	m.publishLatest(ctx, "purge")
	return n, nil
}

func (m *Manager) find(ctx context.Context, key model.Key) (string, model.Position, error) {
	account, err := m.Account(ctx)
	if err != nil {
		return "", model.Position{}, err
	}
	rows, err := m.store.Latest(ctx, account)
	if err != nil {
		return "", model.Position{}, err
	}
	for _, r := range rows {
		if r.Key() == key {
			return account, r, nil
		}
	}
	return "", model.Position{}, fmt.Errorf("%w: %s %s %q", ErrNotFound, key.Symbol, key.AssetClass, key.Strategy)
}

func (m *Manager) publishLatest(ctx context.Context, reason string) {
	m.mu.Lock()
	n := len(m.publishers)
	m.mu.Unlock()
	if n == 0 {
		return
	}
	account, err := m.Account(ctx)
	if err != nil {
		return
	}
	rows, err := m.store.Latest(ctx, account)
	if err != nil {
		slog.Warn("publish skipped", slog.String("error", err.Error()))
		return
	}
	m.publish(ctx, Update{Account: account, Timestamp: m.now(), Reason: reason, Positions: SortForView(rows)})
}

func (m *Manager) publish(ctx context.Context, u Update) {
	m.mu.Lock()
	pubs := append([]Publisher(nil), m.publishers...)
	m.mu.Unlock()
	for _, p := range pubs {
		if err := p.Publish(ctx, u); err != nil {
			slog.Warn("portfolio publish failed", slog.String("reason", u.Reason), slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) checkRisk(ctx context.Context, account string, rows []model.Position) {
	if m.risk == nil {
		return
	}
	series, err := m.store.ReadEquity(ctx, account, m.now().Add(-m.risk.Lookback()))
	if err != nil {
		slog.Warn("risk check skipped", slog.String("error", err.Error()))
		return
	}
	for _, b := range m.risk.Check(rows, series) {
		m.alert(ctx, notification.Alert{
			Level: notification.AlertWarning, Kind: notification.KindRiskLimit,
			Title: "Risk limit breached", Message: b.String(),
			Account: account, Symbol: b.Symbol, Strategy: b.Strategy,
		})
	}
}

func (m *Manager) alert(ctx context.Context, a notification.Alert) {
	a.Time = m.now()
	if err := m.notifier.Send(ctx, a); err != nil {
		slog.Warn("alert delivery failed", slog.String("kind", string(a.Kind)), slog.String("error", err.Error()))
	}
}

// SortForView orders rows for display: symbol groups by their maximum
// percent of NAV (desc), then symbol, then percent of NAV (desc).
func SortForView(rows []model.Position) []model.Position {
	out := append([]model.Position(nil), rows...)
	maxNAV := make(map[string]decimal.Decimal)
	for _, r := range out {
		if cur, ok := maxNAV[r.Symbol]; !ok || r.PercentOfNAV.GreaterThan(cur) {
			maxNAV[r.Symbol] = r.PercentOfNAV
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ma, mb := maxNAV[a.Symbol], maxNAV[b.Symbol]; !ma.Equal(mb) {
			return ma.GreaterThan(mb)
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.PercentOfNAV.GreaterThan(b.PercentOfNAV)
	})
	return out
}
