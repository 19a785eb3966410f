// Package store adapts a versioned TableStore to the portfolio's needs:
// append-only position events, folded current state, and the equity series.
// The backends live in the sqlite and postgres subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ats-supervisor/internal/model"
)

// ErrUnstamped is returned for rows without an event id and timestamp.
// Callers stamp events with their own clock so the log orders consistently.
var ErrUnstamped = errors.New("position event not stamped")

// ErrPurgeOpen is returned when a purge would remove the current event of an
// open position.
var ErrPurgeOpen = errors.New("purge would remove an open position")

// Portfolio is the store adapter the reconciliation engine, trade pipeline
// and portfolio manager depend on.
type Portfolio struct {
	ts model.TableStore
}

// NewPortfolio wraps a table store.
func NewPortfolio(ts model.TableStore) *Portfolio {
	return &Portfolio{ts: ts}
}

// Has reports whether the account has a position table.
func (p *Portfolio) Has(ctx context.Context, account string) (bool, error) {
	ok, err := p.ts.HasTable(ctx, account)
	if err != nil {
		return false, fmt.Errorf("store has %s: %w", account, err)
	}
	return ok, nil
}

// Read returns the account's raw event log.
func (p *Portfolio) Read(ctx context.Context, account string) ([]model.Position, error) {
	rows, err := p.ts.ReadPositions(ctx, account, model.Filter{})
	if err != nil {
		return nil, fmt.Errorf("store read %s: %w", account, err)
	}
	return rows, nil
}

// Query returns raw events matching f.
func (p *Portfolio) Query(ctx context.Context, account string, f model.Filter) ([]model.Position, error) {
	rows, err := p.ts.ReadPositions(ctx, account, f)
	if err != nil {
		return nil, fmt.Errorf("store query %s: %w", account, err)
	}
	return rows, nil
}

// Latest returns the folded current state: the newest non-deleted row per
// (symbol, asset class, strategy).
func (p *Portfolio) Latest(ctx context.Context, account string) ([]model.Position, error) {
	events, err := p.Read(ctx, account)
	if err != nil {
		return nil, err
	}
	return model.Fold(events), nil
}

// Write replaces the account's table.
func (p *Portfolio) Write(ctx context.Context, account string, rows []model.Position) error {
	rows, err := prepare(account, rows)
	if err != nil {
		return fmt.Errorf("store write %s: %w", account, err)
	}
	if err := p.ts.WritePositions(ctx, account, rows); err != nil {
		slog.Error("portfolio write failed",
			slog.String("account", account),
			slog.Int("rows", len(rows)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("store write %s: %w", account, err)
	}
	return nil
}

// Append adds rows as new events. Open rows with a zero position carry no
// exposure and are not stored.
func (p *Portfolio) Append(ctx context.Context, account string, rows []model.Position) error {
	rows, err := prepare(account, rows)
	if err != nil {
		return fmt.Errorf("store append %s: %w", account, err)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := p.ts.AppendPositions(ctx, account, rows); err != nil {
		slog.Error("portfolio append failed",
			slog.String("account", account),
			slog.Int("rows", len(rows)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("store append %s: %w", account, err)
	}
	return nil
}

// DeleteRows physically removes events matching f. Operators go through
// Purge; normal closing appends tombstones instead.
func (p *Portfolio) DeleteRows(ctx context.Context, account string, f model.Filter) (int64, error) {
	n, err := p.ts.DeletePositions(ctx, account, f)
	if err != nil {
		return 0, fmt.Errorf("store delete %s: %w", account, err)
	}
	slog.Warn("position events purged", slog.String("account", account), slog.Int64("rows", n))
	return n, nil
}

// Purge removes the events matching f without changing the open view. A
// closed key whose final tombstone matches is removed with all its events,
// so earlier open events cannot resurface. A filter that matches the current
// event of an open key is refused and nothing is removed.
func (p *Portfolio) Purge(ctx context.Context, account string, f model.Filter) (int64, error) {
	events, err := p.Read(ctx, account)
	if err != nil {
		return 0, err
	}
	latest := model.LatestByKey(events)

	drop := make(map[string]bool)
	whole := make(map[model.Key]bool)
	for _, ev := range events {
		if !f.Match(ev) {
			continue
		}
		last := latest[ev.Key()]
		if ev.EventID == last.EventID {
			if !last.Deleted {
				return 0, fmt.Errorf("%w: %s %s %q", ErrPurgeOpen, ev.Symbol, ev.AssetClass, ev.Strategy)
			}
			whole[ev.Key()] = true
		}
		drop[ev.EventID] = true
	}
	ids := make([]string, 0, len(drop))
	for _, ev := range events {
		if drop[ev.EventID] || whole[ev.Key()] {
			ids = append(ids, ev.EventID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return p.DeleteRows(ctx, account, model.Filter{EventIDs: ids})
}

// HasTrade reports whether a trade id is already recorded.
func (p *Portfolio) HasTrade(ctx context.Context, account, tradeID string) (bool, error) {
	ok, err := p.ts.HasTrade(ctx, account, tradeID)
	if err != nil {
		return false, fmt.Errorf("store trade lookup %s: %w", account, err)
	}
	return ok, nil
}

// AppendEquity appends one point of the equity series with its full
// timestamp.
func (p *Portfolio) AppendEquity(ctx context.Context, snap model.EquitySnapshot) error {
	if snap.Timestamp.IsZero() {
		return fmt.Errorf("store equity %s: %w", snap.AccountID, ErrUnstamped)
	}
	if err := p.ts.AppendEquity(ctx, snap); err != nil {
		return fmt.Errorf("store equity %s: %w", snap.AccountID, err)
	}
	return nil
}

// ReadEquity returns the equity series since the given time.
func (p *Portfolio) ReadEquity(ctx context.Context, account string, since time.Time) ([]model.EquitySnapshot, error) {
	out, err := p.ts.ReadEquity(ctx, account, since)
	if err != nil {
		return nil, fmt.Errorf("store read equity %s: %w", account, err)
	}
	return out, nil
}

// Close closes the underlying store.
func (p *Portfolio) Close() error { return p.ts.Close() }

// prepare drops exposure-free open rows and fills in the account. Every
// row must already carry an event id and timestamp.
func prepare(account string, rows []model.Position) ([]model.Position, error) {
	out := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		if r.Position.IsZero() && !r.Deleted {
			continue
		}
		if r.EventID == "" || r.Timestamp.IsZero() {
			return nil, fmt.Errorf("%w: %s %s %q", ErrUnstamped, r.Symbol, r.AssetClass, r.Strategy)
		}
		if r.Account == "" {
			r.Account = account
		}
		out = append(out, r)
	}
	return out, nil
}
