package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ats-supervisor/internal/model"
	"ats-supervisor/internal/store"

	"github.com/shopspring/decimal"
)

// HasTable reports whether the account has ever been written.
func (s *Store) HasTable(ctx context.Context, account string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE account = ?`, account).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite has table: %w", err)
	}
	return true, nil
}

// ReadPositions returns events matching f in log order (timestamp, then
// insertion sequence).
func (s *Store) ReadPositions(ctx context.Context, account string, f model.Filter) ([]model.Position, error) {
	where, args := store.Where(account, f, placeholder)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strings.Join(store.Columns, ", ")+` FROM positions WHERE `+where+` ORDER BY ts ASC, seq ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var rec store.Record
		if err := rows.Scan(rec.Dest()...); err != nil {
			return nil, fmt.Errorf("sqlite scan positions: %w", err)
		}
		p, err := rec.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// HasTrade reports whether the trade id is in the account's trade log.
func (s *Store) HasTrade(ctx context.Context, account, tradeID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM trade_log WHERE account = ? AND trade_id = ?`, account, tradeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite has trade: %w", err)
	}
	return true, nil
}

// ReadEquity returns the account's equity series since the given time.
func (s *Store) ReadEquity(ctx context.Context, account string, since time.Time) ([]model.EquitySnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, total_equity FROM equity WHERE account = ? AND ts >= ? ORDER BY ts ASC, id ASC`,
		account, store.SinceNano(since))
	if err != nil {
		return nil, fmt.Errorf("sqlite query equity: %w", err)
	}
	defer rows.Close()

	var out []model.EquitySnapshot
	for rows.Next() {
		var ts int64
		var v string
		if err := rows.Scan(&ts, &v); err != nil {
			return nil, fmt.Errorf("sqlite scan equity: %w", err)
		}
		eq, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("sqlite equity value: %w", err)
		}
		out = append(out, model.EquitySnapshot{Timestamp: time.Unix(0, ts).UTC(), TotalEquity: eq, AccountID: account})
	}
	return out, rows.Err()
}
