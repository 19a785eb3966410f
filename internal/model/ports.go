package model

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ── Collaborator Port Interfaces ──
// These interfaces decouple the portfolio core from the brokerage gateway,
// the fallback quote service and the table store. Implementations live in
// pkg/gateway and internal/store/*.

// ErrQuoteUnavailable is returned when no usable price could be obtained.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// BrokerPosition is one holding as reported by the broker.
type BrokerPosition struct {
	Account       string          `json:"account"`
	Contract      Contract        `json:"contract"`
	Position      decimal.Decimal `json:"position"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	MarketPrice   decimal.Decimal `json:"market_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// SummaryValue is one account summary entry, e.g. EquityWithLoanValue in USD.
type SummaryValue struct {
	Tag      string          `json:"tag"`
	Currency string          `json:"currency"`
	Value    decimal.Decimal `json:"value"`
}

// Quote is a market data snapshot. Unavailable fields are NaN (or zero).
type Quote struct {
	Bid   float64 `json:"bid"`
	Last  float64 `json:"last"`
	Close float64 `json:"close"`
}

// Live returns the live price: last trade, else bid.
func (q Quote) Live() (float64, bool) {
	if usable(q.Last) {
		return q.Last, true
	}
	if usable(q.Bid) {
		return q.Bid, true
	}
	return 0, false
}

// PrevClose returns the last-session close.
func (q Quote) PrevClose() (float64, bool) {
	if usable(q.Close) {
		return q.Close, true
	}
	return 0, false
}

// Price returns the live price, falling back to the previous close.
func (q Quote) Price() (float64, bool) {
	if p, ok := q.Live(); ok {
		return p, true
	}
	return q.PrevClose()
}

// usable treats zero, negative, NaN and Inf as "data unavailable".
func usable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// Quoter requests market data for a contract.
type Quoter interface {
	Quote(ctx context.Context, c Contract) (Quote, error)
}

// Broker is the brokerage gateway session used by the portfolio core.
type Broker interface {
	Quoter

	// ManagedAccount returns the account id of the session.
	ManagedAccount(ctx context.Context) (string, error)

	// Positions returns all holdings of the managed account.
	Positions(ctx context.Context) ([]BrokerPosition, error)

	// AccountSummary returns the values of tag across currency segments.
	AccountSummary(ctx context.Context, tag string) ([]SummaryValue, error)
}

// QuoteService is the external market-data fallback (e.g. "EURUSD=X").
type QuoteService interface {
	Quote(ctx context.Context, ticker string) (float64, error)
}

// TableStore is the versioned table store holding the position event log,
// the trade log and the equity series, keyed by account.
type TableStore interface {
	// HasTable reports whether a position table exists for the account.
	HasTable(ctx context.Context, account string) (bool, error)

	// ReadPositions returns the account's events matching f in log order.
	ReadPositions(ctx context.Context, account string, f Filter) ([]Position, error)

	// WritePositions replaces the account's table with rows.
	WritePositions(ctx context.Context, account string, rows []Position) error

	// AppendPositions appends rows as new events in one transaction.
	AppendPositions(ctx context.Context, account string, rows []Position) error

	// DeletePositions physically removes rows matching f and returns the count.
	DeletePositions(ctx context.Context, account string, f Filter) (int64, error)

	// HasTrade reports whether a trade id was already recorded for the account.
	HasTrade(ctx context.Context, account, tradeID string) (bool, error)

	// AppendEquity appends one equity snapshot.
	AppendEquity(ctx context.Context, snap EquitySnapshot) error

	// ReadEquity returns the equity series since the given time.
	ReadEquity(ctx context.Context, account string, since time.Time) ([]EquitySnapshot, error)

	// Close releases underlying resources.
	Close() error
}
