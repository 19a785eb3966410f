// Package modeltest provides in-memory fakes of the broker and table store
// ports for package tests.
package modeltest

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"ats-supervisor/internal/model"
)

// Broker is a scripted broker session.
type Broker struct {
	mu sync.Mutex

	Account     string
	Holdings    []model.BrokerPosition
	Summary     []model.SummaryValue
	Quotes      map[string]model.Quote // keyed by LocalSymbol, then Symbol
	AccountErr  error
	PositionErr error
	SummaryErr  error
	QuoteErr    map[string]error

	QuoteCalls   int
	SummaryCalls int
}

// ManagedAccount implements model.Broker.
func (b *Broker) ManagedAccount(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Account, b.AccountErr
}

// Positions implements model.Broker.
func (b *Broker) Positions(context.Context) ([]model.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PositionErr != nil {
		return nil, b.PositionErr
	}
	out := make([]model.BrokerPosition, len(b.Holdings))
	copy(out, b.Holdings)
	return out, nil
}

// AccountSummary implements model.Broker.
func (b *Broker) AccountSummary(_ context.Context, tag string) ([]model.SummaryValue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SummaryCalls++
	if b.SummaryErr != nil {
		return nil, b.SummaryErr
	}
	var out []model.SummaryValue
	for _, v := range b.Summary {
		if v.Tag == "" || v.Tag == tag {
			out = append(out, v)
		}
	}
	return out, nil
}

// Quote implements model.Quoter.
func (b *Broker) Quote(_ context.Context, c model.Contract) (model.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.QuoteCalls++
	for _, k := range []string{c.LocalSymbol, c.Symbol} {
		if k == "" {
			continue
		}
		if err := b.QuoteErr[k]; err != nil {
			return model.Quote{}, err
		}
		if q, ok := b.Quotes[k]; ok {
			return q, nil
		}
	}
	nan := math.NaN()
	return model.Quote{Bid: nan, Last: nan, Close: nan}, nil
}

// ErrStoreDown is returned by a Store with Fail set.
var ErrStoreDown = errors.New("store unavailable")

// Store is an in-memory model.TableStore.
type Store struct {
	mu sync.Mutex

	positions map[string][]model.Position
	trades    map[string]map[string]bool
	equity    []model.EquitySnapshot

	// Fail makes every mutating call return ErrStoreDown.
	Fail   bool
	Writes int
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		positions: make(map[string][]model.Position),
		trades:    make(map[string]map[string]bool),
	}
}

func (s *Store) HasTable(_ context.Context, account string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.positions[account]
	return ok, nil
}

func (s *Store) ReadPositions(_ context.Context, account string, f model.Filter) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Position
	for _, p := range s.positions[account] {
		if f.Match(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) WritePositions(_ context.Context, account string, rows []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrStoreDown
	}
	s.Writes++
	s.positions[account] = append([]model.Position(nil), rows...)
	s.trades[account] = make(map[string]bool)
	s.recordTrades(account, rows)
	return nil
}

func (s *Store) AppendPositions(_ context.Context, account string, rows []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrStoreDown
	}
	s.Writes++
	s.positions[account] = append(s.positions[account], rows...)
	s.recordTrades(account, rows)
	return nil
}

func (s *Store) recordTrades(account string, rows []model.Position) {
	if s.trades[account] == nil {
		s.trades[account] = make(map[string]bool)
	}
	for _, r := range rows {
		if r.Trade != nil && r.Trade.TradeID != "" {
			s.trades[account][r.Trade.TradeID] = true
		}
	}
}

func (s *Store) DeletePositions(_ context.Context, account string, f model.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return 0, ErrStoreDown
	}
	var kept []model.Position
	var n int64
	for _, p := range s.positions[account] {
		if f.Match(p) {
			n++
			continue
		}
		kept = append(kept, p)
	}
	s.positions[account] = kept
	return n, nil
}

func (s *Store) HasTrade(_ context.Context, account, tradeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades[account][tradeID], nil
}

func (s *Store) AppendEquity(_ context.Context, snap model.EquitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrStoreDown
	}
	s.equity = append(s.equity, snap)
	return nil
}

func (s *Store) ReadEquity(_ context.Context, account string, since time.Time) ([]model.EquitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.EquitySnapshot
	for _, e := range s.equity {
		if e.AccountID == account && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) Close() error { return nil }

// Events returns a copy of the account's raw event log.
func (s *Store) Events(account string) []model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Position(nil), s.positions[account]...)
}

// Clock is a deterministic time source that advances one second per call.
type Clock struct {
	mu sync.Mutex
	T  time.Time
}

// Now returns the current fake time and advances it.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.T
	c.T = c.T.Add(time.Second)
	return t
}
