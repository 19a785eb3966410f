package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"ats-supervisor/internal/model"

	"github.com/shopspring/decimal"
)

// Record is the flat column form of a position event shared by the SQL
// backends. Decimals are kept as text so no precision is lost; the contract
// and trade provenance are JSON columns.
type Record struct {
	EventID         string
	Account         string
	TS              int64 // unix nanoseconds
	Symbol          string
	AssetClass      string
	Strategy        string
	Position        string
	AverageCost     string
	MarketPrice     string
	MarketValue     string
	MarketValueBase string
	Currency        string
	FXRate          string
	PnLPercent      string
	PercentOfNAV    string
	UnrealizedPnL   string
	RealizedPnL     string
	OpenDate        string
	CloseDate       string
	Deleted         bool
	DeletedAt       int64
	Contract        string
	TradeID         string
	Trade           string
	TradeContext    string
}

// Columns lists the position table columns in Record.Args order.
var Columns = []string{
	"event_id", "account", "ts", "symbol", "asset_class", "strategy",
	"position", "average_cost", "market_price", "market_value", "market_value_base",
	"currency", "fx_rate", "pnl_percent", "percent_of_nav", "unrealized_pnl", "realized_pnl",
	"open_dt", "close_dt", "deleted", "delete_dt", "contract", "trade_id", "trade", "trade_context",
}

// Args returns the column values in Columns order.
func (r *Record) Args() []any {
	return []any{
		r.EventID, r.Account, r.TS, r.Symbol, r.AssetClass, r.Strategy,
		r.Position, r.AverageCost, r.MarketPrice, r.MarketValue, r.MarketValueBase,
		r.Currency, r.FXRate, r.PnLPercent, r.PercentOfNAV, r.UnrealizedPnL, r.RealizedPnL,
		r.OpenDate, r.CloseDate, r.Deleted, r.DeletedAt, r.Contract, r.TradeID, r.Trade, r.TradeContext,
	}
}

// Dest returns scan destinations in Columns order.
func (r *Record) Dest() []any {
	return []any{
		&r.EventID, &r.Account, &r.TS, &r.Symbol, &r.AssetClass, &r.Strategy,
		&r.Position, &r.AverageCost, &r.MarketPrice, &r.MarketValue, &r.MarketValueBase,
		&r.Currency, &r.FXRate, &r.PnLPercent, &r.PercentOfNAV, &r.UnrealizedPnL, &r.RealizedPnL,
		&r.OpenDate, &r.CloseDate, &r.Deleted, &r.DeletedAt, &r.Contract, &r.TradeID, &r.Trade, &r.TradeContext,
	}
}

// Encode flattens a position event.
func Encode(p model.Position) (Record, error) {
	contract, err := json.Marshal(p.Contract)
	if err != nil {
		return Record{}, fmt.Errorf("encode contract: %w", err)
	}
	var trade, tradeID string
	if p.Trade != nil {
		b, err := json.Marshal(p.Trade)
		if err != nil {
			return Record{}, fmt.Errorf("encode trade: %w", err)
		}
		trade, tradeID = string(b), p.Trade.TradeID
	}
	tc := p.TradeContext
	if tc == nil {
		tc = model.TradeContext{}
	}
	tcb, err := json.Marshal(tc)
	if err != nil {
		return Record{}, fmt.Errorf("encode trade context: %w", err)
	}

	var deletedAt int64
	if !p.DeletedAt.IsZero() {
		deletedAt = p.DeletedAt.UnixNano()
	}

	return Record{
		EventID:         p.EventID,
		Account:         p.Account,
		TS:              p.Timestamp.UnixNano(),
		Symbol:          p.Symbol,
		AssetClass:      p.AssetClass,
		Strategy:        p.Strategy,
		Position:        p.Position.String(),
		AverageCost:     p.AverageCost.String(),
		MarketPrice:     p.MarketPrice.String(),
		MarketValue:     p.MarketValue.String(),
		MarketValueBase: p.MarketValueBase.String(),
		Currency:        p.Currency,
		FXRate:          p.FXRate.String(),
		PnLPercent:      p.PnLPercent.String(),
		PercentOfNAV:    p.PercentOfNAV.String(),
		UnrealizedPnL:   p.UnrealizedPnL.String(),
		RealizedPnL:     p.RealizedPnL.String(),
		OpenDate:        p.OpenDate,
		CloseDate:       p.CloseDate,
		Deleted:         p.Deleted,
		DeletedAt:       deletedAt,
		Contract:        string(contract),
		TradeID:         tradeID,
		Trade:           trade,
		TradeContext:    string(tcb),
	}, nil
}

// Decode rebuilds a position event.
func (r *Record) Decode() (model.Position, error) {
	p := model.Position{
		EventID:    r.EventID,
		Account:    r.Account,
		Timestamp:  time.Unix(0, r.TS).UTC(),
		Symbol:     r.Symbol,
		AssetClass: r.AssetClass,
		Strategy:   r.Strategy,
		Currency:   r.Currency,
		OpenDate:   r.OpenDate,
		CloseDate:  r.CloseDate,
		Deleted:    r.Deleted,
	}
	if r.DeletedAt != 0 {
		p.DeletedAt = time.Unix(0, r.DeletedAt).UTC()
	}

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.Position, r.Position},
		{&p.AverageCost, r.AverageCost},
		{&p.MarketPrice, r.MarketPrice},
		{&p.MarketValue, r.MarketValue},
		{&p.MarketValueBase, r.MarketValueBase},
		{&p.FXRate, r.FXRate},
		{&p.PnLPercent, r.PnLPercent},
		{&p.PercentOfNAV, r.PercentOfNAV},
		{&p.UnrealizedPnL, r.UnrealizedPnL},
		{&p.RealizedPnL, r.RealizedPnL},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return model.Position{}, fmt.Errorf("decode event %s: %w", r.EventID, err)
		}
		*f.dst = v
	}

	if r.Contract != "" {
		if err := json.Unmarshal([]byte(r.Contract), &p.Contract); err != nil {
			return model.Position{}, fmt.Errorf("decode contract of %s: %w", r.EventID, err)
		}
	}
	if r.Trade != "" {
		var t model.TradeRef
		if err := json.Unmarshal([]byte(r.Trade), &t); err != nil {
			return model.Position{}, fmt.Errorf("decode trade of %s: %w", r.EventID, err)
		}
		p.Trade = &t
	}
	if r.TradeContext != "" {
		if err := json.Unmarshal([]byte(r.TradeContext), &p.TradeContext); err != nil {
			return model.Position{}, fmt.Errorf("decode trade context of %s: %w", r.EventID, err)
		}
		if len(p.TradeContext) == 0 {
			p.TradeContext = nil
		}
	}
	return p, nil
}

// Where renders f as a SQL conjunction over the position columns. ph returns
// the placeholder for the n-th (1-based) argument.
func Where(account string, f model.Filter, ph func(n int) string) (string, []any) {
	args := []any{account}
	clause := "account = " + ph(1)
	add := func(col string, v any) {
		args = append(args, v)
		clause += " AND " + col + " = " + ph(len(args))
	}
	if f.Symbol != "" {
		add("symbol", f.Symbol)
	}
	if f.AssetClass != "" {
		add("asset_class", f.AssetClass)
	}
	if f.Strategy != nil {
		add("strategy", *f.Strategy)
	}
	if f.Deleted != nil {
		add("deleted", *f.Deleted)
	}
	if f.TradeID != "" {
		add("trade_id", f.TradeID)
	}
	if !f.Before.IsZero() {
		args = append(args, f.Before.UnixNano())
		clause += " AND ts < " + ph(len(args))
	}
	if len(f.EventIDs) > 0 {
		marks := make([]string, len(f.EventIDs))
		for i, id := range f.EventIDs {
			args = append(args, id)
			marks[i] = ph(len(args))
		}
		clause += " AND event_id IN (" + strings.Join(marks, ", ") + ")"
	}
	return clause, args
}

// SinceNano converts a lower time bound to unix nanoseconds; the zero time
// means no bound.
func SinceNano(since time.Time) int64 {
	if since.IsZero() {
		return math.MinInt64
	}
	return since.UnixNano()
}
