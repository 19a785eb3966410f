package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the layout of open/close dates on position rows.
const DateLayout = "2006-01-02"

var hundred = decimal.NewFromInt(100)

// Position is one event in an account's attributed position log.
// Strategy "" marks an unattributed residual row.
type Position struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Account   string    `json:"account"`

	Symbol     string   `json:"symbol"`
	AssetClass string   `json:"asset_class"`
	Strategy   string   `json:"strategy"`
	Contract   Contract `json:"contract"`

	Position        decimal.Decimal `json:"position"`     // signed: + long, - short
	AverageCost     decimal.Decimal `json:"average_cost"` // broker convention (per contract)
	MarketPrice     decimal.Decimal `json:"market_price"`
	MarketValue     decimal.Decimal `json:"market_value"`
	MarketValueBase decimal.Decimal `json:"market_value_base"`
	Currency        string          `json:"currency"`
	FXRate          decimal.Decimal `json:"fx_rate"`

	PnLPercent    decimal.Decimal `json:"pnl_percent"`
	PercentOfNAV  decimal.Decimal `json:"percent_of_nav"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`

	OpenDate  string    `json:"open_dt"`
	CloseDate string    `json:"close_dt"`
	Deleted   bool      `json:"deleted"`
	DeletedAt time.Time `json:"delete_dt,omitempty"`

	Trade        *TradeRef    `json:"trade,omitempty"`
	TradeContext TradeContext `json:"trade_context,omitempty"`
}

// Key identifies an attributed position.
type Key struct {
	Symbol     string
	AssetClass string
	Strategy   string
}

// InstrumentKey scopes matching against the broker.
type InstrumentKey struct {
	Symbol     string
	AssetClass string
}

func (k InstrumentKey) String() string { return k.Symbol + ":" + k.AssetClass }

// Key returns the attribution key of the row.
func (p *Position) Key() Key {
	return Key{Symbol: p.Symbol, AssetClass: p.AssetClass, Strategy: p.Strategy}
}

// Instrument returns the (symbol, asset class) key of the row.
func (p *Position) Instrument() InstrumentKey {
	return InstrumentKey{Symbol: p.Symbol, AssetClass: p.AssetClass}
}

// IsResidual reports whether the row is unattributed.
func (p *Position) IsResidual() bool { return p.Strategy == "" }

// NewEvent stamps the row as a new event at ts.
func (p *Position) NewEvent(ts time.Time) {
	p.EventID = uuid.NewString()
	p.Timestamp = ts
}

// Valuation is the market context used to refresh a row.
type Valuation struct {
	Price       decimal.Decimal
	FXRate      decimal.Decimal
	TotalEquity decimal.Decimal
}

// Revalue refreshes market-dependent fields from v. Position and average
// cost are left untouched.
func (p *Position) Revalue(v Valuation) {
	mult := p.Contract.multiplier()
	p.MarketPrice = v.Price
	if v.FXRate.IsPositive() {
		p.FXRate = v.FXRate
	}
	p.MarketValue = v.Price.Mul(mult).Mul(p.Position)
	p.MarketValueBase = ToBase(p.MarketValue, p.FXRate)
	p.PercentOfNAV = PercentOfNAV(p.MarketValueBase, v.TotalEquity)
	p.UnrealizedPnL = v.Price.Mul(mult).Sub(p.AverageCost).Mul(p.Position)
	p.PnLPercent = PnLPercent(v.Price, p.AverageCost, p.Position, p.Contract)
}

// Tombstone closes the row: valuation fields are zeroed and the row is
// marked deleted as of now.
func (p *Position) Tombstone(now time.Time) {
	p.MarketValue = decimal.Zero
	p.MarketValueBase = decimal.Zero
	p.PercentOfNAV = decimal.Zero
	p.UnrealizedPnL = decimal.Zero
	p.CloseDate = now.Format(DateLayout)
	p.Deleted = true
	p.DeletedAt = now
}

// ToBase converts a value in the instrument currency to the base currency.
// rate is the price of one base unit in the instrument currency.
func ToBase(value, rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		return value
	}
	return value.Div(rate)
}

// PercentOfNAV returns value / equity * 100, or zero when equity is not positive.
func PercentOfNAV(valueBase, equity decimal.Decimal) decimal.Decimal {
	if !equity.IsPositive() {
		return decimal.Zero
	}
	return valueBase.Div(equity).Mul(hundred)
}

// PnLPercent returns the sign-adjusted return in percent. For options and
// futures the broker's per-contract average cost is divided by the contract
// multiplier before comparing it with the quoted price.
func PnLPercent(price, avgCost, position decimal.Decimal, c Contract) decimal.Decimal {
	unit := avgCost.Div(c.multiplier())
	if unit.IsZero() {
		return decimal.Zero
	}
	pnl := price.Div(unit).Sub(decimal.NewFromInt(1))
	if position.IsNegative() {
		pnl = pnl.Neg()
	}
	return pnl.Mul(hundred)
}
