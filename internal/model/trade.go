package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action is the side of an order.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// tradeNamespace seeds deterministic trade ids for fills without a broker id.
var tradeNamespace = uuid.MustParse("6f1c7c1e-4a0b-4c55-9d53-2b0a7a4f8e11")

// Trade is a confirmed execution reported by the broker for one order.
type Trade struct {
	TradeID      string          `json:"trade_id"`
	OrderID      int64           `json:"order_id,omitempty"`
	OrderRef     string          `json:"order_ref,omitempty"` // strategy tag set at order time
	Account      string          `json:"account"`
	Contract     Contract        `json:"contract"`
	Action       Action          `json:"action"`
	Quantity     decimal.Decimal `json:"quantity"` // unsigned total quantity
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Status       string          `json:"status,omitempty"`
	Time         time.Time       `json:"time"`
}

// SignedQuantity returns the quantity with sign: + for buys, - for sells.
func (t Trade) SignedQuantity() decimal.Decimal {
	q := t.Quantity.Abs()
	if strings.EqualFold(string(t.Action), string(ActionSell)) {
		return q.Neg()
	}
	return q
}

// Identity returns the trade's identity used for duplicate detection. Fills
// without a broker id get a name-based UUID over their serialized fields, so
// re-delivery of the same fill maps to the same identity.
func (t Trade) Identity() string {
	if t.TradeID != "" {
		return t.TradeID
	}
	b, _ := json.Marshal(struct {
		OrderID  int64     `json:"order_id"`
		OrderRef string    `json:"order_ref"`
		Account  string    `json:"account"`
		Contract Contract  `json:"contract"`
		Action   Action    `json:"action"`
		Quantity string    `json:"quantity"`
		Price    string    `json:"price"`
		Time     time.Time `json:"time"`
	}{t.OrderID, t.OrderRef, t.Account, t.Contract, t.Action, t.Quantity.String(), t.AvgFillPrice.String(), t.Time.UTC()})
	return uuid.NewSHA1(tradeNamespace, b).String()
}

// Ref returns the provenance entry recorded on position rows.
func (t Trade) Ref() TradeRef {
	return TradeRef{
		TradeID:  t.Identity(),
		OrderRef: t.OrderRef,
		Action:   t.Action,
		Quantity: t.Quantity.Abs(),
		Price:    t.AvgFillPrice,
		Time:     t.Time,
		Account:  t.Account,
	}
}

// TradeRef is one entry of a position row's trade provenance.
type TradeRef struct {
	TradeID  string          `json:"trade_id"`
	OrderRef string          `json:"order_ref,omitempty"`
	Action   Action          `json:"action"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Time     time.Time       `json:"time"`
	Account  string          `json:"account,omitempty"`
}

// TradeContext is the ordered list of trades that contributed to a row.
type TradeContext []TradeRef

// With returns a copy of the context with ref appended.
func (tc TradeContext) With(ref TradeRef) TradeContext {
	out := make(TradeContext, 0, len(tc)+1)
	out = append(out, tc...)
	return append(out, ref)
}

// Contains reports whether a trade id is part of the context.
func (tc TradeContext) Contains(tradeID string) bool {
	for _, r := range tc {
		if r.TradeID == tradeID {
			return true
		}
	}
	return false
}

// OrderStatus is a non-fill order state change.
type OrderStatus struct {
	OrderID  int64     `json:"order_id"`
	OrderRef string    `json:"order_ref"`
	Status   string    `json:"status"`
	Filled   string    `json:"filled,omitempty"`
	Time     time.Time `json:"time"`
}
