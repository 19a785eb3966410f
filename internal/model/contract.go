package model

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// SecType is the broker's security type tag.
type SecType string

const (
	SecStock  SecType = "STK"
	SecOption SecType = "OPT"
	SecFuture SecType = "FUT"
	SecForex  SecType = "CASH"
)

// defaultOptionMultiplier applies when an option contract does not carry one.
var defaultOptionMultiplier = decimal.NewFromInt(100)

// ErrMissingMultiplier is returned when a futures contract has no multiplier.
var ErrMissingMultiplier = errors.New("contract multiplier not supplied")

// Contract describes a tradeable instrument as reported by the broker.
type Contract struct {
	ConID       int64           `json:"con_id,omitempty"`
	SecType     SecType         `json:"sec_type"`
	Symbol      string          `json:"symbol"`
	LocalSymbol string          `json:"local_symbol,omitempty"`
	Exchange    string          `json:"exchange,omitempty"`
	Currency    string          `json:"currency"`
	Right       string          `json:"right,omitempty"`  // C or P
	Strike      decimal.Decimal `json:"strike,omitempty"` // options only
	Expiry      string          `json:"expiry,omitempty"` // YYYYMMDD or YYYYMM
	Multiplier  decimal.Decimal `json:"multiplier,omitempty"`
}

// AssetClass derives the asset class tag used to scope matching.
//
//	STK          -> "STK"
//	OPT (C/P)    -> "Call <strike> <expiry>" / "Put <strike> <expiry>"
//	FUT          -> "<localSymbol> <expiry>"
func (c Contract) AssetClass() string {
	switch c.SecType {
	case SecOption:
		right := "Put"
		if strings.EqualFold(c.Right, "C") || strings.EqualFold(c.Right, "CALL") {
			right = "Call"
		}
		return right + " " + c.Strike.String() + " " + c.Expiry
	case SecFuture:
		return c.LocalSymbol + " " + c.Expiry
	default:
		return string(c.SecType)
	}
}

// PriceMultiplier returns the factor between the quoted price and the
// per-contract economics. Stocks return 1. Options fall back to 100 when the
// contract omits a multiplier; futures must carry their own.
func (c Contract) PriceMultiplier() (decimal.Decimal, error) {
	switch c.SecType {
	case SecOption:
		if c.Multiplier.IsPositive() {
			return c.Multiplier, nil
		}
		return defaultOptionMultiplier, nil
	case SecFuture:
		if c.Multiplier.IsPositive() {
			return c.Multiplier, nil
		}
		return decimal.NewFromInt(1), ErrMissingMultiplier
	default:
		return decimal.NewFromInt(1), nil
	}
}

// multiplier is PriceMultiplier without the error; a missing futures
// multiplier degrades to 1.
func (c Contract) multiplier() decimal.Decimal {
	m, _ := c.PriceMultiplier()
	return m
}
