package portfolio

import (
	"fmt"
	"time"

	"ats-supervisor/internal/model"

	"github.com/shopspring/decimal"
)

// RiskLimits are the post-reconciliation checks raised as operator alerts.
// A zero limit is disabled.
type RiskLimits struct {
	MaxPositionPctNAV float64       `json:"max_position_pct_nav"` // per attributed row, absolute
	MaxResidualPctNAV float64       `json:"max_residual_pct_nav"` // per unattributed row, absolute
	MaxDrawdownPct    float64       `json:"max_drawdown_pct"`     // from the peak of the lookback window
	DrawdownLookback  time.Duration `json:"drawdown_lookback"`
}

// DefaultRiskLimits returns conservative default limits.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionPctNAV: 25,
		MaxResidualPctNAV: 5,
		MaxDrawdownPct:    10,
		DrawdownLookback:  30 * 24 * time.Hour,
	}
}

// Breach is one violated limit.
type Breach struct {
	Rule     string
	Symbol   string
	Strategy string
	Value    float64
	Limit    float64
}

func (b Breach) String() string {
	if b.Symbol == "" {
		return fmt.Sprintf("%s: %.2f%% exceeds %.2f%%", b.Rule, b.Value, b.Limit)
	}
	return fmt.Sprintf("%s: %s strategy=%q at %.2f%% exceeds %.2f%%", b.Rule, b.Symbol, b.Strategy, b.Value, b.Limit)
}

// RiskManager evaluates RiskLimits. It holds no state.
type RiskManager struct {
	limits RiskLimits
}

// NewRiskManager creates a RiskManager with the given limits.
func NewRiskManager(limits RiskLimits) *RiskManager {
	return &RiskManager{limits: limits}
}

// Lookback returns the equity window used for drawdown.
func (rm *RiskManager) Lookback() time.Duration {
	if rm.limits.DrawdownLookback <= 0 {
		return 30 * 24 * time.Hour
	}
	return rm.limits.DrawdownLookback
}

// Check returns every breached limit for the open rows and equity series.
func (rm *RiskManager) Check(rows []model.Position, series []model.EquitySnapshot) []Breach {
	var out []Breach
	for _, r := range rows {
		pct := r.PercentOfNAV.Abs().InexactFloat64()
		limit, rule := rm.limits.MaxPositionPctNAV, "position concentration"
		if r.IsResidual() {
			limit, rule = rm.limits.MaxResidualPctNAV, "unattributed exposure"
		}
		if limit > 0 && pct > limit {
			out = append(out, Breach{Rule: rule, Symbol: r.Symbol + " " + r.AssetClass, Strategy: r.Strategy, Value: pct, Limit: limit})
		}
	}

	if dd := Drawdown(series); rm.limits.MaxDrawdownPct > 0 && dd > rm.limits.MaxDrawdownPct {
		out = append(out, Breach{Rule: "drawdown", Value: dd, Limit: rm.limits.MaxDrawdownPct})
	}
	return out
}

// Drawdown returns the percentage drop of the last point from the series peak.
func Drawdown(series []model.EquitySnapshot) float64 {
	if len(series) == 0 {
		return 0
	}
	peak := decimal.Zero
	for _, s := range series {
		if s.TotalEquity.GreaterThan(peak) {
			peak = s.TotalEquity
		}
	}
	if !peak.IsPositive() {
		return 0
	}
	last := series[len(series)-1].TotalEquity
	return peak.Sub(last).Div(peak).Mul(decimal.NewFromInt(100)).InexactFloat64()
}
