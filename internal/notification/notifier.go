// Package notification delivers operator alerts (ambiguous trade
// attribution, failed persistence, conservation breaches, risk limits) to
// external channels.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// AlertKind classifies an alert for routing and dashboards.
type AlertKind string

const (
	KindAmbiguousAttribution AlertKind = "ambiguous_attribution"
	KindConservation         AlertKind = "conservation_violated"
	KindPersistence          AlertKind = "persistence_failed"
	KindRiskLimit            AlertKind = "risk_limit"
)

// Alert is one operator notification. The position fields are optional and
// narrow the alert to an account, instrument, strategy or trade.
type Alert struct {
	Level      AlertLevel `json:"level"`
	Kind       AlertKind  `json:"kind,omitempty"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Account    string     `json:"account,omitempty"`
	Symbol     string     `json:"symbol,omitempty"`
	AssetClass string     `json:"asset_class,omitempty"`
	Strategy   string     `json:"strategy,omitempty"`
	TradeID    string     `json:"trade_id,omitempty"`
	Time       time.Time  `json:"ts"`
}

// Scope lists the alert's position context as "key: value" lines in a fixed
// order, skipping empty fields.
func (a Alert) Scope() []string {
	var out []string
	if a.Account != "" {
		out = append(out, "account: "+a.Account)
	}
	if a.Symbol != "" {
		out = append(out, "instrument: "+strings.TrimSpace(a.Symbol+" "+a.AssetClass))
	}
	if a.Strategy != "" {
		out = append(out, "strategy: "+a.Strategy)
	}
	if a.TradeID != "" {
		out = append(out, "trade: "+a.TradeID)
	}
	return out
}

func (a Alert) stamped() Alert {
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	return a
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case AlertWarning:
		level = slog.LevelWarn
	case AlertCritical:
		level = slog.LevelError
	}
	slog.Log(ctx, level, alert.Title,
		slog.String("kind", string(alert.Kind)),
		slog.String("message", alert.Message),
		slog.String("account", alert.Account),
		slog.String("symbol", alert.Symbol),
		slog.String("asset_class", alert.AssetClass),
		slog.String("strategy", alert.Strategy),
		slog.String("trade_id", alert.TradeID),
	)
	return nil
}

// Multi fans an alert out to several notifiers. Every backend is tried;
// the joined error reports the ones that failed.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	alert = alert.stamped()
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
