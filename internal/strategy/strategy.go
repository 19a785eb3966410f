// Package strategy defines the contract between trading strategies and the
// supervisor, and the registry strategies are built from.
//
// A Strategy runs as its own worker with its own broker session. It reports
// fills and order status changes on Env.Events; the supervisor serializes
// them into the portfolio and calls back OnFill / OnStatusChange.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ats-supervisor/internal/ingest"
	"ats-supervisor/internal/model"

	"github.com/shopspring/decimal"
)

// Strategy is the interface that all trading strategies implement.
type Strategy interface {
	// Name returns the unique name of the strategy; it tags positions.
	Name() string

	// Initialize prepares the strategy before Run. An error keeps the
	// strategy from starting.
	Initialize(ctx context.Context, env Env) error

	// Run blocks until ctx is cancelled. It checks ctx between iterations.
	Run(ctx context.Context) error

	// OnFill is called after a fill of the strategy was booked.
	OnFill(f Fill)

	// OnStatusChange is called for non-fill order state changes.
	OnStatusChange(s model.OrderStatus)
}

// Event is sent by a strategy to the supervisor. Exactly one of Trade and
// Status is set.
type Event struct {
	Strategy string
	Trade    *model.Trade
	Status   *model.OrderStatus
}

// Fill is the booking result of one trade.
type Fill struct {
	Trade   model.Trade
	Outcome ingest.Outcome
	Err     error
}

// Order is a strategy order request.
type Order struct {
	Strategy string
	Contract model.Contract
	Action   model.Action
	Quantity decimal.Decimal
	RefPrice decimal.Decimal // price the decision was based on; zero for none
	Reason   string
}

// OrderRouter places orders. Fills are returned synchronously for routers
// that fill immediately; others return a zero trade and report later.
type OrderRouter interface {
	Submit(ctx context.Context, o Order) (model.Trade, error)
}

// Env is what a strategy receives from the supervisor.
type Env struct {
	Broker model.Broker // the strategy's own session
	Orders OrderRouter
	Events chan<- Event // outbound to the supervisor queue
	Params Params
	Now    func() time.Time
}

// Emit sends ev unless ctx is done.
func (e Env) Emit(ctx context.Context, ev Event) error {
	select {
	case e.Events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Params are per-strategy settings, e.g. from STRATEGY_<NAME>_<KEY> env vars.
type Params map[string]string

// String returns the value of key or def.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the integer value of key or def.
func (p Params) Int(key string, def int) int {
	if v, err := strconv.Atoi(p[key]); err == nil {
		return v
	}
	return def
}

// Decimal returns the decimal value of key or def.
func (p Params) Decimal(key string, def decimal.Decimal) decimal.Decimal {
	if v, err := decimal.NewFromString(p[key]); err == nil {
		return v
	}
	return def
}

// Duration returns the duration value of key or def.
func (p Params) Duration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(p[key]); err == nil {
		return v
	}
	return def
}

// Factory builds a strategy instance under the given name.
type Factory func(name string) Strategy

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes a strategy kind available by name. It panics on duplicates.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic("strategy: Register called twice for " + kind)
	}
	registry[kind] = f
}

// Kinds returns the registered strategy kinds, sorted.
func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build instantiates strategies from "name" or "name=kind" specs. A bare
// name is its own kind.
func Build(specs []string) ([]Strategy, error) {
	regMu.RLock()
	defer regMu.RUnlock()

	seen := make(map[string]bool, len(specs))
	out := make([]Strategy, 0, len(specs))
	for _, spec := range specs {
		name, kind := splitSpec(spec)
		if name == "" {
			continue
		}
		if seen[name] {
			return nil, fmt.Errorf("strategy %q configured twice", name)
		}
		f, ok := registry[kind]
		if !ok {
			return nil, fmt.Errorf("unknown strategy kind %q", kind)
		}
		seen[name] = true
		out = append(out, f(name))
	}
	return out, nil
}

func splitSpec(spec string) (name, kind string) {
	if name, kind, ok := strings.Cut(spec, "="); ok {
		return name, kind
	}
	return spec, spec
}
