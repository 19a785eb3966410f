// Package fx resolves currency conversion rates against the account's base
// currency and caches them for the lifetime of the process.
//
// Resolution order for a pair not yet cached: live broker quote for the
// synthetic pair BASE+CCY, the broker's last-session close, the external
// quote service, and finally 1.0. Rate never fails; a degraded rate is logged.
package fx

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ats-supervisor/internal/model"

	"github.com/shopspring/decimal"
)

// Source identifies where a rate came from.
type Source string

const (
	SourceIdentity Source = "identity"
	SourceCache    Source = "cache"
	SourceLive     Source = "live"
	SourceClose    Source = "close"
	SourceService  Source = "service"
	SourceDefault  Source = "default"
)

var one = decimal.NewFromInt(1)

type pair struct {
	currency string
	base     string
}

// Cache is safe for concurrent use. Concurrent misses for the same pair may
// both go to the broker; the last writer wins, which is benign.
type Cache struct {
	broker  model.Quoter
	service model.QuoteService
	timeout time.Duration

	mu    sync.RWMutex
	rates map[pair]decimal.Decimal

	// OnLookup is called with the source of every resolved rate (optional).
	OnLookup func(src Source)
}

// New creates an FX cache. service may be nil. timeout bounds each external
// request; zero means no per-request timeout.
func New(broker model.Quoter, service model.QuoteService, timeout time.Duration) *Cache {
	return &Cache{
		broker:  broker,
		service: service,
		timeout: timeout,
		rates:   make(map[pair]decimal.Decimal),
	}
}

// Rate returns the price of one unit of base in currency.
func (c *Cache) Rate(ctx context.Context, currency, base string) decimal.Decimal {
	rate, _ := c.lookup(ctx, currency, base)
	return rate
}

func (c *Cache) lookup(ctx context.Context, currency, base string) (decimal.Decimal, Source) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	base = strings.ToUpper(strings.TrimSpace(base))
	key := pair{currency: currency, base: base}

	c.mu.RLock()
	rate, ok := c.rates[key]
	c.mu.RUnlock()
	if ok {
		src := SourceCache
		if currency == base {
			src = SourceIdentity
		}
		c.observe(src)
		return rate, src
	}

	var src Source
	if currency == base || currency == "" {
		rate, src = one, SourceIdentity
	} else {
		rate, src = c.resolve(ctx, currency, base)
	}

	c.mu.Lock()
	c.rates[key] = rate
	c.mu.Unlock()

	c.observe(src)
	return rate, src
}

func (c *Cache) resolve(ctx context.Context, currency, base string) (decimal.Decimal, Source) {
	log := slog.With(slog.String("pair", base+currency))

	if c.broker != nil {
		qctx, cancel := c.withTimeout(ctx)
		q, err := c.broker.Quote(qctx, Pair(base, currency))
		cancel()
		if err != nil {
			log.Warn("fx live quote failed", slog.String("error", err.Error()))
		} else {
			if p, ok := q.Live(); ok {
				return decimal.NewFromFloat(p), SourceLive
			}
			if p, ok := q.PrevClose(); ok {
				log.Info("fx live quote unavailable, using previous close")
				return decimal.NewFromFloat(p), SourceClose
			}
		}
	}

	if c.service != nil {
		ticker := base + currency + "=X"
		qctx, cancel := c.withTimeout(ctx)
		p, err := c.service.Quote(qctx, ticker)
		cancel()
		if err == nil && p > 0 {
			log.Info("fx rate from fallback service", slog.String("ticker", ticker))
			return decimal.NewFromFloat(p), SourceService
		}
		if err != nil {
			log.Warn("fx fallback service failed", slog.String("ticker", ticker), slog.String("error", err.Error()))
		}
	}

	log.Error("fx rate unavailable from all sources, defaulting to 1.0")
	return one, SourceDefault
}

func (c *Cache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Cache) observe(src Source) {
	if c.OnLookup != nil {
		c.OnLookup(src)
	}
}

// ConvertToBase sets FXRate and MarketValueBase on every row.
func (c *Cache) ConvertToBase(ctx context.Context, rows []model.Position, base string) {
	for i := range rows {
		rows[i].FXRate = c.Rate(ctx, rows[i].Currency, base)
		rows[i].MarketValueBase = model.ToBase(rows[i].MarketValue, rows[i].FXRate)
	}
}

// Len returns the number of cached pairs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rates)
}

// Pair returns the synthetic forex contract quoting currency per unit of base.
func Pair(base, currency string) model.Contract {
	return model.Contract{
		SecType:     model.SecForex,
		Symbol:      base,
		LocalSymbol: base + "." + currency,
		Currency:    currency,
		Exchange:    "IDEALPRO",
	}
}
