package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ats-supervisor/internal/portfolio"

	goredis "github.com/go-redis/redis/v8"
)

const defaultLatestTTL = 24 * time.Hour

// Config configures the Redis publisher.
type Config struct {
	Addr      string // e.g. "localhost:6379"
	Password  string
	DB        int
	Prefix    string // key prefix, default "portfolio"
	LatestTTL time.Duration

	MaxFailures  int
	ResetTimeout time.Duration
}

// Publisher mirrors portfolio updates into Redis: the latest view is kept
// under "<prefix>:<account>:latest" and every update is published on
// "<prefix>:<account>". While the circuit is open the newest update per
// account is held and replayed once Redis recovers.
type Publisher struct {
	client *goredis.Client
	cb     *CircuitBreaker
	prefix string
	ttl    time.Duration

	mu      sync.Mutex
	pending map[string]portfolio.Update

	// OnHold is called when an update is held back (optional).
	OnHold func()
	// OnFlush is called after held updates were replayed (optional).
	OnFlush func(count int)
}

// New connects to Redis and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("redis connected", slog.String("addr", cfg.Addr))
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, cfg Config) *Publisher {
	if cfg.Prefix == "" {
		cfg.Prefix = "portfolio"
	}
	if cfg.LatestTTL <= 0 {
		cfg.LatestTTL = defaultLatestTTL
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}

	p := &Publisher{
		client:  client,
		cb:      NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout),
		prefix:  cfg.Prefix,
		ttl:     cfg.LatestTTL,
		pending: make(map[string]portfolio.Update),
	}
	p.cb.OnStateChange = func(from, to State) {
		slog.Warn("redis circuit breaker", slog.String("from", from.String()), slog.String("to", to.String()))
		if to == StateClosed {
			go p.flush(context.Background())
		}
	}
	return p
}

// Client returns the underlying client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker returns the circuit breaker guarding writes.
func (p *Publisher) Breaker() *CircuitBreaker { return p.cb }

// LatestKey returns the key holding the account's latest view.
func (p *Publisher) LatestKey(account string) string {
	return p.prefix + ":" + account + ":latest"
}

// Channel returns the pub/sub channel of the account.
func (p *Publisher) Channel(account string) string {
	return p.prefix + ":" + account
}

// Publish writes the update through the circuit breaker. An open circuit is
// not an error: the update is held and replayed later.
func (p *Publisher) Publish(ctx context.Context, u portfolio.Update) error {
	err := p.cb.Execute(func() error { return p.write(ctx, u) })
	if errors.Is(err, ErrCircuitOpen) {
		p.hold(u)
		return nil
	}
	if err == nil {
		p.supersede(u)
	}
	return err
}

// Latest reads the account's latest published view.
func (p *Publisher) Latest(ctx context.Context, account string) (portfolio.Update, bool, error) {
	raw, err := p.client.Get(ctx, p.LatestKey(account)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return portfolio.Update{}, false, nil
	}
	if err != nil {
		return portfolio.Update{}, false, fmt.Errorf("redis GET %s: %w", p.LatestKey(account), err)
	}
	var u portfolio.Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return portfolio.Update{}, false, fmt.Errorf("decode latest view: %w", err)
	}
	return u, true, nil
}

// Pending returns the number of held updates.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

func (p *Publisher) write(ctx context.Context, u portfolio.Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.LatestKey(u.Account), data, p.ttl)
	pipe.Publish(ctx, p.Channel(u.Account), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", u.Account, err)
	}
	return nil
}

// hold keeps only the newest update per account; older views are superseded.
func (p *Publisher) hold(u portfolio.Update) {
	p.mu.Lock()
	if cur, ok := p.pending[u.Account]; !ok || !u.Timestamp.Before(cur.Timestamp) {
		p.pending[u.Account] = u
	}
	p.mu.Unlock()
	if p.OnHold != nil {
		p.OnHold()
	}
}

// supersede drops a held update older than one just written.
func (p *Publisher) supersede(u portfolio.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.pending[u.Account]; ok && !cur.Timestamp.After(u.Timestamp) {
		delete(p.pending, u.Account)
	}
}

func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	held := p.pending
	p.pending = make(map[string]portfolio.Update)
	p.mu.Unlock()

	flushed := 0
	for _, u := range held {
		if err := p.write(ctx, u); err != nil {
			slog.Error("redis replay failed", slog.String("account", u.Account), slog.String("error", err.Error()))
			p.hold(u)
			continue
		}
		flushed++
	}
	slog.Info("redis replayed held updates", slog.Int("count", flushed))
	if p.OnFlush != nil {
		p.OnFlush(flushed)
	}
}
