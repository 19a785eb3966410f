// Package orchestrator runs strategies concurrently and serializes every
// portfolio mutation through one FIFO queue drained by a single consumer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ats-supervisor/internal/ingest"
	"ats-supervisor/internal/logger"
	"ats-supervisor/internal/markethours"
	"ats-supervisor/internal/model"
	"ats-supervisor/internal/reconcile"
	"ats-supervisor/internal/strategy"
)

// ErrStopped is returned when work is submitted after the queue closed.
var ErrStopped = errors.New("supervisor stopped")

// Ledger is the portfolio side of the supervisor.
type Ledger interface {
	Reconcile(ctx context.Context) (reconcile.Result, error)
	ProcessTrade(ctx context.Context, strategy string, trade model.Trade) (ingest.Outcome, error)
}

// SessionFunc opens a broker session for the named strategy.
type SessionFunc func(ctx context.Context, strategy string) (model.Broker, error)

type kind int

const (
	kindFill kind = iota
	kindStatus
	kindReconcile
	kindCommand
)

func (k kind) String() string {
	switch k {
	case kindFill:
		return "fill"
	case kindStatus:
		return "status"
	case kindReconcile:
		return "reconcile"
	default:
		return "command"
	}
}

type message struct {
	kind     kind
	traceID  string
	strategy string
	trade    model.Trade
	status   model.OrderStatus
	name     string
	fn       func(ctx context.Context) error
	done     chan error
}

// Config configures the supervisor.
type Config struct {
	QueueSize         int
	ReconcileInterval time.Duration
	Orders            strategy.OrderRouter
	Sessions          SessionFunc
	Params            func(name string) strategy.Params
	// MarketOpen gates periodic reconciliation; default is the NYSE session.
	MarketOpen func(time.Time) bool
}

// Supervisor owns the queue, the consumer and the strategy workers.
type Supervisor struct {
	ledger     Ledger
	strategies []strategy.Strategy
	byName     map[string]strategy.Strategy
	cfg        Config

	queue  chan message
	mu     sync.RWMutex
	closed bool

	// OnDepth is called with the queue length after every dequeue (optional).
	OnDepth func(n int)
	// OnReconcile is called after every queued reconciliation (optional).
	OnReconcile func(res reconcile.Result, err error, took time.Duration)
}

// New creates a supervisor over ledger running strategies.
func New(ledger Ledger, strategies []strategy.Strategy, cfg Config) *Supervisor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	if cfg.MarketOpen == nil {
		cfg.MarketOpen = markethours.IsMarketOpen
	}
	if cfg.Params == nil {
		cfg.Params = func(string) strategy.Params { return strategy.Params{} }
	}
	byName := make(map[string]strategy.Strategy, len(strategies))
	for _, s := range strategies {
		byName[s.Name()] = s
	}
	return &Supervisor{
		ledger:     ledger,
		strategies: strategies,
		byName:     byName,
		cfg:        cfg,
		queue:      make(chan message, cfg.QueueSize),
	}
}

// Run reconciles once, starts the strategies and serves the queue until ctx
// is cancelled. On shutdown strategies finish their iteration, then the
// queue is drained.
func (s *Supervisor) Run(ctx context.Context) error {
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		s.consume(context.WithoutCancel(ctx))
	}()

	if _, err := s.Reconcile(ctx); err != nil {
		slog.Error("initial reconciliation failed", slog.String("error", err.Error()))
	}

	var wg sync.WaitGroup
	for _, st := range s.strategies {
		if err := s.start(ctx, st, &wg); err != nil {
			slog.Error("strategy not started", slog.String("strategy", st.Name()), slog.String("error", err.Error()))
		}
	}

	s.schedule(ctx)

	wg.Wait()
	s.mu.Lock()
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-consumerDone
	slog.Info("supervisor stopped")
	return nil
}

// start initializes st and runs it with its own session and event channel.
func (s *Supervisor) start(ctx context.Context, st strategy.Strategy, wg *sync.WaitGroup) error {
	name := st.Name()
	var broker model.Broker
	if s.cfg.Sessions != nil {
		b, err := s.cfg.Sessions(ctx, name)
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		broker = b
	}

	events := make(chan strategy.Event, 64)
	env := strategy.Env{
		Broker: broker,
		Orders: s.cfg.Orders,
		Events: events,
		Params: s.cfg.Params(name),
		Now:    time.Now,
	}
	if err := st.Initialize(ctx, env); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(events)
		slog.Info("strategy started", slog.String("strategy", name))
		if err := st.Run(ctx); err != nil {
			slog.Error("strategy exited", slog.String("strategy", name), slog.String("error", err.Error()))
		}
	}()
	go func() {
		defer wg.Done()
		s.forward(name, events)
	}()
	return nil
}

// forward moves one strategy's events into the shared queue, in order.
func (s *Supervisor) forward(name string, events <-chan strategy.Event) {
	for ev := range events {
		var err error
		switch {
		case ev.Trade != nil:
			err = s.SubmitFill(name, *ev.Trade)
		case ev.Status != nil:
			err = s.SubmitStatus(name, *ev.Status)
		}
		if err != nil {
			slog.Error("strategy event dropped", slog.String("strategy", name), slog.String("error", err.Error()))
		}
	}
}

// schedule enqueues a reconciliation every interval while the market is open.
func (s *Supervisor) schedule(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !s.cfg.MarketOpen(now) {
				continue
			}
			if err := s.enqueue(message{kind: kindReconcile, traceID: logger.GenerateTraceID("reconcile")}); err != nil {
				return
			}
		}
	}
}

// SubmitFill queues a fill for booking under strategy.
func (s *Supervisor) SubmitFill(strategyName string, t model.Trade) error {
	return s.enqueue(message{kind: kindFill, traceID: logger.GenerateTraceID("fill"), strategy: strategyName, trade: t})
}

// SubmitStatus queues an order status change.
func (s *Supervisor) SubmitStatus(strategyName string, st model.OrderStatus) error {
	return s.enqueue(message{kind: kindStatus, traceID: logger.GenerateTraceID("status"), strategy: strategyName, status: st})
}

// Reconcile queues a reconciliation and waits for its result.
func (s *Supervisor) Reconcile(ctx context.Context) (reconcile.Result, error) {
	var res reconcile.Result
	err := s.Do(ctx, "reconcile", func(ctx context.Context) error {
		var err error
		res, err = s.reconcile(ctx)
		return err
	})
	return res, err
}

// Do runs fn on the consumer, after everything queued before it, and waits
// for its error. Operator commands go through here so they never race with
// ingestion.
func (s *Supervisor) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	if err := s.enqueue(message{kind: kindCommand, traceID: logger.GenerateTraceID(name), name: name, fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) enqueue(m message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStopped
	}
	s.queue <- m
	return nil
}

// consume is the only goroutine that mutates the portfolio.
func (s *Supervisor) consume(ctx context.Context) {
	for m := range s.queue {
		if s.OnDepth != nil {
			s.OnDepth(len(s.queue))
		}
		s.handle(logger.WithTraceID(ctx, m.traceID), m)
	}
}

func (s *Supervisor) handle(ctx context.Context, m message) {
	log := slog.With(logger.LogWithTrace(ctx)...).With(slog.String("kind", m.kind.String()))
	defer func() {
		if r := recover(); r != nil {
			log.Error("queue handler panicked", slog.Any("panic", r))
			if m.done != nil {
				m.done <- fmt.Errorf("%s: panic: %v", m.name, r)
			}
		}
	}()

	switch m.kind {
	case kindFill:
		out, err := s.ledger.ProcessTrade(ctx, m.strategy, m.trade)
		if err != nil {
			log.Error("fill not booked", slog.String("strategy", m.strategy), slog.String("error", err.Error()))
		}
		if st, ok := s.byName[m.strategy]; ok {
			st.OnFill(strategy.Fill{Trade: m.trade, Outcome: out, Err: err})
		}
	case kindStatus:
		log.Info("order status",
			slog.String("strategy", m.strategy),
			slog.Int64("order_id", m.status.OrderID),
			slog.String("status", m.status.Status))
		if st, ok := s.byName[m.strategy]; ok {
			st.OnStatusChange(m.status)
		}
	case kindReconcile:
		if _, err := s.reconcile(ctx); err != nil {
			log.Error("scheduled reconciliation failed", slog.String("error", err.Error()))
		}
	case kindCommand:
		err := m.fn(ctx)
		if err != nil {
			log.Warn("command failed", slog.String("command", m.name), slog.String("error", err.Error()))
		}
		m.done <- err
	}
}

func (s *Supervisor) reconcile(ctx context.Context) (reconcile.Result, error) {
	start := time.Now()
	res, err := s.ledger.Reconcile(ctx)
	if s.OnReconcile != nil {
		s.OnReconcile(res, err, time.Since(start))
	}
	return res, err
}
