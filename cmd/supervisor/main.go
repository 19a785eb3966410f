package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ats-supervisor/config"
	"ats-supervisor/internal/api"
	"ats-supervisor/internal/app"
	"ats-supervisor/internal/execution"
	"ats-supervisor/internal/fx"
	"ats-supervisor/internal/ingest"
	"ats-supervisor/internal/logger"
	"ats-supervisor/internal/markethours"
	"ats-supervisor/internal/metrics"
	"ats-supervisor/internal/model"
	"ats-supervisor/internal/notification"
	"ats-supervisor/internal/orchestrator"
	"ats-supervisor/internal/reconcile"
	redisstore "ats-supervisor/internal/store/redis"
	"ats-supervisor/internal/strategy"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[supervisor] starting...")

	// ---- Load config from env ----
	cfg := config.Load()
	logger.Init("supervisor", logger.Options{Level: logger.ParseLevel(cfg.LogLevel), Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Setup metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, nil)
	metricsSrv.Start()

	// ---- Store ----
	ts, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("[supervisor] store init failed: %v", err)
	}
	defer ts.Close()
	if p, ok := ts.(app.Pinger); ok {
		health.Register("store", p.Ping)
	}
	log.Printf("[supervisor] %s store ready", cfg.StoreDriver)

	// ---- Portfolio over the supervisor's own gateway session ----
	notifier := countingNotifier{next: app.Notifier(cfg), alerts: prom.AlertsTotal}
	session := app.Session(cfg)
	c := app.Build(cfg, session, ts, notifier)
	health.Register("gateway", func(ctx context.Context) error {
		_, err := session.ManagedAccount(ctx)
		return err
	})

	c.FX.OnLookup = func(src fx.Source) { prom.FXLookups.WithLabelValues(string(src)).Inc() }
	c.Pipeline.OnOutcome = func(out ingest.Outcome) { prom.TradesTotal.WithLabelValues(string(out)).Inc() }
	c.Manager.OnReconcile = func(res reconcile.Result, equity decimal.Decimal, took time.Duration) {
		eq, _ := equity.Float64()
		prom.ObserveReconcile(metrics.PassStats{
			Residuals: res.Residuals,
			Strays:    res.Strays,
			Failed:    res.Failed,
			Equity:    eq,
			Took:      took,
		})
	}
	c.Manager.OnConservationFail = func(error) { prom.ConservationFails.Inc() }

	// ---- Publishers ----
	hub := api.NewHub(cfg.ReplaySize)
	c.Manager.AddPublisher(hub)

	if cfg.RedisAddr != "" {
		pub, err := redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			log.Printf("[supervisor] WARNING: redis init failed: %v (continuing without redis)", err)
		} else {
			defer pub.Close()
			onChange := pub.Breaker().OnStateChange
			pub.Breaker().OnStateChange = func(from, to redisstore.State) {
				onChange(from, to)
				prom.BreakerTransition(int(to))
			}
			pub.OnHold = prom.RedisHeldUpdates.Inc
			c.Manager.AddPublisher(pub)
			health.Register("redis", func(ctx context.Context) error { return pub.Client().Ping(ctx).Err() })
			log.Println("[supervisor] redis publisher ready")
		}
	}

	// ---- Strategies ----
	strategies, err := strategy.Build(cfg.StrategySpecs())
	if err != nil {
		log.Fatalf("[supervisor] strategies: %v", err)
	}
	account, err := c.Manager.Account(ctx)
	if err != nil {
		slog.Warn("managed account unavailable at startup", slog.String("error", err.Error()))
	}
	orders := execution.NewPaperRouter(account, cfg.PaperSlippageBps)

	sup := orchestrator.New(c.Manager, strategies, orchestrator.Config{
		QueueSize:         cfg.QueueSize,
		ReconcileInterval: cfg.ReconcileInterval,
		Orders:            orders,
		Sessions: func(ctx context.Context, name string) (model.Broker, error) {
			s := app.Session(cfg)
			if err := s.Login(ctx); err != nil {
				return nil, err
			}
			return s, nil
		},
		Params: config.StrategyParams,
	})
	sup.OnDepth = func(n int) { prom.QueueDepth.Set(float64(n)) }
	sup.OnReconcile = func(_ reconcile.Result, err error, took time.Duration) {
		health.SetReconciled(time.Now(), err)
		if err != nil {
			prom.ObserveReconcile(metrics.PassStats{Took: took, Err: err})
		}
	}

	// ---- API ----
	apiSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(c.Manager, sup, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("api server listening", slog.String("addr", cfg.APIAddr))
		if err := apiSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", slog.String("error", err.Error()))
		}
	}()

	// ---- Periodic liveness & market session ----
	health.StartLivenessChecker(ctx, 15*time.Second)
	go hub.StartMarketBroadcast(ctx, time.Minute)
	go watchMarket(ctx, prom)

	log.Printf("[supervisor] running %d strategies, %s", len(strategies), markethours.StatusString(time.Now()))
	if err := sup.Run(ctx); err != nil {
		slog.Error("supervisor exited", slog.String("error", err.Error()))
	}

	// ---- Graceful shutdown ----
	log.Println("[supervisor] shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api shutdown", slog.String("error", err.Error()))
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown", slog.String("error", err.Error()))
	}
	log.Println("[supervisor] stopped")
}

func watchMarket(ctx context.Context, prom *metrics.Metrics) {
	prom.SetMarketOpen(markethours.IsMarketOpen(time.Now()))
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			prom.SetMarketOpen(markethours.IsMarketOpen(now))
		}
	}
}

// countingNotifier counts alerts before delivering them.
type countingNotifier struct {
	next   notification.Notifier
	alerts prometheus.Counter
}

func (n countingNotifier) Send(ctx context.Context, a notification.Alert) error {
	n.alerts.Inc()
	return n.next.Send(ctx, a)
}
