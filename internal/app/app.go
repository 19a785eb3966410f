// Package app wires configuration into the portfolio components shared by
// the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ats-supervisor/config"
	"ats-supervisor/internal/fx"
	"ats-supervisor/internal/ingest"
	"ats-supervisor/internal/model"
	"ats-supervisor/internal/notification"
	"ats-supervisor/internal/portfolio"
	"ats-supervisor/internal/reconcile"
	"ats-supervisor/internal/snapshot"
	"ats-supervisor/internal/store"
	"ats-supervisor/internal/store/postgres"
	"ats-supervisor/internal/store/sqlite"
	"ats-supervisor/pkg/gateway"
)

// Pinger is implemented by stores that support health probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OpenStore opens the configured table store.
func OpenStore(ctx context.Context, cfg *config.Config) (model.TableStore, error) {
	switch cfg.StoreDriver {
	case "sqlite", "":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create %s: %w", dir, err)
			}
		}
		st, err := sqlite.New(sqlite.Config{DBPath: cfg.SQLitePath})
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("POSTGRES_DSN is required for the postgres store")
		}
		st, err := postgres.New(ctx, postgres.Config{DSN: cfg.PostgresDSN, MaxConns: cfg.PostgresMaxConns})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Notifier builds the alert fan-out: always the log, plus Telegram and the
// webhook when configured.
func Notifier(cfg *config.Config) notification.Notifier {
	multi := notification.Multi{notification.NewLogNotifier()}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		multi = append(multi, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.AlertWebhookURL != "" {
		multi = append(multi, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	return multi
}

// Session opens a gateway session with the configured credentials. Every
// caller gets its own session.
func Session(cfg *config.Config) *gateway.Client {
	return gateway.New(gateway.Config{
		BaseURL:    cfg.GatewayURL,
		Username:   cfg.GatewayUser,
		Password:   cfg.GatewayPassword,
		TOTPSecret: cfg.GatewayTOTPSecret,
		Timeout:    cfg.BrokerTimeout,
		RateLimit:  cfg.BrokerRateLimit,
	})
}

// Components are the portfolio pieces built over one broker session.
type Components struct {
	Broker   model.Broker
	FX       *fx.Cache
	Builder  *snapshot.Builder
	Engine   *reconcile.Engine
	Pipeline *ingest.Pipeline
	Store    *store.Portfolio
	Manager  *portfolio.Manager
}

// Build wires the portfolio manager over broker and ts.
func Build(cfg *config.Config, broker model.Broker, ts model.TableStore, notifier notification.Notifier) *Components {
	quotes := gateway.NewQuoteClient(cfg.QuoteServiceURL, cfg.MarketDataTimeout)
	rates := fx.New(broker, quotes, cfg.MarketDataTimeout)
	builder := snapshot.NewBuilder(broker, rates, snapshot.Options{
		BaseCurrency: cfg.BaseCurrency,
		Timeout:      cfg.BrokerTimeout,
	})
	engine := reconcile.New(broker, rates, reconcile.WithQuoteTimeout(cfg.MarketDataTimeout))
	st := store.NewPortfolio(ts)
	pipeline := ingest.New(st, rates, builder, notifier)

	mgr := portfolio.NewManager(portfolio.Deps{
		Builder:  builder,
		Engine:   engine,
		Pipeline: pipeline,
		Store:    st,
		Notifier: notifier,
		Risk:     portfolio.NewRiskManager(cfg.Risk),
	})
	return &Components{
		Broker:   broker,
		FX:       rates,
		Builder:  builder,
		Engine:   engine,
		Pipeline: pipeline,
		Store:    st,
		Manager:  mgr,
	}
}
