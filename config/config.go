package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"ats-supervisor/internal/portfolio"
	"ats-supervisor/internal/strategy"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Brokerage gateway session
	GatewayURL        string
	GatewayUser       string
	GatewayPassword   string
	GatewayTOTPSecret string
	BrokerTimeout     time.Duration
	MarketDataTimeout time.Duration
	BrokerRateLimit   float64 // requests per second per session
	BaseCurrency      string  // overrides the currency reported with equity

	// External quote service used as the FX fallback
	QuoteServiceURL string

	// Storage
	StoreDriver      string // sqlite | postgres
	SQLitePath       string
	PostgresDSN      string
	PostgresMaxConns int32

	// Publishing
	RedisAddr     string // empty disables the Redis publisher
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	ReplaySize    int

	// Servers
	APIAddr     string
	MetricsAddr string

	// Orchestration
	Strategies        string // comma-separated "name" or "name=kind"
	ReconcileInterval time.Duration
	QueueSize         int
	PaperSlippageBps  int64

	// Risk limits; zero disables a check
	Risk portfolio.RiskLimits

	// Alerting
	TelegramBotToken string
	TelegramChatID   string
	AlertWebhookURL  string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env not loaded: %v", err)
	}
	def := portfolio.DefaultRiskLimits()

	return &Config{
		GatewayURL:        mustEnv("GATEWAY_URL"),
		GatewayUser:       mustEnv("GATEWAY_USER"),
		GatewayPassword:   mustEnv("GATEWAY_PASSWORD"),
		GatewayTOTPSecret: getEnv("GATEWAY_TOTP_SECRET", ""),
		BrokerTimeout:     getDuration("BROKER_TIMEOUT", 10*time.Second),
		MarketDataTimeout: getDuration("MARKET_DATA_TIMEOUT", 5*time.Second),
		BrokerRateLimit:   getFloat("BROKER_RATE_LIMIT", 10),
		BaseCurrency:      getEnv("BASE_CURRENCY", ""),

		QuoteServiceURL: getEnv("QUOTE_SERVICE_URL", "https://query1.finance.yahoo.com"),

		StoreDriver:      getEnv("STORE_DRIVER", "sqlite"),
		SQLitePath:       getEnv("SQLITE_PATH", "data/portfolio.db"),
		PostgresDSN:      getEnv("POSTGRES_DSN", ""),
		PostgresMaxConns: int32(getInt("POSTGRES_MAX_CONNS", 4)),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "portfolio"),
		ReplaySize:    getInt("STREAM_REPLAY_SIZE", 256),

		APIAddr:     getEnv("API_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		Strategies:        getEnv("STRATEGIES", ""),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", 5*time.Minute),
		QueueSize:         getInt("QUEUE_SIZE", 1024),
		PaperSlippageBps:  int64(getInt("PAPER_SLIPPAGE_BPS", 0)),

		Risk: portfolio.RiskLimits{
			MaxPositionPctNAV: getFloat("RISK_MAX_POSITION_PCT", def.MaxPositionPctNAV),
			MaxResidualPctNAV: getFloat("RISK_MAX_RESIDUAL_PCT", def.MaxResidualPctNAV),
			MaxDrawdownPct:    getFloat("RISK_MAX_DRAWDOWN_PCT", def.MaxDrawdownPct),
			DrawdownLookback:  getDuration("RISK_DRAWDOWN_LOOKBACK", def.DrawdownLookback),
		},

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// StrategySpecs splits Strategies into "name" or "name=kind" entries.
func (c *Config) StrategySpecs() []string {
	parts := strings.Split(c.Strategies, ",")
	specs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		specs = append(specs, p)
	}
	return specs
}

// StrategyParams collects STRATEGY_<NAME>_<KEY>=value variables for the
// named strategy. NAME is upper-cased with non-alphanumerics as underscores;
// keys are returned lower-case.
func StrategyParams(name string) strategy.Params {
	prefix := "STRATEGY_" + envName(name) + "_"
	params := strategy.Params{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(k, prefix))
		if key != "" {
			params[key] = v
		}
	}
	return params
}

func envName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return d
}
