// Package postgres is the table store backend for deployments that share the
// position log across hosts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ats-supervisor/internal/model"
	"ats-supervisor/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Config configures the connection pool.
type Config struct {
	DSN      string
	MaxConns int32
}

// Store is a model.TableStore on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ model.TableStore = (*Store)(nil)

// New connects, pings and creates the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(cctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := pool.Exec(cctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account    TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS positions (
	seq               BIGSERIAL PRIMARY KEY,
	event_id          TEXT    NOT NULL UNIQUE,
	account           TEXT    NOT NULL,
	ts                BIGINT  NOT NULL,
	symbol            TEXT    NOT NULL,
	asset_class       TEXT    NOT NULL,
	strategy          TEXT    NOT NULL DEFAULT '',
	position          TEXT    NOT NULL,
	average_cost      TEXT    NOT NULL,
	market_price      TEXT    NOT NULL,
	market_value      TEXT    NOT NULL,
	market_value_base TEXT    NOT NULL,
	currency          TEXT    NOT NULL,
	fx_rate           TEXT    NOT NULL,
	pnl_percent       TEXT    NOT NULL,
	percent_of_nav    TEXT    NOT NULL,
	unrealized_pnl    TEXT    NOT NULL,
	realized_pnl      TEXT    NOT NULL,
	open_dt           TEXT    NOT NULL DEFAULT '',
	close_dt          TEXT    NOT NULL DEFAULT '',
	deleted           BOOLEAN NOT NULL DEFAULT false,
	delete_dt         BIGINT  NOT NULL DEFAULT 0,
	contract          JSONB   NOT NULL,
	trade_id          TEXT    NOT NULL DEFAULT '',
	trade             TEXT    NOT NULL DEFAULT '',
	trade_context     JSONB   NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_positions_key ON positions (account, symbol, asset_class, strategy, ts);

CREATE TABLE IF NOT EXISTS trade_log (
	account     TEXT   NOT NULL,
	trade_id    TEXT   NOT NULL,
	event_id    TEXT   NOT NULL,
	recorded_at BIGINT NOT NULL,
	PRIMARY KEY (account, trade_id)
);

CREATE TABLE IF NOT EXISTS equity (
	id           BIGSERIAL PRIMARY KEY,
	account      TEXT    NOT NULL,
	ts           BIGINT  NOT NULL,
	total_equity NUMERIC NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_equity_account_ts ON equity (account, ts);
`

func placeholder(n int) string { return "$" + strconv.Itoa(n) }

// HasTable reports whether the account has ever been written.
func (s *Store) HasTable(ctx context.Context, account string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE account = $1)`, account).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres has table: %w", err)
	}
	return ok, nil
}

// ReadPositions returns events matching f in log order.
func (s *Store) ReadPositions(ctx context.Context, account string, f model.Filter) ([]model.Position, error) {
	where, args := store.Where(account, f, placeholder)
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns()+` FROM positions WHERE `+where+` ORDER BY ts ASC, seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres query positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var rec store.Record
		if err := rows.Scan(rec.Dest()...); err != nil {
			return nil, fmt.Errorf("postgres scan positions: %w", err)
		}
		p, err := rec.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// selectColumns casts the JSONB columns back to text for store.Record.
func selectColumns() string {
	cols := make([]string, len(store.Columns))
	for i, c := range store.Columns {
		switch c {
		case "contract", "trade_context":
			cols[i] = c + "::text"
		default:
			cols[i] = c
		}
	}
	return strings.Join(cols, ", ")
}

// WritePositions replaces the account's event log.
func (s *Store) WritePositions(ctx context.Context, account string, rows []model.Position) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE account = $1`, account); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM trade_log WHERE account = $1`, account); err != nil {
			return err
		}
		return insertBatch(ctx, tx, account, rows)
	})
}

// AppendPositions appends rows and records their trade ids.
func (s *Store) AppendPositions(ctx context.Context, account string, rows []model.Position) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return insertBatch(ctx, tx, account, rows)
	})
}

func insertBatch(ctx context.Context, tx pgx.Tx, account string, rows []model.Position) error {
	marks := make([]string, len(store.Columns))
	for i := range marks {
		marks[i] = placeholder(i + 1)
	}
	insert := `INSERT INTO positions (` + strings.Join(store.Columns, ", ") + `) VALUES (` + strings.Join(marks, ", ") + `)`

	batch := &pgx.Batch{}
	batch.Queue(`INSERT INTO accounts (account) VALUES ($1) ON CONFLICT DO NOTHING`, account)
	for _, p := range rows {
		p.Account = account
		rec, err := store.Encode(p)
		if err != nil {
			return err
		}
		batch.Queue(insert, rec.Args()...)
		if rec.TradeID != "" {
			batch.Queue(`INSERT INTO trade_log (account, trade_id, event_id, recorded_at) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
				account, rec.TradeID, rec.EventID, rec.TS)
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres insert batch: %w", err)
	}
	return nil
}

// DeletePositions physically removes events matching f.
func (s *Store) DeletePositions(ctx context.Context, account string, f model.Filter) (int64, error) {
	where, args := store.Where(account, f, placeholder)
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres delete positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HasTrade reports whether the trade id is in the account's trade log.
func (s *Store) HasTrade(ctx context.Context, account, tradeID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM trade_log WHERE account = $1 AND trade_id = $2`, account, tradeID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres has trade: %w", err)
	}
	return true, nil
}

// AppendEquity appends one equity point. Points are never replaced.
func (s *Store) AppendEquity(ctx context.Context, snap model.EquitySnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO equity (account, ts, total_equity) VALUES ($1, $2, $3::text::numeric)`,
		snap.AccountID, snap.Timestamp.UnixNano(), snap.TotalEquity.String())
	if err != nil {
		return fmt.Errorf("postgres append equity: %w", err)
	}
	return nil
}

// ReadEquity returns the equity series since the given time.
func (s *Store) ReadEquity(ctx context.Context, account string, since time.Time) ([]model.EquitySnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts, total_equity::text FROM equity WHERE account = $1 AND ts >= $2 ORDER BY ts ASC, id ASC`,
		account, store.SinceNano(since))
	if err != nil {
		return nil, fmt.Errorf("postgres query equity: %w", err)
	}
	defer rows.Close()

	var out []model.EquitySnapshot
	for rows.Next() {
		var ts int64
		var v string
		if err := rows.Scan(&ts, &v); err != nil {
			return nil, fmt.Errorf("postgres scan equity: %w", err)
		}
		eq, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("postgres equity value: %w", err)
		}
		out = append(out, model.EquitySnapshot{Timestamp: time.Unix(0, ts).UTC(), TotalEquity: eq, AccountID: account})
	}
	return out, rows.Err()
}

// Ping checks a pooled connection.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
