// Package sqlite is the default table store: an append-only position event
// log, a trade log keyed by trade id, and the equity series, in one SQLite
// database file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"ats-supervisor/internal/model"
	"ats-supervisor/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/portfolio.db"
}

// Store is a model.TableStore on SQLite. Writes go through a single
// connection; each call is one transaction.
type Store struct {
	db *sql.DB
}

var _ model.TableStore = (*Store)(nil)

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database with WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			account    TEXT    PRIMARY KEY,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);

		CREATE TABLE IF NOT EXISTS positions (
			seq               INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id          TEXT    NOT NULL UNIQUE,
			account           TEXT    NOT NULL,
			ts                INTEGER NOT NULL,
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
			deleted           BOOLEAN NOT NULL DEFAULT 0,
			delete_dt         INTEGER NOT NULL DEFAULT 0,
			contract          TEXT    NOT NULL,
			trade_id          TEXT    NOT NULL DEFAULT '',
			trade             TEXT    NOT NULL DEFAULT '',
			trade_context     TEXT    NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS idx_positions_key
			ON positions (account, symbol, asset_class, strategy, ts);

		CREATE TABLE IF NOT EXISTS trade_log (
			account     TEXT    NOT NULL,
			trade_id    TEXT    NOT NULL,
			event_id    TEXT    NOT NULL,
			recorded_at INTEGER NOT NULL,
			PRIMARY KEY (account, trade_id)
		);

		CREATE TABLE IF NOT EXISTS equity (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			account      TEXT    NOT NULL,
			ts           INTEGER NOT NULL,
			total_equity TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_equity_account_ts ON equity (account, ts);
	`)
	return err
}

// WritePositions replaces the account's event log with rows.
func (s *Store) WritePositions(ctx context.Context, account string, rows []model.Position) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE account = ?`, account); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM trade_log WHERE account = ?`, account); err != nil {
			return err
		}
		return insertBatch(ctx, tx, account, rows)
	})
}

// AppendPositions appends rows and records their trade ids.
func (s *Store) AppendPositions(ctx context.Context, account string, rows []model.Position) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertBatch(ctx, tx, account, rows)
	})
}

// DeletePositions physically removes events matching f.
func (s *Store) DeletePositions(ctx context.Context, account string, f model.Filter) (int64, error) {
	where, args := store.Where(account, f, placeholder)
	res, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite delete positions: %w", err)
	}
	return res.RowsAffected()
}

// AppendEquity appends one equity point. Points are never replaced.
func (s *Store) AppendEquity(ctx context.Context, snap model.EquitySnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO equity (account, ts, total_equity) VALUES (?, ?, ?)`,
		snap.AccountID, snap.Timestamp.UnixNano(), snap.TotalEquity.String())
	if err != nil {
		return fmt.Errorf("sqlite append equity: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite tx: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

// insertBatch inserts rows, registers the account and logs trade ids.
func insertBatch(ctx context.Context, tx *sql.Tx, account string, rows []model.Position) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO accounts (account) VALUES (?)`, account); err != nil {
		return err
	}

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(store.Columns)), ", ")
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO positions (`+strings.Join(store.Columns, ", ")+`) VALUES (`+marks+`)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	tradeStmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO trade_log (account, trade_id, event_id, recorded_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer tradeStmt.Close()

	for _, p := range rows {
		p.Account = account
		rec, err := store.Encode(p)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, rec.Args()...); err != nil {
			return fmt.Errorf("insert event %s: %w", rec.EventID, err)
		}
		if rec.TradeID != "" {
			if _, err := tradeStmt.ExecContext(ctx, account, rec.TradeID, rec.EventID, rec.TS); err != nil {
				return fmt.Errorf("insert trade %s: %w", rec.TradeID, err)
			}
		}
	}
	return nil
}

func placeholder(int) string { return "?" }
