// Package storage provides relational persistence for markets, order book
// snapshots, true prices, alert rules, notifications and trader scores.
// SQLite is the default backend; PostgreSQL is selected by driver name.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Config holds connection settings.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// Store wraps a sqlx database for all persistence operations.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	timeout time.Duration
}

type dialect struct {
	serialID string
	float    string
	integer  string
}

var dialects = map[string]dialect{
	DriverSQLite:   {serialID: "INTEGER PRIMARY KEY AUTOINCREMENT", float: "REAL", integer: "INTEGER"},
	DriverPostgres: {serialID: "BIGSERIAL PRIMARY KEY", float: "DOUBLE PRECISION", integer: "BIGINT"},
}

// New opens the database described by cfg and creates missing tables.
// For SQLite an empty DSN defaults to $TMPDIR/polyscore/data.db.
func New(cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if _, ok := dialects[cfg.Driver]; !ok {
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite {
		if dsn == "" {
			dsn = filepath.Join(os.TempDir(), "polyscore", "data.db")
		}
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	} else if dsn == "" {
		return nil, fmt.Errorf("database DSN is required for driver %s", cfg.Driver)
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
		if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
	}

	s := NewWithDB(db, cfg.QueryTimeout)
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an already opened database without touching its schema.
func NewWithDB(db *sqlx.DB, queryTimeout time.Duration) *Store {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	d, ok := dialects[db.DriverName()]
	if !ok {
		d = dialects[DriverSQLite]
	}
	return &Store{db: db, dialect: d, timeout: queryTimeout}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) createTables() error {
	d := s.dialect
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS markets (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			resolved_outcome ` + d.integer + `,
			created_at       ` + d.integer + ` NOT NULL,
			updated_at       ` + d.integer + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS market_snapshots (
			id         ` + d.serialID + `,
			market_id  TEXT NOT NULL REFERENCES markets(id) ON DELETE CASCADE,
			timestamp  ` + d.integer + ` NOT NULL,
			raw_data   TEXT NOT NULL,
			mid_price  ` + d.float + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_market_ts ON market_snapshots(market_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS true_prices (
			id         ` + d.serialID + `,
			market_id  TEXT NOT NULL REFERENCES markets(id) ON DELETE CASCADE,
			timestamp  ` + d.integer + ` NOT NULL,
			value      ` + d.float + ` NOT NULL,
			mid_price  ` + d.float + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_true_prices_market_ts ON true_prices(market_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS traders (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_at ` + d.integer + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trader_scores (
			id         ` + d.serialID + `,
			trader_id  TEXT NOT NULL,
			market_id  TEXT NOT NULL REFERENCES markets(id) ON DELETE CASCADE,
			score      ` + d.float + ` NOT NULL,
			timestamp  ` + d.integer + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trader_scores_market ON trader_scores(market_id, trader_id)`,
		`CREATE TABLE IF NOT EXISTS predictions (
			id          ` + d.serialID + `,
			trader_id   TEXT NOT NULL,
			market_id   TEXT NOT NULL REFERENCES markets(id) ON DELETE CASCADE,
			probability ` + d.float + ` NOT NULL,
			timestamp   ` + d.integer + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_trader_market ON predictions(trader_id, market_id)`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			market_id  TEXT NOT NULL REFERENCES markets(id) ON DELETE CASCADE,
			email      TEXT NOT NULL,
			threshold  ` + d.float + ` NOT NULL,
			condition  TEXT NOT NULL,
			is_active  ` + d.integer + ` NOT NULL DEFAULT 1,
			created_at ` + d.integer + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alert_notifications (
			id            TEXT PRIMARY KEY,
			alert_rule_id TEXT NOT NULL REFERENCES alert_rules(id) ON DELETE CASCADE,
			market_id     TEXT NOT NULL REFERENCES markets(id) ON DELETE CASCADE,
			true_price    ` + d.float + ` NOT NULL,
			mid_price     ` + d.float + ` NOT NULL,
			difference    ` + d.float + ` NOT NULL,
			sent_at       ` + d.integer + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_rule ON alert_notifications(alert_rule_id, sent_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ? placeholders for the active driver.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// WithSession runs fn inside one transaction. The transaction commits when
// fn returns nil and rolls back on error or panic. Each concurrent unit of
// work gets its own session.
func (s *Store) WithSession(ctx context.Context, fn func(*Session) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	sess := &Session{tx: tx, store: s}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(sess); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toNano(t time.Time) int64 {
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	return time.Unix(0, n)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
