// Package storage provides SQLite-backed persistence for component state and the trade journal.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/papertrade/internal/models"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db        *sql.DB
	maxTrades int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/papertrade/data.db; ":memory:" opens a private in-memory database.
func New(maxTrades int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "papertrade", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxTrades: maxTrades}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			book          TEXT NOT NULL,
			action        TEXT NOT NULL,
			instrument_id TEXT NOT NULL,
			quantity      TEXT NOT NULL,
			price         TEXT NOT NULL,
			leverage      INTEGER NOT NULL DEFAULT 0,
			cash_after    TEXT NOT NULL,
			executed_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_executed_at ON trades(executed_at)`,
		`CREATE TABLE IF NOT EXISTS leases (
			name       TEXT PRIMARY KEY,
			holder     TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the value stored under key. The boolean is false when the key was never set.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// RecordTrade appends a receipt to the trade journal and drops the oldest
// entries beyond maxTrades.
func (s *Storage) RecordTrade(ctx context.Context, r *models.TradeReceipt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trades
			(book, action, instrument_id, quantity, price, leverage, cash_after, executed_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		string(r.Book), string(r.Action), r.InstrumentID,
		r.Quantity.String(), r.Price.String(), r.Leverage, r.ResultingCashBalance.String(),
		r.ExecutedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}

	if err := rotateTrades(ctx, tx, s.maxTrades); err != nil {
		return err
	}

	return tx.Commit()
}

// RecentTrades returns up to limit journal entries, newest first.
func (s *Storage) RecentTrades(ctx context.Context, limit int) ([]models.TradeReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT book, action, instrument_id, quantity, price, leverage, cash_after, executed_at
		FROM trades ORDER BY executed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	trades := []models.TradeReceipt{}
	for rows.Next() {
		r, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *r)
	}
	return trades, rows.Err()
}

// RotateTrades keeps at most maxTrades newest journal entries.
func (s *Storage) RotateTrades(ctx context.Context) error {
	return rotateTrades(ctx, s.db, s.maxTrades)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func rotateTrades(ctx context.Context, db execer, maxTrades int) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM trades WHERE id NOT IN (
			SELECT id FROM trades ORDER BY executed_at DESC, id DESC LIMIT ?
		)`, maxTrades)
	if err != nil {
		return fmt.Errorf("failed to rotate trades: %w", err)
	}
	return nil
}

func scanTrade(scan func(...any) error) (*models.TradeReceipt, error) {
	var r models.TradeReceipt
	var book, action, qty, price, cash string
	var executedAtNano int64
	if err := scan(&book, &action, &r.InstrumentID, &qty, &price, &r.Leverage, &cash, &executedAtNano); err != nil {
		return nil, err
	}
	var err error
	if r.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("quantity: %w", err)
	}
	if r.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	if r.ResultingCashBalance, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("cash after: %w", err)
	}
	r.Book = models.Book(book)
	r.Action = models.Action(action)
	r.ExecutedAt = time.Unix(0, executedAtNano)
	r.Persisted = true
	return &r, nil
}
