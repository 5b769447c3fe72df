/*
Package store
File: store.go
Description:
    SQLite persistence (pure Go driver). One database file holds the
    reconciliation outbox, the session snapshots and the tables of the
    authoritative backend service.
*/

package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	db *sql.DB
}

// Open creates the file if needed and migrates the schema. ":memory:" opens
// a private in-memory database.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps :memory: a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			digest TEXT NOT NULL UNIQUE,
			wallet TEXT NOT NULL,
			kind TEXT NOT NULL,
			revision INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_ms INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS outbox_due ON outbox(next_attempt_ms, id);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			wallet TEXT PRIMARY KEY,
			revision INTEGER NOT NULL,
			payload TEXT NOT NULL,
			updated_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS players (
			wallet TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			referral_code TEXT NOT NULL UNIQUE,
			star_balance INTEGER NOT NULL DEFAULT 0,
			bonus_balance INTEGER NOT NULL DEFAULT 0,
			revision INTEGER NOT NULL DEFAULT 0,
			genesis_claimed_ms INTEGER NOT NULL DEFAULT 0,
			last_daily_login_ms INTEGER NOT NULL DEFAULT 0,
			daily_streak INTEGER NOT NULL DEFAULT 0,
			referral_count INTEGER NOT NULL DEFAULT 0,
			referral_bonus_earned INTEGER NOT NULL DEFAULT 0,
			referred_by TEXT NOT NULL DEFAULT '',
			created_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS discoveries (
			wallet TEXT NOT NULL,
			body TEXT NOT NULL,
			ord INTEGER NOT NULL,
			reward INTEGER NOT NULL,
			at_ms INTEGER NOT NULL,
			PRIMARY KEY (wallet, body)
		);`,
		`CREATE TABLE IF NOT EXISTS mints (
			wallet TEXT NOT NULL,
			body TEXT NOT NULL,
			tx_ref TEXT NOT NULL,
			at_ms INTEGER NOT NULL,
			PRIMARY KEY (wallet, body)
		);`,
		`CREATE TABLE IF NOT EXISTS burns (
			wallet TEXT NOT NULL,
			burn_key TEXT NOT NULL,
			utility_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			at_ms INTEGER NOT NULL,
			PRIMARY KEY (wallet, burn_key)
		);`,
		`CREATE TABLE IF NOT EXISTS transfers (
			wallet TEXT NOT NULL,
			transfer_key TEXT NOT NULL,
			amount INTEGER NOT NULL,
			tx_ref TEXT NOT NULL,
			at_ms INTEGER NOT NULL,
			PRIMARY KEY (wallet, transfer_key)
		);`,
		`CREATE TABLE IF NOT EXISTS referrals (
			referee TEXT PRIMARY KEY,
			referrer TEXT NOT NULL,
			bonus INTEGER NOT NULL,
			at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS referrals_referrer ON referrals(referrer);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
