package network

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// replayWindow is how long a (from, nonce) pair is remembered for replay
// defense, per spec §4.8 ("seen within the last 5 minutes").
const replayWindow = 5 * time.Minute

// NonceStore is the replay-defense table: a durable record of every
// (from, nonce) pair this agent has already accepted, backed by SQLite so
// it survives a daemon restart.
type NonceStore struct {
	db *sql.DB
}

// NewNonceStore opens (creating if absent) a SQLite-backed nonce table at
// dbPath.
func NewNonceStore(dbPath string) (*NonceStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create nonce store directory: %w", err)
	}
	dsn := dbPath + "?_journal=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS relay_nonces (
		sender TEXT NOT NULL,
		nonce TEXT NOT NULL,
		seen_at INTEGER NOT NULL,
		PRIMARY KEY (sender, nonce)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init nonce schema: %w", err)
	}
	return &NonceStore{db: db}, nil
}

// Close closes the underlying database handle.
func (n *NonceStore) Close() error { return n.db.Close() }

// CheckAndRecord reports whether (from, nonce) has already been seen within
// the replay window. A fresh pair is recorded and false is returned; a
// repeat returns true without updating anything, so the caller can reject
// it as a replay.
func (n *NonceStore) CheckAndRecord(from, nonce string, now time.Time) (seen bool, err error) {
	cutoff := now.Add(-replayWindow).Unix()
	if _, err := n.db.Exec(`DELETE FROM relay_nonces WHERE seen_at < ?`, cutoff); err != nil {
		return false, fmt.Errorf("expire stale nonces: %w", err)
	}

	_, err = n.db.Exec(`INSERT INTO relay_nonces (sender, nonce, seen_at) VALUES (?, ?, ?)`, from, nonce, now.Unix())
	if err == nil {
		return false, nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "constraint failed") {
		return true, nil
	}
	return false, fmt.Errorf("record nonce: %w", err)
}
