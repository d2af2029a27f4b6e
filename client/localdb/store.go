// Package localdb persists a device's view of its conversations: a durable
// outbox of actions taken while offline plus a cache of messages and
// conversation summaries, all in a single SQLite file so state survives app
// restarts.
package localdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// DefaultDBFileName is the SQLite filename under the app data dir.
const DefaultDBFileName = "shule.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS outbox (
  id              TEXT PRIMARY KEY,
  kind            TEXT NOT NULL CHECK(kind IN ('send_message','mark_read')),
  conversation_id TEXT NOT NULL,
  content         TEXT,
  message_ids     TEXT,
  status          TEXT NOT NULL CHECK(status IN ('pending','failed')) DEFAULT 'pending',
  error           TEXT,
  retries         INTEGER NOT NULL DEFAULT 0,
  created_at      INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_outbox_pending
ON outbox (status, created_at);
`,
	`
CREATE TABLE IF NOT EXISTS message (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL,
  sender_id       TEXT NOT NULL,
  content         TEXT NOT NULL,
  status          TEXT NOT NULL CHECK(status IN ('pending','sent','delivered','read')),
  created_at      INTEGER NOT NULL,
  payload         TEXT NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_message_conv_time
ON message (conversation_id, created_at DESC);
`,
	`
CREATE TABLE IF NOT EXISTS conversation (
  id              TEXT PRIMARY KEY,
  last_message_at INTEGER,
  payload         TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS kv (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`,
}

// Store wraps the SQLite handle. Safe for concurrent use; SQLite serializes
// writers and WAL keeps readers unblocked.
type Store struct {
	db *sql.DB
}

// Open creates dataDir if needed and opens the database inside it.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "creating storage directory")
	}
	return OpenPath(filepath.Join(dataDir, DefaultDBFileName))
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "pinging sqlite database")
	}

	store := &Store{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return errors.Wrap(err, "reading schema version")
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning migration transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return errors.Wrapf(err, "applying migration %d", i+1)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return errors.Wrapf(err, "setting schema version %d", i+1)
		}
	}
	return errors.Wrap(tx.Commit(), "committing migration transaction")
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return errors.Wrap(err, "enabling WAL mode")
	}
	if !strings.EqualFold(journalMode, "wal") {
		return errors.Errorf("enabling WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// GetValue reads a kv entry, "" when absent. Used for sync cursors.
func (s *Store) GetValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, errors.Wrap(err, "reading kv")
}

func (s *Store) SetValue(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return errors.Wrap(err, "writing kv")
}
