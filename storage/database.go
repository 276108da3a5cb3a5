package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "timeline.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS conversations (
  conversation_id      TEXT PRIMARY KEY,
  peer_key             TEXT NOT NULL UNIQUE,
  created_at           INTEGER NOT NULL,
  last_message_at      INTEGER,
  last_message_preview TEXT NOT NULL DEFAULT '',
  unread_count         INTEGER NOT NULL DEFAULT 0,
  initiated_locally    INTEGER NOT NULL DEFAULT 0,
  message_ttl_seconds  INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS groups (
  group_id             TEXT PRIMARY KEY,
  name                 TEXT NOT NULL DEFAULT '',
  description          TEXT NOT NULL DEFAULT '',
  picture              TEXT NOT NULL DEFAULT '',
  members              TEXT NOT NULL DEFAULT '[]',
  admins               TEXT NOT NULL DEFAULT '[]',
  shared_secret        TEXT,
  accepted             INTEGER NOT NULL DEFAULT 0,
  created_at           INTEGER NOT NULL,
  last_message_at      INTEGER,
  last_message_preview TEXT NOT NULL DEFAULT '',
  unread_count         INTEGER NOT NULL DEFAULT 0,
  message_ttl_seconds  INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id     TEXT PRIMARY KEY,
  rumor_id       TEXT,
  chat_id        TEXT NOT NULL,
  chat_type      TEXT NOT NULL CHECK(chat_type IN ('pairwise','group')),
  sender_key     TEXT NOT NULL DEFAULT '',
  content        TEXT NOT NULL,
  created_at     INTEGER NOT NULL,
  direction      TEXT NOT NULL CHECK(direction IN ('incoming','outgoing')),
  status         TEXT NOT NULL CHECK(status IN ('pending','sent','delivered','seen','failed')) DEFAULT 'pending',
  outer_event_id TEXT,
  reply_to_id    TEXT,
  expires_at     INTEGER,
  reactions      TEXT NOT NULL DEFAULT '{}',
  is_read        INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_chat_rumor
ON messages (chat_id, rumor_id) WHERE rumor_id IS NOT NULL;
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_chat_time
ON messages (chat_id, created_at);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_expires_at
ON messages (expires_at) WHERE expires_at IS NOT NULL;
`,
	`
CREATE TABLE IF NOT EXISTS offline_queue (
  entry_id        TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL,
  message_id      TEXT NOT NULL,
  content         TEXT NOT NULL,
  created_at      INTEGER NOT NULL,
  retry_count     INTEGER NOT NULL DEFAULT 0,
  last_attempt_at INTEGER
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_offline_queue_created_at
ON offline_queue (created_at);
`,
	`
CREATE TABLE IF NOT EXISTS seen_rumor_ids (
  rumor_id    TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_rumor_received_at
ON seen_rumor_ids (received_at);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) timeline.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
