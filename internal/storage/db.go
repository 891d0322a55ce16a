// Package storage persists the relay's append-only logs, listening sessions
// and affinity tallies in SQLite.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

var ErrNotFound = errors.New("not found")

// DB wraps the relay database.
type DB struct {
	db *sqlx.DB
	mu sync.RWMutex
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS playback_log (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_ms      INTEGER NOT NULL,
		event_type        TEXT NOT NULL,
		user_id           INTEGER,
		track_uri         TEXT DEFAULT '',
		track_name        TEXT DEFAULT '',
		artist_name       TEXT DEFAULT '',
		album_name        TEXT DEFAULT '',
		track_duration_ms INTEGER,
		position_ms       INTEGER,
		volume            INTEGER,
		playback_state    TEXT DEFAULT '',
		queue_length      INTEGER DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_playback_log_user ON playback_log (user_id, timestamp_ms)`,

	`CREATE TABLE IF NOT EXISTS command_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_ms INTEGER NOT NULL,
		user_id      INTEGER NOT NULL,
		method       TEXT NOT NULL,
		category     TEXT NOT NULL,
		track_uri    TEXT DEFAULT '',
		track_name   TEXT DEFAULT '',
		artist_name  TEXT DEFAULT '',
		position_ms  INTEGER,
		volume       INTEGER,
		queue_length INTEGER DEFAULT 0,
		target_uris  TEXT DEFAULT '[]',
		target_label TEXT DEFAULT '',
		insert_index INTEGER,
		relative_pos INTEGER,
		details      TEXT DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_command_log_user ON command_log (user_id, timestamp_ms)`,

	`CREATE TABLE IF NOT EXISTS listening_sessions (
		session_id       TEXT PRIMARY KEY,
		user_id          INTEGER NOT NULL,
		started_ms       INTEGER NOT NULL,
		last_activity_ms INTEGER NOT NULL,
		ended_ms         INTEGER,
		track_count      INTEGER DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS track_affinity (
		user_id          INTEGER NOT NULL,
		track_uri        TEXT NOT NULL,
		track_name       TEXT DEFAULT '',
		artist_name      TEXT DEFAULT '',
		play_count       INTEGER DEFAULT 0,
		skip_count       INTEGER DEFAULT 0,
		early_skip_count INTEGER DEFAULT 0,
		listened_ms      INTEGER DEFAULT 0,
		score            REAL DEFAULT 0,
		updated_ms       INTEGER DEFAULT 0,
		PRIMARY KEY (user_id, track_uri)
	)`,

	`CREATE TABLE IF NOT EXISTS artist_affinity (
		user_id          INTEGER NOT NULL,
		artist_name      TEXT NOT NULL,
		play_count       INTEGER DEFAULT 0,
		skip_count       INTEGER DEFAULT 0,
		early_skip_count INTEGER DEFAULT 0,
		listened_ms      INTEGER DEFAULT 0,
		score            REAL DEFAULT 0,
		updated_ms       INTEGER DEFAULT 0,
		PRIMARY KEY (user_id, artist_name)
	)`,
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	// pragmas go in the DSN so every pooled connection gets them
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	log.Debugf("opened %s", path)
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}
