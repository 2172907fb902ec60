package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical durable session-state storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the session database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process scheduler. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS session_states (
			session_id TEXT PRIMARY KEY,
			energy REAL NOT NULL,
			mood REAL NOT NULL,
			last_reply_ms INTEGER NOT NULL DEFAULT 0,
			last_mood_decay_ms INTEGER NOT NULL DEFAULT 0,
			last_reset_date TEXT NOT NULL DEFAULT '',
			updated_at_ms INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init session db: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*Persisted, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT energy, mood, last_reply_ms, last_mood_decay_ms, last_reset_date
		 FROM session_states WHERE session_id = ?`, sessionID)

	var p Persisted
	var replyMS, decayMS int64
	err := row.Scan(&p.Energy, &p.Mood, &replyMS, &decayMS, &p.LastResetDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session state %s: %w", sessionID, err)
	}
	if replyMS > 0 {
		p.LastReplyTime = time.UnixMilli(replyMS)
	}
	if decayMS > 0 {
		p.LastMoodDecay = time.UnixMilli(decayMS)
	}
	return &p, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sessionID string, p Persisted) error {
	var replyMS, decayMS int64
	if !p.LastReplyTime.IsZero() {
		replyMS = p.LastReplyTime.UnixMilli()
	}
	if !p.LastMoodDecay.IsZero() {
		decayMS = p.LastMoodDecay.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_states (session_id, energy, mood, last_reply_ms, last_mood_decay_ms, last_reset_date, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			energy = excluded.energy,
			mood = excluded.mood,
			last_reply_ms = excluded.last_reply_ms,
			last_mood_decay_ms = excluded.last_mood_decay_ms,
			last_reset_date = excluded.last_reset_date,
			updated_at_ms = excluded.updated_at_ms`,
		sessionID, p.Energy, p.Mood, replyMS, decayMS, p.LastResetDate, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save session state %s: %w", sessionID, err)
	}
	return nil
}
