// Package store persists bot records, performance projections and the key
// audit in SQLite. Bot documents are saved whole: one row per bot, the
// embedded orders and history marshaled as JSON with a checksum.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"grid_engine/internal/core"
	apperrors "grid_engine/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS bots (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	state      TEXT NOT NULL,
	data       TEXT NOT NULL,
	checksum   BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bots_user  ON bots(user_id);
CREATE INDEX IF NOT EXISTS idx_bots_state ON bots(state);

CREATE TABLE IF NOT EXISTS performance (
	bot_id     TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	checksum   BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS key_audit (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT NOT NULL,
	action      TEXT NOT NULL,
	remote_addr TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_key_audit_user ON key_audit(user_id);
`

// SQLiteStore implements core.IBotStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database in WAL mode.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveBot writes the whole bot document atomically.
func (s *SQLiteStore) SaveBot(ctx context.Context, bot *core.Bot) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(bot)
	if err != nil {
		return fmt.Errorf("failed to marshal bot: %w", err)
	}

	// Round-trip test before the write; a document that cannot be read
	// back must never land on disk.
	var probe core.Bot
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("bot validation failed: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO bots (id, user_id, symbol, state, data, checksum, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		bot.ID, bot.UserID, bot.Symbol, string(bot.State),
		string(data), checksum[:], time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write bot to db: %w", err)
	}

	return tx.Commit()
}

// GetBot loads and checksum-verifies one bot document.
func (s *SQLiteStore) GetBot(ctx context.Context, botID string) (*core.Bot, error) {
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data, checksum FROM bots WHERE id = ?`, botID).
		Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrBotNotFound
		}
		return nil, fmt.Errorf("failed to read bot from db: %w", err)
	}

	bot, err := decodeBot(data, storedChecksum)
	if err != nil {
		return nil, fmt.Errorf("bot %s: %w", botID, err)
	}
	return bot, nil
}

// DeleteBot removes the bot and its performance projection.
func (s *SQLiteStore) DeleteBot(ctx context.Context, botID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, botID)
	if err != nil {
		return fmt.Errorf("failed to delete bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrBotNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM performance WHERE bot_id = ?`, botID); err != nil {
		return fmt.Errorf("failed to delete performance: %w", err)
	}

	return tx.Commit()
}

// ListBots returns every bot owned by a user.
func (s *SQLiteStore) ListBots(ctx context.Context, userID string) ([]*core.Bot, error) {
	return s.queryBots(ctx, `SELECT data, checksum FROM bots WHERE user_id = ? ORDER BY id`, userID)
}

// ListBotsByState returns every bot in the given lifecycle state, across
// users. Startup recovery scans the active set this way.
func (s *SQLiteStore) ListBotsByState(ctx context.Context, state core.BotState) ([]*core.Bot, error) {
	return s.queryBots(ctx, `SELECT data, checksum FROM bots WHERE state = ? ORDER BY id`, string(state))
}

func (s *SQLiteStore) queryBots(ctx context.Context, query string, arg interface{}) ([]*core.Bot, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query bots: %w", err)
	}
	defer rows.Close()

	var bots []*core.Bot
	for rows.Next() {
		var data string
		var checksum []byte
		if err := rows.Scan(&data, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan bot row: %w", err)
		}
		bot, err := decodeBot(data, checksum)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// SavePerformance writes a performance projection.
func (s *SQLiteStore) SavePerformance(ctx context.Context, snap *core.PerformanceSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal performance: %w", err)
	}
	checksum := sha256.Sum256(data)

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO performance (bot_id, data, checksum, updated_at) VALUES (?, ?, ?, ?)`,
		snap.BotID, string(data), checksum[:], time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write performance: %w", err)
	}
	return nil
}

// GetPerformance loads a bot's performance projection, nil when absent. The
// projection is derived data; a missing or corrupt row is recomputable.
func (s *SQLiteStore) GetPerformance(ctx context.Context, botID string) (*core.PerformanceSnapshot, error) {
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data, checksum FROM performance WHERE bot_id = ?`, botID).
		Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read performance: %w", err)
	}

	if err := verifyChecksum([]byte(data), storedChecksum); err != nil {
		return nil, nil
	}

	var snap core.PerformanceSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, nil
	}
	return &snap, nil
}

// AppendKeyAudit appends one credential audit record.
func (s *SQLiteStore) AppendKeyAudit(ctx context.Context, ev *core.KeyAuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO key_audit (user_id, action, remote_addr, outcome, at) VALUES (?, ?, ?, ?, ?)`,
		ev.UserID, ev.Action, ev.RemoteAddr, ev.Outcome, ev.At.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append key audit: %w", err)
	}
	return nil
}

// ListKeyAudit returns the most recent audit records for a user.
func (s *SQLiteStore) ListKeyAudit(ctx context.Context, userID string, limit int) ([]*core.KeyAuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, action, remote_addr, outcome, at FROM key_audit
		 WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query key audit: %w", err)
	}
	defer rows.Close()

	var events []*core.KeyAuditEvent
	for rows.Next() {
		var ev core.KeyAuditEvent
		var at int64
		if err := rows.Scan(&ev.UserID, &ev.Action, &ev.RemoteAddr, &ev.Outcome, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		ev.At = time.Unix(0, at)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeBot(data string, storedChecksum []byte) (*core.Bot, error) {
	if err := verifyChecksum([]byte(data), storedChecksum); err != nil {
		return nil, err
	}
	var bot core.Bot
	if err := json.Unmarshal([]byte(data), &bot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bot: %w", err)
	}
	return &bot, nil
}

func verifyChecksum(data, stored []byte) error {
	computed := sha256.Sum256(data)
	if len(stored) != len(computed) {
		return fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computed), len(stored))
	}
	for i := range computed {
		if stored[i] != computed[i] {
			return fmt.Errorf("checksum verification failed: data corruption detected")
		}
	}
	return nil
}
