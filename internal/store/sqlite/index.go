// Package sqlite implements store.IndexStore on a local SQLite database.
// The schema is versioned with embedded golang-migrate migrations so
// upgrades across releases stay one-directional and explicit.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// IndexStore is the SQLite-backed session index.
type IndexStore struct {
	db *sql.DB
}

// NewIndexStore opens (or creates) the index database at path and applies
// pending migrations.
func NewIndexStore(path string) (*IndexStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	// Single writer; WAL keeps readers unblocked during appends.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("session index opened", "path", path)
	return &IndexStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Touch records activity on a session, creating the row on first contact.
func (s *IndexStore) Touch(key, agentID, channel string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (key, agent_id, channel, message_count, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			message_count = message_count + 1,
			updated_at = excluded.updated_at,
			agent_id = CASE WHEN excluded.agent_id != '' THEN excluded.agent_id ELSE agent_id END,
			channel  = CASE WHEN excluded.channel != '' THEN excluded.channel ELSE channel END`,
		key, agentID, channel, formatTime(at), formatTime(at))
	if err != nil {
		return fmt.Errorf("touch session %s: %w", key, err)
	}
	return nil
}

// Get returns the index row for key, or (nil, nil) when absent.
func (s *IndexStore) Get(key string) (*store.IndexEntry, error) {
	row := s.db.QueryRow(`
		SELECT key, agent_id, channel, message_count, created_at, updated_at, reset_count, last_archive,
		       chat_type, peer_id, input_tokens, output_tokens, last_message, last_reply
		FROM sessions WHERE key = ?`, key)

	var e store.IndexEntry
	var created, updated string
	err := row.Scan(&e.Key, &e.AgentID, &e.Channel, &e.MessageCount,
		&created, &updated, &e.ResetCount, &e.LastArchive,
		&e.ChatType, &e.PeerID, &e.InputTokens, &e.OutputTokens, &e.LastMessage, &e.LastReply)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", key, err)
	}
	if e.Created, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if e.Updated, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &e, nil
}

// List returns session rows matching the prefix, newest activity first.
func (s *IndexStore) List(opts store.ListOpts) (store.ListResult, error) {
	pattern := opts.Prefix + "%"

	var total int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE key LIKE ?`, pattern).Scan(&total); err != nil {
		return store.ListResult{}, fmt.Errorf("count sessions: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(`
		SELECT key, agent_id, channel, message_count, created_at, updated_at, reset_count, last_archive,
		       chat_type, peer_id, input_tokens, output_tokens, last_message, last_reply
		FROM sessions WHERE key LIKE ?
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, pattern, limit, offset)
	if err != nil {
		return store.ListResult{}, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	result := store.ListResult{Total: total}
	for rows.Next() {
		var e store.IndexEntry
		var created, updated string
		if err := rows.Scan(&e.Key, &e.AgentID, &e.Channel, &e.MessageCount,
			&created, &updated, &e.ResetCount, &e.LastArchive,
			&e.ChatType, &e.PeerID, &e.InputTokens, &e.OutputTokens, &e.LastMessage, &e.LastReply); err != nil {
			return result, fmt.Errorf("scan session row: %w", err)
		}
		if e.Created, err = parseTime(created); err != nil {
			return result, fmt.Errorf("parse created_at: %w", err)
		}
		if e.Updated, err = parseTime(updated); err != nil {
			return result, fmt.Errorf("parse updated_at: %w", err)
		}
		result.Sessions = append(result.Sessions, e)
	}
	return result, rows.Err()
}

// RecordRun folds one completed run into the session row: token counters
// accumulate, the snippet columns hold only the most recent exchange.
func (s *IndexStore) RecordRun(key string, stats store.RunStats, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE sessions SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			last_message = ?,
			last_reply = ?,
			chat_type = CASE WHEN ? != '' THEN ? ELSE chat_type END,
			peer_id   = CASE WHEN ? != '' THEN ? ELSE peer_id END,
			updated_at = ?
		WHERE key = ?`,
		stats.InputTokens, stats.OutputTokens,
		stats.LastMessage, stats.LastReply,
		stats.ChatType, stats.ChatType,
		stats.PeerID, stats.PeerID,
		formatTime(at), key)
	if err != nil {
		return fmt.Errorf("record run %s: %w", key, err)
	}
	return nil
}

// MarkReset records a reset: counters restart, the archive path is kept so
// operators can find the conversation that was closed.
func (s *IndexStore) MarkReset(key, archivePath string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE sessions SET
			message_count = 0,
			reset_count = reset_count + 1,
			last_archive = ?,
			updated_at = ?
		WHERE key = ?`, archivePath, formatTime(at), key)
	if err != nil {
		return fmt.Errorf("mark reset %s: %w", key, err)
	}
	return nil
}

// Delete removes the index row.
func (s *IndexStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

func (s *IndexStore) Close() error {
	return s.db.Close()
}

// Timestamps are stored as RFC3339 UTC text so lexical ORDER BY matches
// chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
