package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/replyflow/pkg/replyflow/database"
)

var historyMigrations = []database.Migration{
	{Version: 1, SQL: `
		CREATE TABLE IF NOT EXISTS conversation_history (
			conversation_key TEXT PRIMARY KEY,
			messages TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`},
}

// SQLBackend stores one JSON-encoded message list per conversation key in
// SQLite or PostgreSQL.
type SQLBackend struct {
	db *database.DB
}

// NewSQLBackend migrates the schema and returns a backend over db.
func NewSQLBackend(ctx context.Context, db *database.DB) (*SQLBackend, error) {
	if err := db.Migrate(ctx, "history", historyMigrations); err != nil {
		return nil, err
	}
	return &SQLBackend{db: db}, nil
}

// Read implements Backend.
func (b *SQLBackend) Read(ctx context.Context, key string) ([]Message, error) {
	var raw string
	err := b.db.QueryRowContext(ctx,
		b.db.Rebind(`SELECT messages FROM conversation_history WHERE conversation_key = ?`),
		key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecodeFailed, key, err)
	}
	return msgs, nil
}

// Write implements Backend.
func (b *SQLBackend) Write(ctx context.Context, key string, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	_, err = b.db.ExecContext(ctx, b.db.Rebind(`
		INSERT INTO conversation_history (conversation_key, messages, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (conversation_key) DO UPDATE SET
			messages = excluded.messages,
			updated_at = excluded.updated_at`),
		key, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert history: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (b *SQLBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx,
		b.db.Rebind(`DELETE FROM conversation_history WHERE conversation_key = ?`), key)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

// Keys lists every stored conversation key, newest first.
func (b *SQLBackend) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT conversation_key FROM conversation_history ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list history keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close implements Backend.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}
