package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
	_ "modernc.org/sqlite"
)

// SQLite implements the chat.Store interface on an SQLite database.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content TEXT NOT NULL,
    image TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chats_created_at ON chats(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, seq);
`

// NewSQLite opens, or creates, the SQLite database at path.
func NewSQLite(path string) (SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return SQLite{}, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// A single connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return SQLite{}, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return SQLite{db: db}, nil
}

// Close closes the database.
func (s SQLite) Close() error {
	return s.db.Close()
}

// Chats returns every stored chat, newest first.
func (s SQLite) Chats(ctx context.Context) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, created_at FROM chats ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var (
			chat      models.Chat
			createdAt int64
		)
		if err := rows.Scan(&chat.ID, &chat.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chat.CreatedAt = time.UnixMilli(createdAt)
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// AddChat stores chat and returns its ID. A zero CreatedAt is set to the current time.
func (s SQLite) AddChat(ctx context.Context, chat models.Chat) (string, error) {
	if chat.ID == "" {
		return "", errors.New("chat ID is empty")
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO chats (id, title, created_at) VALUES (?, ?, ?)`,
		chat.ID, chat.Title, chat.CreatedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to insert chat: %w", err)
	}
	return chat.ID, nil
}

// DeleteChat removes the chat and, through the foreign key, its messages.
func (s SQLite) DeleteChat(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID); err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	return nil
}

// Messages returns the messages of chatID in insertion order, or models.ErrChatNotFound.
func (s SQLite) Messages(ctx context.Context, chatID string) ([]models.Message, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM chats WHERE id = ?)`, chatID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, image, created_at FROM messages WHERE chat_id = ? ORDER BY seq`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			msg       models.Message
			role      string
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.Image, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.Timestamp = time.UnixMilli(createdAt)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AddMessage appends message to chatID and returns the message ID. An unknown chatID fails with
// models.ErrChatNotFound.
func (s SQLite) AddMessage(ctx context.Context, chatID string, message models.Message) (string, error) {
	ts := message.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, role, content, image, created_at)
		SELECT ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM chats WHERE id = ?)`,
		message.ID, chatID, string(message.Role), message.Content, message.Image, ts.UnixMilli(), chatID)
	if err != nil {
		return "", fmt.Errorf("failed to insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to insert message: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
	}
	return message.ID, nil
}
