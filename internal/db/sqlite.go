package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RichardoC/ollamachat/internal/models"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    model TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    attachment TEXT,
    image_data TEXT,
    mime_type TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
ON messages(conversation_id);`

var ErrConversationNotFound = errors.New("conversation not found")

// Database is the conversation store. Every method is a single statement
// or a single transaction, so it is safe for concurrent use by independent
// generation sessions.
type Database struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*Database, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer; one connection keeps appends serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Database{db: db, now: time.Now}, nil
}

func (db *Database) Close() error {
	_, err := db.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return multierr.Append(err, db.db.Close())
}

func (db *Database) CreateConversation(ctx context.Context, title, model string) (*models.Conversation, error) {
	if title == "" {
		title = models.DefaultTitle
	}
	now := db.now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := db.db.ExecContext(ctx, `
        INSERT INTO conversations (id, title, model, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, nullString(model), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversations returns every conversation, most recently updated first,
// annotated with its message count.
func (db *Database) GetConversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := db.db.QueryContext(ctx, `
        SELECT c.id, c.title, c.model, c.created_at, c.updated_at,
               (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
        FROM conversations c
        ORDER BY c.updated_at DESC, c.rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conv)
	}
	return conversations, rows.Err()
}

// GetConversation returns nil without an error when id is unknown.
func (db *Database) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := db.db.QueryRowContext(ctx, `
        SELECT c.id, c.title, c.model, c.created_at, c.updated_at,
               (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
        FROM conversations c
        WHERE c.id = ?`, id)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (db *Database) UpdateConversationTitle(ctx context.Context, id, title string) (*models.Conversation, error) {
	res, err := db.db.ExecContext(ctx,
		"UPDATE conversations SET title = ?, updated_at = MAX(updated_at, ?) WHERE id = ?",
		title, db.now().UTC().UnixNano(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConversationNotFound
	}
	return db.GetConversation(ctx, id)
}

// DeleteConversation removes the conversation; its messages go with it
// through the foreign key cascade.
func (db *Database) DeleteConversation(ctx context.Context, id string) error {
	if _, err := db.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// GetMessages returns the conversation's messages oldest first; rows created
// in the same instant keep their insertion order.
func (db *Database) GetMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := db.db.QueryContext(ctx, `
        SELECT id, conversation_id, role, content, attachment, image_data, mime_type, created_at
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			msg                     models.Message
			attachment, image, mime sql.NullString
			createdAt               int64
		)
		if err := rows.Scan(&msg.ID, &msg.ConvID, &msg.Role, &msg.Content,
			&attachment, &image, &mime, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Attachment = attachment.String
		msg.ImageData = image.String
		msg.MimeType = mime.String
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// SaveMessage appends a message and bumps the owning conversation's
// updated_at in the same transaction.
func (db *Database) SaveMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	now := db.now().UTC()
	msg := &models.Message{
		ID:         uuid.NewString(),
		ConvID:     in.ConvID,
		Role:       in.Role,
		Content:    in.Content,
		Attachment: in.Attachment,
		ImageData:  in.ImageData,
		MimeType:   in.MimeType,
		CreatedAt:  now,
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO messages (id, conversation_id, role, content, attachment, image_data, mime_type, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConvID, string(msg.Role), msg.Content,
		nullString(msg.Attachment), nullString(msg.ImageData), nullString(msg.MimeType), now.UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?",
		now.UnixNano(), msg.ConvID); err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*models.Conversation, error) {
	var (
		conv                 models.Conversation
		model                sql.NullString
		createdAt, updatedAt int64
	)
	if err := s.Scan(&conv.ID, &conv.Title, &model, &createdAt, &updatedAt, &conv.MessageCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	conv.Model = model.String
	conv.CreatedAt = time.Unix(0, createdAt).UTC()
	conv.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &conv, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
