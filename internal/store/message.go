package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/matheus3301/swoon/internal/chat"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

const messageColumns = `id, conversation_id, sender_id, content, media_url, message_type, client_ref, is_read, is_edited, created_at, updated_at`

// InsertMessage persists an outgoing message under a new server id. A message
// whose client_ref was already stored is returned as-is, so resending after a
// lost response does not create a second row.
func (db *DB) InsertMessage(ctx context.Context, out chat.OutgoingMessage) (*chat.Message, error) {
	if out.ConversationID == "" || out.SenderID == "" {
		return nil, errors.New("conversation_id and sender_id are required")
	}
	if out.Type == "" {
		out.Type = chat.TypeText
	}
	if !out.Type.Valid() {
		return nil, fmt.Errorf("invalid message type %q", out.Type)
	}
	if out.ClientRef != "" {
		existing, err := db.messageBy(ctx, "client_ref", out.ClientRef)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	now := db.timestamp()
	m := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: out.ConversationID,
		SenderID:       out.SenderID,
		Content:        out.Content,
		MediaURL:       out.MediaURL,
		Type:           out.Type,
		ClientRef:      out.ClientRef,
		CreatedAt:      parseTime(now),
		UpdatedAt:      parseTime(now),
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.MediaURL, string(m.Type), m.ClientRef, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	db.publish(Change{Table: "messages", Type: Insert, Record: m.Record()})
	return &m, nil
}

// SendMessage satisfies the pipeline's persistence backend.
func (db *DB) SendMessage(ctx context.Context, out chat.OutgoingMessage) (*chat.Message, error) {
	return db.InsertMessage(ctx, out)
}

// UpdateMessageContent edits a message and marks it edited.
func (db *DB) UpdateMessageContent(ctx context.Context, id, content string) (*chat.Message, error) {
	old, err := db.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	now := db.timestamp()
	if _, err := db.ExecContext(ctx,
		`UPDATE messages SET content = ?, is_edited = 1, updated_at = ? WHERE id = ?`,
		content, now, id); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}

	m := *old
	m.Content = content
	m.IsEdited = true
	m.UpdatedAt = parseTime(now)
	db.publish(Change{Table: "messages", Type: Update, Record: m.Record(), OldRecord: old.Record()})
	return &m, nil
}

// MarkRead flags a message as read.
func (db *DB) MarkRead(ctx context.Context, id string) error {
	old, err := db.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if old.IsRead {
		return nil
	}
	if _, err := db.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	m := *old
	m.IsRead = true
	db.publish(Change{Table: "messages", Type: Update, Record: m.Record(), OldRecord: old.Record()})
	return nil
}

// DeleteMessage removes a message.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	old, err := db.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	db.publish(Change{Table: "messages", Type: Delete, OldRecord: old.Record()})
	return nil
}

// GetMessage returns a message by id, or ErrNotFound.
func (db *DB) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	return db.messageBy(ctx, "id", id)
}

func (db *DB) messageBy(ctx context.Context, column, value string) (*chat.Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+column+` = ?`, value)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns messages for a conversation, newest first, using keyset
// pagination on created_at. A zero before lists from the newest message.
func (db *DB) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	cursor := "9999-12-31T23:59:59Z"
	if !before.IsZero() {
		cursor = before.UTC().Format(timeLayout)
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*chat.Message, error) {
	var (
		m                chat.Message
		typ              string
		created, updated string
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.MediaURL, &typ,
		&m.ClientRef, &m.IsRead, &m.IsEdited, &created, &updated); err != nil {
		return nil, err
	}
	m.Type = chat.MessageType(typ)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}
