package store

import (
	"context"
	"time"

	"github.com/matheus3301/swoon/internal/chat"
)

// Outbox journal statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is one outgoing message as tracked by the sender.
type OutboxEntry struct {
	ClientRef      string
	ConversationID string
	SenderID       string
	Content        string
	Type           chat.MessageType
	Status         string
	Attempts       int
	ErrorMessage   string
	ServerID       string
	CreatedAt      time.Time
}

// QueueOutbox records a message about to be sent. Queuing an existing
// client_ref again resets it to queued.
func (db *DB) QueueOutbox(ctx context.Context, e OutboxEntry) error {
	now := time.Now().UnixMilli()
	created := now
	if !e.CreatedAt.IsZero() {
		created = e.CreatedAt.UnixMilli()
	}
	if e.Type == "" {
		e.Type = chat.TypeText
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox (client_ref, conversation_id, sender_id, content, message_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(client_ref) DO UPDATE SET status = 'queued', updated_at = excluded.updated_at`,
		e.ClientRef, e.ConversationID, e.SenderID, e.Content, string(e.Type), created, now)
	return err
}

// MarkOutboxSending moves an entry to 'sending' and counts the attempt.
func (db *DB) MarkOutboxSending(ctx context.Context, clientRef string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE client_ref = ?`, now, clientRef)
	return err
}

// MarkOutboxSent updates an entry to 'sent' with the server message id.
func (db *DB) MarkOutboxSent(ctx context.Context, clientRef, serverID string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'sent', server_id = ?, error_message = '', updated_at = ? WHERE client_ref = ?`, serverID, now, clientRef)
	return err
}

// MarkOutboxFailed updates an entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(ctx context.Context, clientRef, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_ref = ?`, errMsg, now, clientRef)
	return err
}

// PendingOutbox returns entries that are queued, sending or failed, oldest first.
func (db *DB) PendingOutbox(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT client_ref, conversation_id, sender_id, content, message_type, status, attempts, error_message, server_id, created_at
		FROM outbox WHERE status != 'sent' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e       OutboxEntry
			typ     string
			created int64
		)
		if err := rows.Scan(&e.ClientRef, &e.ConversationID, &e.SenderID, &e.Content, &typ,
			&e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerID, &created); err != nil {
			return nil, err
		}
		e.Type = chat.MessageType(typ)
		e.CreatedAt = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneOutbox deletes sent entries last updated before cutoff.
func (db *DB) PruneOutbox(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM outbox WHERE status = 'sent' AND updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
