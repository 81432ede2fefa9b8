package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/swoon/internal/call"
)

// CreateCall persists a call and its participants.
func (db *DB) CreateCall(ctx context.Context, rec call.Record) error {
	now := db.timestamp()
	created := now
	if !rec.CreatedAt.IsZero() {
		created = formatTime(rec.CreatedAt)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calls (id, conversation_id, caller_id, call_type, status, started_at, ended_at, duration_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.CallerID, string(rec.Type), string(rec.Status),
		nullTime(rec.StartedAt), nullTime(rec.EndedAt), rec.Duration, created, now)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	for _, p := range rec.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO call_participants (call_id, user_id) VALUES (?, ?)`, rec.ID, p); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	stored, err := db.GetCall(ctx, rec.ID)
	if err != nil {
		return err
	}
	db.publish(Change{Table: "calls", Type: Insert, Record: callRecord(stored)})
	return nil
}

// UpdateCall applies a partial update to a call.
func (db *DB) UpdateCall(ctx context.Context, id string, u call.Update) error {
	old, err := db.GetCall(ctx, id)
	if err != nil {
		return err
	}
	next := *old
	if u.Status != "" {
		next.Status = u.Status
	}
	if u.StartedAt != nil {
		next.StartedAt = u.StartedAt
	}
	if u.EndedAt != nil {
		next.EndedAt = u.EndedAt
	}
	if u.Duration != nil {
		next.Duration = *u.Duration
	}

	_, err = db.ExecContext(ctx, `
		UPDATE calls SET status = ?, started_at = ?, ended_at = ?, duration_seconds = ?, updated_at = ?
		WHERE id = ?`,
		string(next.Status), nullTime(next.StartedAt), nullTime(next.EndedAt), next.Duration, db.timestamp(), id)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	db.publish(Change{Table: "calls", Type: Update, Record: callRecord(&next), OldRecord: callRecord(old)})
	return nil
}

// GetCall returns a call with its participants, or ErrNotFound.
func (db *DB) GetCall(ctx context.Context, id string) (*call.Record, error) {
	var (
		rec              call.Record
		typ, st, created string
		started, ended   sql.NullString
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, conversation_id, caller_id, call_type, status, started_at, ended_at, duration_seconds, created_at
		FROM calls WHERE id = ?`, id).
		Scan(&rec.ID, &rec.ConversationID, &rec.CallerID, &typ, &st, &started, &ended, &rec.Duration, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Type = call.Type(typ)
	rec.Status = call.Status(st)
	rec.StartedAt = timePtr(started)
	rec.EndedAt = timePtr(ended)
	rec.CreatedAt = parseTime(created)

	rows, err := db.QueryContext(ctx,
		`SELECT user_id FROM call_participants WHERE call_id = ? ORDER BY user_id`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		rec.Participants = append(rec.Participants, p)
	}
	return &rec, rows.Err()
}

func callRecord(r *call.Record) map[string]any {
	rec := map[string]any{
		"id":               r.ID,
		"conversation_id":  r.ConversationID,
		"caller_id":        r.CallerID,
		"call_type":        string(r.Type),
		"status":           string(r.Status),
		"duration_seconds": r.Duration,
		"created_at":       r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.StartedAt != nil {
		rec["started_at"] = r.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if r.EndedAt != nil {
		rec["ended_at"] = r.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	return rec
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
