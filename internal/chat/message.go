// Package chat holds the message types shared by the pipeline, the
// persistence backends and the daemon API.
package chat

import (
	"fmt"
	"strconv"
	"time"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeAudio MessageType = "audio"
	TypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile:
		return true
	}
	return false
}

// Message is a unit of conversation content. ID is either a temporary id
// ("temp_...") or the id assigned by the backend.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	MediaURL       string      `json:"media_url,omitempty"`
	Type           MessageType `json:"message_type"`
	ClientRef      string      `json:"client_ref,omitempty"`
	IsRead         bool        `json:"is_read"`
	IsEdited       bool        `json:"is_edited"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// OutgoingMessage is what a caller hands to a backend to persist.
type OutgoingMessage struct {
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	MediaURL       string      `json:"media_url,omitempty"`
	Type           MessageType `json:"message_type"`
	ClientRef      string      `json:"client_ref,omitempty"`
}

// Record encodes m as a change-notification row (snake_case columns,
// RFC3339 timestamps).
func (m Message) Record() map[string]any {
	rec := map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"content":         m.Content,
		"message_type":    string(m.Type),
		"is_read":         m.IsRead,
		"is_edited":       m.IsEdited,
		"created_at":      m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":      m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.MediaURL != "" {
		rec["media_url"] = m.MediaURL
	}
	if m.ClientRef != "" {
		rec["client_ref"] = m.ClientRef
	}
	return rec
}

// MessageFromRecord decodes a change-notification row into a Message.
// Missing optional columns are left zero; id is required.
func MessageFromRecord(rec map[string]any) (Message, error) {
	var m Message
	var err error
	if m.ID, err = stringField(rec, "id"); err != nil {
		return Message{}, err
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("record has no id")
	}
	if m.ConversationID, err = stringField(rec, "conversation_id"); err != nil {
		return Message{}, err
	}
	if m.SenderID, err = stringField(rec, "sender_id"); err != nil {
		return Message{}, err
	}
	if m.Content, err = stringField(rec, "content"); err != nil {
		return Message{}, err
	}
	if m.MediaURL, err = stringField(rec, "media_url"); err != nil {
		return Message{}, err
	}
	if m.ClientRef, err = stringField(rec, "client_ref"); err != nil {
		return Message{}, err
	}
	typ, err := stringField(rec, "message_type")
	if err != nil {
		return Message{}, err
	}
	m.Type = MessageType(typ)
	if m.Type == "" {
		m.Type = TypeText
	}
	if m.IsRead, err = boolField(rec, "is_read"); err != nil {
		return Message{}, err
	}
	if m.IsEdited, err = boolField(rec, "is_edited"); err != nil {
		return Message{}, err
	}
	if m.CreatedAt, err = timeField(rec, "created_at"); err != nil {
		return Message{}, err
	}
	if m.UpdatedAt, err = timeField(rec, "updated_at"); err != nil {
		return Message{}, err
	}
	return m, nil
}

func stringField(rec map[string]any, key string) (string, error) {
	switch v := rec[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case int:
		return strconv.Itoa(v), nil
	default:
		return "", fmt.Errorf("field %s: unexpected type %T", key, v)
	}
}

func boolField(rec map[string]any, key string) (bool, error) {
	switch v := rec[key].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("field %s: unexpected type %T", key, v)
	}
}

func timeField(rec map[string]any, key string) (time.Time, error) {
	switch v := rec[key].(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	case string:
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %s: %w", key, err)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("field %s: unexpected type %T", key, v)
	}
}
