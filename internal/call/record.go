package call

import "time"

// Type is the media kind of a call.
type Type string

const (
	Voice Type = "voice"
	Video Type = "video"
)

// Valid reports whether t is a known call type.
func (t Type) Valid() bool { return t == Voice || t == Video }

// Record is the persisted form of a call, written when a call starts.
type Record struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	CallerID       string     `json:"caller_id"`
	Type           Type       `json:"call_type"`
	Status         Status     `json:"status"`
	Participants   []string   `json:"participants"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Duration       int        `json:"duration_seconds"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Update is a partial status change. Nil fields are left untouched.
type Update struct {
	Status    Status     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Duration  *int       `json:"duration_seconds,omitempty"`
}
