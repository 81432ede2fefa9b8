package api

import (
	"time"

	"github.com/matheus3301/swoon/internal/call"
	"github.com/matheus3301/swoon/internal/chat"
	"github.com/matheus3301/swoon/internal/outbox"
	"github.com/matheus3301/swoon/internal/realtime"
)

type SignInRequest struct {
	UserID      string `json:"user_id" validate:"required_without=AccessToken"`
	AccessToken string `json:"access_token,omitempty"`
}

type SignInResponse struct {
	UserID string `json:"user_id"`
}

type SignOutRequest struct{}

type SignOutResponse struct {
	SignedOut bool `json:"signed_out"`
}

type GetStatusRequest struct{}

// StatusResponse is the daemon's view of itself.
type StatusResponse struct {
	Profile    string         `json:"profile"`
	UserID     string         `json:"user_id,omitempty"`
	SignedIn   bool           `json:"signed_in"`
	Plan       string         `json:"plan"`
	UptimeMs   int64          `json:"uptime_ms"`
	Connection realtime.Stats `json:"connection"`
	Pipeline   outbox.Stats   `json:"pipeline"`
	Call       call.State     `json:"call"`
}

type SendMessageRequest struct {
	ConversationID string           `json:"conversation_id" validate:"required"`
	Content        string           `json:"content" validate:"required"`
	Type           chat.MessageType `json:"message_type,omitempty" validate:"omitempty,oneof=text image video audio file"`
}

type SendMessageResponse struct {
	Message outbox.OptimisticMessage `json:"message"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	BeforeUnixMs   int64  `json:"before_unix_ms,omitempty" validate:"gte=0"`
	Limit          int    `json:"limit,omitempty" validate:"omitempty,min=1,max=200"`
}

// Before returns the pagination cursor, zero when unset.
func (r *ListMessagesRequest) Before() time.Time {
	if r.BeforeUnixMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.BeforeUnixMs).UTC()
}

type ListMessagesResponse struct {
	Messages []chat.Message `json:"messages"`
	HasMore  bool           `json:"has_more"`
}

type ListPendingRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

type ListPendingResponse struct {
	Messages []outbox.OptimisticMessage `json:"messages"`
}

type RetryMessageRequest struct {
	TempID string `json:"temp_id" validate:"required,startswith=temp_"`
}

type RetryMessageResponse struct {
	Accepted bool `json:"accepted"`
}

type WatchMessagesRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

type StartCallRequest struct {
	ConversationID string    `json:"conversation_id" validate:"required"`
	Participants   []string  `json:"participants" validate:"required,min=1,dive,required"`
	Type           call.Type `json:"call_type" validate:"required,oneof=voice video"`
}

type CallRequest struct {
	CallID string `json:"call_id" validate:"required"`
}

type EndCallRequest struct{}

type CallResponse struct {
	Call call.Record `json:"call"`
}

type ToggleRequest struct{}

type ToggleResponse struct {
	// Off is true when the track is now muted or the camera is now off.
	Off bool `json:"off"`
}

type WatchCallsRequest struct{}
