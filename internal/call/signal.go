package call

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/swoon/internal/realtime"
)

// SignalEvent is the broadcast event name every signal is sent under.
const SignalEvent = "signal"

// SignalType names one step of the negotiation protocol.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalCallStart    SignalType = "call-start"
	SignalCallEnd      SignalType = "call-end"
	SignalCallAccept   SignalType = "call-accept"
	SignalCallDecline  SignalType = "call-decline"
)

// Signal is the envelope carried on the signaling channel. Recipient is empty
// for messages meant for every member.
type Signal struct {
	Type      SignalType      `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient,omitempty"`
	CallID    string          `json:"call_id"`
}

// declinePayload travels with call-decline.
type declinePayload struct {
	Reason string `json:"reason,omitempty"`
}

// Signaler is the realtime surface the engine needs. *realtime.Manager
// satisfies it.
type Signaler interface {
	Subscribe(channelID string, cfg realtime.SubscriptionConfig, cb realtime.Callback) (func(), error)
	Broadcast(ctx context.Context, channelID, event string, payload any) error
}

func newSignal(typ SignalType, sender, recipient, callID string, payload any) (Signal, error) {
	s := Signal{Type: typ, Sender: sender, Recipient: recipient, CallID: callID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Signal{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		s.Payload = data
	}
	return s, nil
}

func decodeSignal(b *realtime.Broadcast) (Signal, error) {
	var s Signal
	if b == nil {
		return s, fmt.Errorf("empty broadcast")
	}
	if err := json.Unmarshal(b.Payload, &s); err != nil {
		return s, fmt.Errorf("decode signal: %w", err)
	}
	if s.Type == "" {
		return s, fmt.Errorf("signal without type")
	}
	return s, nil
}

func (s Signal) decodePayload(v any) error {
	if len(s.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", s.Type)
	}
	if err := json.Unmarshal(s.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", s.Type, err)
	}
	return nil
}
