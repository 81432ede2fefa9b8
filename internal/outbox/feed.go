package outbox

import (
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/chat"
	"github.com/matheus3301/swoon/internal/identity"
	"github.com/matheus3301/swoon/internal/logging"
	"github.com/matheus3301/swoon/internal/realtime"
)

// FeedChannel is the realtime channel id the feed listens on.
const FeedChannel = "messages"

// Subscriber is the realtime surface the feed needs. *realtime.Manager
// satisfies it.
type Subscriber interface {
	Subscribe(channelID string, cfg realtime.SubscriptionConfig, cb realtime.Callback) (func(), error)
}

// AuthNotifier reports sign-in and sign-out.
type AuthNotifier interface {
	OnAuthStateChange(fn func(identity.AuthEvent)) (off func())
}

// Feed routes message-table change notifications into the pipeline.
type Feed struct {
	sub      Subscriber
	pipeline *Pipeline
	logger   *zap.Logger

	mu      sync.Mutex
	off     func()
	authOff func()
}

// NewFeed creates a feed. auth may be nil, in which case the feed never
// re-subscribes on its own.
func NewFeed(sub Subscriber, p *Pipeline, auth AuthNotifier, logger *zap.Logger) *Feed {
	f := &Feed{sub: sub, pipeline: p, logger: logging.OrNop(logger).Named("feed")}
	if auth != nil {
		f.authOff = auth.OnAuthStateChange(f.handleAuth)
	}
	return f
}

// Start subscribes to the messages table.
func (f *Feed) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeLocked()
}

// Stop drops the subscription and stops following auth changes.
func (f *Feed) Stop() {
	f.mu.Lock()
	off := f.off
	f.off = nil
	authOff := f.authOff
	f.authOff = nil
	f.mu.Unlock()
	if off != nil {
		off()
	}
	if authOff != nil {
		authOff()
	}
}

func (f *Feed) subscribeLocked() error {
	if f.off != nil {
		f.off()
		f.off = nil
	}
	off, err := f.sub.Subscribe(FeedChannel, realtime.SubscriptionConfig{Table: "messages", Event: "*"}, f.handle)
	if err != nil {
		return err
	}
	f.off = off
	return nil
}

// handleAuth re-subscribes after sign-in; sign-out already removed every
// realtime channel.
func (f *Feed) handleAuth(evt identity.AuthEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch evt.Type {
	case identity.SignedOut:
		f.off = nil
	case identity.SignedIn:
		if f.off != nil {
			return
		}
		if err := f.subscribeLocked(); err != nil {
			f.logger.Warn("resubscribe message feed failed", zap.Error(err))
		}
	}
}

func (f *Feed) handle(p realtime.Payload) {
	c := p.Change
	if c == nil || c.Table != "messages" {
		return
	}
	rec := c.Record
	if c.Type == "DELETE" {
		rec = c.OldRecord
	}
	m, err := chat.MessageFromRecord(rec)
	if err != nil {
		f.logger.Warn("undecodable message change", zap.String("type", c.Type), zap.Error(err))
		return
	}
	switch c.Type {
	case "INSERT":
		f.pipeline.HandleRealtimeMessage(m)
	case "UPDATE":
		f.pipeline.HandleRealtimeMessageUpdate(m)
	case "DELETE":
		f.pipeline.HandleRealtimeMessageDelete(m)
	}
}
