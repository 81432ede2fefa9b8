// Package loopback is an in-process realtime transport. Broadcasts reach
// every other joined channel on the same topic, and store change events
// from the bus reach channels whose change filter matches.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/bus"
	"github.com/matheus3301/swoon/internal/logging"
	"github.com/matheus3301/swoon/internal/realtime"
	"github.com/matheus3301/swoon/internal/realtime/serial"
	"github.com/matheus3301/swoon/internal/store"
)

// ErrNotJoined is returned by Send on a channel that is not joined.
var ErrNotJoined = errors.New("channel not joined")

// Hub routes messages between the channels of every Transport it creates.
type Hub struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.RWMutex
	channels map[string]map[*channel]struct{}

	stop context.CancelFunc
	done chan struct{}
}

// NewHub creates a hub. b may be nil when change feeds are not needed.
func NewHub(b *bus.Bus, logger *zap.Logger) *Hub {
	return &Hub{
		bus:      b,
		logger:   logging.OrNop(logger),
		channels: make(map[string]map[*channel]struct{}),
	}
}

// Start forwards store change events from the bus to matching channels
// until ctx is done or Stop is called.
func (h *Hub) Start(ctx context.Context) {
	if h.bus == nil || h.stop != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.stop = cancel
	h.done = make(chan struct{})

	events, unsub := h.bus.Subscribe(store.ChangeNamespace, 256)
	go func() {
		defer close(h.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				c, ok := bus.PayloadAs[store.Change](evt)
				if !ok {
					continue
				}
				h.PublishChange(realtime.Change{
					Schema:          c.Schema,
					Table:           c.Table,
					Type:            c.Type,
					Record:          c.Record,
					OldRecord:       c.OldRecord,
					CommitTimestamp: evt.Timestamp,
				})
			}
		}
	}()
}

// Stop ends change forwarding.
func (h *Hub) Stop() {
	if h.stop == nil {
		return
	}
	h.stop()
	<-h.done
	h.stop = nil
}

// Transport returns a new transport attached to the hub.
func (h *Hub) Transport() *Transport {
	return &Transport{hub: h}
}

// PublishChange delivers c to every joined channel with a matching filter.
func (h *Hub) PublishChange(c realtime.Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, members := range h.channels {
		for ch := range members {
			ch.deliverChange(c)
		}
	}
}

// Fail reports CHANNEL_ERROR to every joined channel on topic and detaches
// them, as if the connection had dropped.
func (h *Hub) Fail(topic string, err error) {
	h.mu.Lock()
	members := h.channels[topic]
	delete(h.channels, topic)
	h.mu.Unlock()

	h.logger.Debug("failing topic", zap.String("topic", topic), zap.Int("members", len(members)), zap.Error(err))
	for ch := range members {
		ch.fail(err)
	}
}

// Members returns the number of joined channels on topic.
func (h *Hub) Members(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[topic])
}

func (h *Hub) join(ch *channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.channels[ch.topic]
	if !ok {
		members = make(map[*channel]struct{})
		h.channels[ch.topic] = members
	}
	members[ch] = struct{}{}
}

func (h *Hub) leave(ch *channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.channels[ch.topic]; ok {
		delete(members, ch)
		if len(members) == 0 {
			delete(h.channels, ch.topic)
		}
	}
}

func (h *Hub) broadcast(from *channel, b realtime.Broadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.channels[from.topic] {
		if ch != from {
			ch.deliverBroadcast(b)
		}
	}
}

// Transport is one client's view of the hub.
type Transport struct {
	hub *Hub

	mu    sync.Mutex
	token string
}

// Channel creates a new, unsubscribed channel object for topic.
func (t *Transport) Channel(topic string) realtime.Channel {
	return newChannel(t.hub, topic)
}

// RemoveChannel unsubscribes ch.
func (t *Transport) RemoveChannel(ch realtime.Channel) error {
	lc, ok := ch.(*channel)
	if !ok {
		return fmt.Errorf("loopback: foreign channel %T", ch)
	}
	return lc.Unsubscribe()
}

// SetAuth records the access token. The loopback hub does not authorize.
func (t *Transport) SetAuth(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// Token returns the last token set.
func (t *Transport) Token() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

type changeHandler struct {
	filter realtime.ChangeFilter
	fn     func(realtime.Change)
}

type channel struct {
	hub   *Hub
	topic string
	queue *serial.Queue

	mu         sync.Mutex
	state      realtime.ChannelState
	changes    []changeHandler
	broadcasts map[string][]func(realtime.Broadcast)
	statusFn   func(realtime.ChannelStatus, error)
}

func newChannel(h *Hub, topic string) *channel {
	return &channel{
		hub:        h,
		topic:      topic,
		queue:      serial.New(),
		state:      realtime.StateClosed,
		broadcasts: make(map[string][]func(realtime.Broadcast)),
	}
}

func (c *channel) Topic() string { return c.topic }

func (c *channel) State() realtime.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *channel) OnChange(filter realtime.ChangeFilter, fn func(realtime.Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, changeHandler{filter: filter, fn: fn})
}

func (c *channel) OnBroadcast(event string, fn func(realtime.Broadcast)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts[event] = append(c.broadcasts[event], fn)
}

func (c *channel) Subscribe(fn func(realtime.ChannelStatus, error)) {
	c.mu.Lock()
	if c.state != realtime.StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = realtime.StateJoining
	c.statusFn = fn
	c.mu.Unlock()

	c.report(realtime.StatusSubscribing, nil)
	c.hub.join(c)
	c.queue.Push(func() {
		c.mu.Lock()
		if c.state != realtime.StateJoining {
			c.mu.Unlock()
			return
		}
		c.state = realtime.StateJoined
		fn := c.statusFn
		c.mu.Unlock()
		if fn != nil {
			fn(realtime.StatusSubscribed, nil)
		}
	})
}

func (c *channel) Send(_ context.Context, event string, payload any) error {
	if c.State() != realtime.StateJoined {
		return fmt.Errorf("%w: %s", ErrNotJoined, c.topic)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	c.hub.broadcast(c, realtime.Broadcast{Event: event, Payload: data})
	return nil
}

func (c *channel) Unsubscribe() error {
	c.mu.Lock()
	prev := c.state
	c.state = realtime.StateLeaving
	c.mu.Unlock()

	c.hub.leave(c)

	c.mu.Lock()
	c.state = realtime.StateClosed
	c.mu.Unlock()
	if prev != realtime.StateClosed {
		c.report(realtime.StatusClosed, nil)
	}
	c.queue.Close()
	return nil
}

func (c *channel) fail(err error) {
	c.mu.Lock()
	if c.state == realtime.StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = realtime.StateErrored
	c.mu.Unlock()
	c.report(realtime.StatusChannelError, err)
}

func (c *channel) report(st realtime.ChannelStatus, err error) {
	c.queue.Push(func() {
		c.mu.Lock()
		fn := c.statusFn
		c.mu.Unlock()
		if fn != nil {
			fn(st, err)
		}
	})
}

func (c *channel) deliverChange(ch realtime.Change) {
	c.mu.Lock()
	if c.state != realtime.StateJoined && c.state != realtime.StateJoining {
		c.mu.Unlock()
		return
	}
	var fns []func(realtime.Change)
	for _, h := range c.changes {
		if h.filter.Matches(ch) {
			fns = append(fns, h.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		c.queue.Push(func() { fn(ch) })
	}
}

func (c *channel) deliverBroadcast(b realtime.Broadcast) {
	c.mu.Lock()
	if c.state != realtime.StateJoined && c.state != realtime.StateJoining {
		c.mu.Unlock()
		return
	}
	fns := append([]func(realtime.Broadcast){}, c.broadcasts[b.Event]...)
	if b.Event != "*" {
		fns = append(fns, c.broadcasts["*"]...)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		c.queue.Push(func() { fn(b) })
	}
}
