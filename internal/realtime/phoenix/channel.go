package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/realtime"
	"github.com/matheus3301/swoon/internal/realtime/serial"
)

var (
	errJoinTimeout = errors.New("join timed out")
	errServerError = errors.New("server reported channel error")
)

type changeHandler struct {
	filter realtime.ChangeFilter
	fn     func(realtime.Change)
}

type channel struct {
	sock  *Socket
	topic string
	queue *serial.Queue

	mu         sync.Mutex
	state      realtime.ChannelState
	joinRef    string
	joinTimer  *clock.Timer
	changes    []changeHandler
	broadcasts map[string][]func(realtime.Broadcast)
	statusFn   func(realtime.ChannelStatus, error)
}

func newChannel(s *Socket, topic string) *channel {
	return &channel{
		sock:       s,
		topic:      topic,
		queue:      serial.New(),
		state:      realtime.StateClosed,
		broadcasts: make(map[string][]func(realtime.Broadcast)),
	}
}

func (c *channel) Topic() string { return c.topic }

func (c *channel) wireTopic() string { return topicPrefix + c.topic }

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

// Subscribe dials if needed and sends phx_join from the channel's delivery
// goroutine, so the caller never blocks on the network.
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
	c.queue.Push(c.join)
}

func (c *channel) join() {
	ctx, cancel := context.WithTimeout(context.Background(), c.sock.opts.JoinTimeout)
	defer cancel()

	conn, err := c.sock.connect(ctx)
	if err != nil {
		c.fail(err)
		return
	}

	ref := c.sock.nextRef()
	c.mu.Lock()
	if c.state != realtime.StateJoining {
		c.mu.Unlock()
		return
	}
	c.joinRef = ref
	c.joinTimer = c.sock.clk.AfterFunc(c.sock.opts.JoinTimeout, func() { c.timeout(ref) })
	payload := c.joinPayloadLocked()
	c.mu.Unlock()

	c.sock.register(c)
	err = c.sock.write(conn, frame{
		JoinRef: ref,
		Ref:     ref,
		Topic:   c.wireTopic(),
		Event:   eventJoin,
		Payload: mustRaw(payload),
	})
	if err != nil {
		c.fail(fmt.Errorf("send join: %w", err))
	}
}

func (c *channel) joinPayloadLocked() joinPayload {
	changes := make([]postgresChange, 0, len(c.changes))
	for _, h := range c.changes {
		event := h.filter.Event
		if event == "" {
			event = "*"
		}
		schema := h.filter.Schema
		if schema == "" {
			schema = "public"
		}
		changes = append(changes, postgresChange{
			Event:  event,
			Schema: schema,
			Table:  h.filter.Table,
			Filter: h.filter.Filter,
		})
	}
	return joinPayload{
		Config: joinConfig{
			PostgresChanges: changes,
		},
		AccessToken: c.sock.accessToken(),
	}
}

func (c *channel) handleReply(ref string, reply replyPayload) {
	c.mu.Lock()
	if ref == "" || ref != c.joinRef || c.state != realtime.StateJoining {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	if reply.Status == "ok" {
		c.state = realtime.StateJoined
		c.mu.Unlock()
		c.report(realtime.StatusSubscribed, nil)
		return
	}
	c.state = realtime.StateErrored
	c.mu.Unlock()

	c.sock.unregister(c)
	c.report(realtime.StatusChannelError, fmt.Errorf("join rejected: %s", string(reply.Response)))
}

func (c *channel) timeout(ref string) {
	c.mu.Lock()
	if ref != c.joinRef || c.state != realtime.StateJoining {
		c.mu.Unlock()
		return
	}
	c.joinTimer = nil
	c.state = realtime.StateErrored
	c.mu.Unlock()

	c.sock.unregister(c)
	c.sock.logger.Warn("join timed out", zap.String("topic", c.topic))
	c.report(realtime.StatusTimedOut, errJoinTimeout)
}

func (c *channel) fail(err error) {
	c.mu.Lock()
	if c.state == realtime.StateClosed || c.state == realtime.StateErrored {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.state = realtime.StateErrored
	c.mu.Unlock()

	c.sock.unregister(c)
	c.report(realtime.StatusChannelError, err)
}

func (c *channel) closedByServer() {
	c.mu.Lock()
	if c.state == realtime.StateClosed {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.state = realtime.StateClosed
	c.mu.Unlock()

	c.sock.unregister(c)
	c.report(realtime.StatusClosed, nil)
}

func (c *channel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.State() != realtime.StateJoined {
		return fmt.Errorf("%w: %s", ErrNotJoined, c.topic)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	return c.sock.push(c.wireTopic(), eventBroadcast, c.sock.nextRef(), broadcastPayload{
		Type:    "broadcast",
		Event:   event,
		Payload: data,
	})
}

// Unsubscribe leaves the topic and stops delivery. It is safe to call on a
// channel in any state.
func (c *channel) Unsubscribe() error {
	c.mu.Lock()
	prev := c.state
	c.state = realtime.StateClosed
	c.stopTimerLocked()
	c.mu.Unlock()

	var err error
	if prev == realtime.StateJoined || prev == realtime.StateJoining {
		c.sock.unregister(c)
		if pushErr := c.sock.push(c.wireTopic(), eventLeave, c.sock.nextRef(), struct{}{}); pushErr != nil && !errors.Is(pushErr, ErrDisconnected) {
			err = fmt.Errorf("leave %s: %w", c.topic, pushErr)
		}
		c.report(realtime.StatusClosed, nil)
	}
	c.queue.Close()
	return err
}

func (c *channel) stopTimerLocked() {
	if c.joinTimer != nil {
		c.joinTimer.Stop()
		c.joinTimer = nil
	}
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
	if c.state != realtime.StateJoined {
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
	if c.state != realtime.StateJoined {
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
