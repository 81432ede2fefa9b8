// Package phoenix is a realtime transport speaking the Phoenix channels
// protocol used by hosted realtime backends, over a single websocket.
package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/logging"
	"github.com/matheus3301/swoon/internal/realtime"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

var (
	// ErrNotJoined is returned by Send on a channel that is not joined.
	ErrNotJoined = errors.New("channel not joined")
	// ErrDisconnected is reported to channels when the socket drops.
	ErrDisconnected = errors.New("socket disconnected")
)

// Options configures a Socket.
type Options struct {
	URL               string
	APIKey            string
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
	Dialer            *websocket.Dialer
	Clock             clock.Clock
	Logger            *zap.Logger
}

// Socket multiplexes channels over one websocket, dialing on first join and
// again after the connection drops.
type Socket struct {
	endpoint string
	opts     Options
	clk      clock.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	token    string
	ref      uint64
	channels map[string]*channel

	writeMu sync.Mutex
}

// New creates a socket. It does not dial until a channel subscribes.
func New(opts Options) (*Socket, error) {
	endpoint, err := Endpoint(opts.URL, opts.APIKey)
	if err != nil {
		return nil, err
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Socket{
		endpoint: endpoint,
		opts:     opts,
		clk:      clk,
		logger:   logging.OrNop(opts.Logger).Named("phoenix"),
		channels: make(map[string]*channel),
	}, nil
}

// Endpoint derives the websocket URL from a backend base URL.
func Endpoint(base, apiKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Channel creates a new, unsubscribed channel object for topic.
func (s *Socket) Channel(topic string) realtime.Channel {
	return newChannel(s, topic)
}

// RemoveChannel leaves ch.
func (s *Socket) RemoveChannel(ch realtime.Channel) error {
	pc, ok := ch.(*channel)
	if !ok {
		return fmt.Errorf("phoenix: foreign channel %T", ch)
	}
	return pc.Unsubscribe()
}

// SetAuth stores the access token used for joins and pushes it to every
// joined channel.
func (s *Socket) SetAuth(token string) {
	s.mu.Lock()
	s.token = token
	var joined []*channel
	for _, ch := range s.channels {
		if ch.State() == realtime.StateJoined {
			joined = append(joined, ch)
		}
	}
	s.mu.Unlock()

	if token == "" {
		return
	}
	for _, ch := range joined {
		if err := s.push(ch.wireTopic(), eventAccessToken, "", tokenPayload{AccessToken: token}); err != nil {
			s.logger.Warn("push access token failed", zap.String("topic", ch.topic), zap.Error(err))
		}
	}
}

// Close drops the connection. Joined channels see CHANNEL_ERROR.
func (s *Socket) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (s *Socket) nextRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref++
	return strconv.FormatUint(s.ref, 10)
}

func (s *Socket) accessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// connect returns the live connection, dialing if there is none.
func (s *Socket) connect(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	conn, _, err := s.opts.Dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	conn.SetReadLimit(readLimit)

	s.mu.Lock()
	if s.conn != nil {
		existing := s.conn
		s.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	s.conn = conn
	s.mu.Unlock()
	done := make(chan struct{})

	s.logger.Info("realtime connected", zap.String("endpoint", redact(s.endpoint)))
	go s.readLoop(conn, done)
	go s.heartbeat(conn, done)
	return conn, nil
}

func (s *Socket) readLoop(conn *websocket.Conn, done chan struct{}) {
	var err error
	for {
		var f frame
		if err = conn.ReadJSON(&f); err != nil {
			break
		}
		s.route(f)
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Warn("realtime connection lost", zap.Error(err))
	} else {
		s.logger.Info("realtime connection closed", zap.Error(err))
	}

	s.mu.Lock()
	var dropped []*channel
	if s.conn == conn {
		s.conn = nil
		for topic, ch := range s.channels {
			dropped = append(dropped, ch)
			delete(s.channels, topic)
		}
	}
	s.mu.Unlock()
	close(done)
	_ = conn.Close()

	for _, ch := range dropped {
		ch.fail(fmt.Errorf("%w: %v", ErrDisconnected, err))
	}
}

func (s *Socket) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := s.clk.Ticker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.write(conn, frame{
				Ref:     s.nextRef(),
				Topic:   topicPhoenix,
				Event:   eventHeartbeat,
				Payload: json.RawMessage("{}"),
			}); err != nil {
				s.logger.Warn("heartbeat failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Socket) route(f frame) {
	if f.Topic == topicPhoenix {
		return
	}
	s.mu.Lock()
	ch := s.channels[strings.TrimPrefix(f.Topic, topicPrefix)]
	s.mu.Unlock()
	if ch == nil {
		s.logger.Debug("frame for unknown topic", zap.String("topic", f.Topic), zap.String("event", f.Event))
		return
	}

	switch f.Event {
	case eventReply:
		var reply replyPayload
		if err := json.Unmarshal(f.Payload, &reply); err != nil {
			s.logger.Warn("bad reply payload", zap.Error(err))
			return
		}
		ch.handleReply(f.Ref, reply)
	case eventError:
		ch.fail(errServerError)
	case eventClose:
		ch.closedByServer()
	case eventSystem:
		var sys systemPayload
		if err := json.Unmarshal(f.Payload, &sys); err == nil && sys.Status == "error" {
			ch.fail(fmt.Errorf("system: %s", sys.Message))
		}
	case eventBroadcast:
		var b broadcastPayload
		if err := json.Unmarshal(f.Payload, &b); err != nil {
			s.logger.Warn("bad broadcast payload", zap.Error(err))
			return
		}
		ch.deliverBroadcast(realtime.Broadcast{Event: b.Event, Payload: b.Payload})
	case eventChanges:
		var p changesPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.logger.Warn("bad change payload", zap.Error(err))
			return
		}
		ch.deliverChange(realtime.Change{
			Schema:          p.Data.Schema,
			Table:           p.Data.Table,
			Type:            p.Data.Type,
			Record:          p.Data.Record,
			OldRecord:       p.Data.OldRecord,
			CommitTimestamp: p.Data.CommitTimestamp,
		})
	}
}

// register makes ch the receiver of frames for its topic.
func (s *Socket) register(ch *channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.topic] = ch
}

func (s *Socket) unregister(ch *channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[ch.topic] == ch {
		delete(s.channels, ch.topic)
	}
}

func (s *Socket) push(topic, event, ref string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	return s.write(conn, frame{Ref: ref, Topic: topic, Event: event, Payload: mustRaw(payload)})
}

func (s *Socket) write(conn *websocket.Conn, f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	if q.Has("apikey") {
		q.Set("apikey", "redacted")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
