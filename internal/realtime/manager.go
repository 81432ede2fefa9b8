package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/bus"
	"github.com/matheus3301/swoon/internal/identity"
	"github.com/matheus3301/swoon/internal/logging"
	"github.com/matheus3301/swoon/internal/status"
)

var (
	// ErrNotSubscribed is returned by Broadcast for an unknown channel id.
	ErrNotSubscribed = errors.New("channel not subscribed")
	// ErrNotConnected is returned by Broadcast while a channel is being rebuilt.
	ErrNotConnected = errors.New("channel not connected")
	// ErrDestroyed is returned by Subscribe after Destroy.
	ErrDestroyed = errors.New("realtime manager destroyed")
)

// EventNamespace prefixes manager events published on the bus.
const EventNamespace = "realtime."

// EventType names a manager lifecycle event.
type EventType string

const (
	EventConnected                   EventType = "connected"
	EventDisconnected                EventType = "disconnected"
	EventReconnecting                EventType = "reconnecting"
	EventMaxReconnectAttemptsReached EventType = "maxReconnectAttemptsReached"
	EventAuthStateChanged            EventType = "authStateChanged"
)

// Event is delivered to On handlers and published on the bus as
// realtime.<type>.
type Event struct {
	Type            EventType
	ChannelID       string
	Attempt         int
	Delay           time.Duration
	Err             error
	IsAuthenticated bool
}

// Payload is what a subscription callback receives: exactly one of Change or
// Broadcast is set.
type Payload struct {
	ChannelID string
	Change    *Change
	Broadcast *Broadcast
}

// Callback receives payloads for one channel. Callbacks for a channel run in
// registration order on the transport's delivery goroutine.
type Callback func(Payload)

// ListenerID identifies a registered callback.
type ListenerID uint64

// SubscriptionConfig describes what a logical channel listens to. A channel
// with a Table receives database changes; Broadcasts lists broadcast events
// ("*" for all). A channel with neither listens to every broadcast.
type SubscriptionConfig struct {
	Schema     string
	Table      string
	Event      string
	Filter     string
	Broadcasts []string

	// OnConnect runs after the channel reports SUBSCRIBED.
	OnConnect func()
	// OnDisconnect runs after the channel reports CLOSED, CHANNEL_ERROR or
	// TIMED_OUT, before a reconnect is scheduled. err is never nil.
	OnDisconnect func(err error)
}

// ConnectionState is the process-wide connection summary.
type ConnectionState struct {
	Connected         bool
	Connecting        bool
	ReconnectAttempts int
	LastError         error
}

// Phase is the lifecycle phase of one logical subscription.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseSubscribing  Phase = "subscribing"
	PhaseSubscribed   Phase = "subscribed"
	PhaseErrored      Phase = "errored"
	PhaseClosed       Phase = "closed"
	PhaseReconnecting Phase = "reconnecting"
	PhaseRemoved      Phase = "removed"
)

var phaseTransitions = status.Transitions[Phase]{
	PhaseIdle:         {PhaseSubscribing, PhaseRemoved},
	PhaseSubscribing:  {PhaseSubscribed, PhaseErrored, PhaseClosed, PhaseRemoved},
	PhaseSubscribed:   {PhaseErrored, PhaseClosed, PhaseRemoved},
	PhaseErrored:      {PhaseReconnecting, PhaseSubscribing, PhaseRemoved},
	PhaseClosed:       {PhaseReconnecting, PhaseSubscribing, PhaseRemoved},
	PhaseReconnecting: {PhaseSubscribing, PhaseRemoved},
}

// ManagerConfig holds reconnect and cleanup timings.
type ManagerConfig struct {
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
	IdleTimeout          time.Duration
	CleanupInterval      time.Duration
}

// DefaultManagerConfig returns 1s/30s backoff, 5 attempts, 5m idle, 60s sweep.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBase:        time.Second,
		ReconnectMax:         30 * time.Second,
		MaxReconnectAttempts: 5,
		IdleTimeout:          5 * time.Minute,
		CleanupInterval:      time.Minute,
	}
}

// AuthSource is the identity collaborator the manager follows.
type AuthSource interface {
	OnAuthStateChange(fn func(identity.AuthEvent)) (off func())
	Token() string
}

type listener struct {
	id ListenerID
	fn Callback
}

type subscription struct {
	id           string
	config       SubscriptionConfig
	channel      Channel
	generation   uint64
	listeners    []listener
	lastActivity time.Time
	phase        *status.Machine[Phase]
	retry        *clock.Timer
}

type handler struct {
	id int
	fn func(Event)
}

// Manager is the single multiplexer over a Transport. At most one
// subscription, and one live transport channel object, exists per channel id.
type Manager struct {
	transport Transport
	clock     clock.Clock
	bus       *bus.Bus
	cfg       ManagerConfig
	logger    *zap.Logger
	authOff   func()

	// opMu serializes structural changes (create, rebuild, teardown) so that
	// transport calls can be made without holding mu.
	opMu sync.Mutex

	mu           sync.Mutex
	subs         map[string]*subscription
	state        ConnectionState
	handlers     map[EventType][]handler
	nextHandler  int
	nextListener ListenerID
	destroyed    bool
	stopSweep    context.CancelFunc
	sweepDone    chan struct{}
}

// NewManager creates a manager over transport. auth and b may be nil.
func NewManager(transport Transport, auth AuthSource, clk clock.Clock, b *bus.Bus, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	m := &Manager{
		transport: transport,
		clock:     clk,
		bus:       b,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
		subs:      make(map[string]*subscription),
		handlers:  make(map[EventType][]handler),
	}
	if auth != nil {
		if token := auth.Token(); token != "" {
			transport.SetAuth(token)
		}
		m.authOff = auth.OnAuthStateChange(m.handleAuth)
	}
	return m
}

// Subscribe registers cb on channelID, creating and activating the channel
// on first use. cb may be nil for send-only use; such a channel is reclaimed
// by the idle sweep. The returned func unsubscribes cb and is safe to call
// more than once.
func (m *Manager) Subscribe(channelID string, cfg SubscriptionConfig, cb Callback) (func(), error) {
	id, err := m.subscribe(channelID, cfg, cb)
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if cb != nil {
				m.Unsubscribe(channelID, id)
			}
		})
	}, nil
}

// SubscribeListener is Subscribe returning the ListenerID instead of a closure.
func (m *Manager) SubscribeListener(channelID string, cfg SubscriptionConfig, cb Callback) (ListenerID, error) {
	return m.subscribe(channelID, cfg, cb)
}

func (m *Manager) subscribe(channelID string, cfg SubscriptionConfig, cb Callback) (ListenerID, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return 0, ErrDestroyed
	}
	m.nextListener++
	lid := m.nextListener
	now := m.clock.Now()

	if sub, ok := m.subs[channelID]; ok {
		if cb != nil {
			sub.listeners = append(sub.listeners, listener{id: lid, fn: cb})
		}
		sub.lastActivity = now
		ch := sub.channel
		phase := sub.phase.Current()
		m.mu.Unlock()

		if phase != PhaseReconnecting && ch != nil {
			if st := ch.State(); st == StateClosed || st == StateErrored {
				m.rebuild(channelID, false)
			}
		}
		return lid, nil
	}

	sub := &subscription{
		id:           channelID,
		config:       cfg,
		lastActivity: now,
		phase:        status.NewMachine(PhaseIdle, phaseTransitions, m.phaseLogger(channelID)),
	}
	if cb != nil {
		sub.listeners = append(sub.listeners, listener{id: lid, fn: cb})
	}
	m.subs[channelID] = sub
	m.mu.Unlock()

	m.logger.Info("realtime channel created", zap.String("channel", channelID))
	m.rebuild(channelID, false)
	return lid, nil
}

// Unsubscribe removes one listener. When no listener remains the whole
// subscription is torn down. Unknown ids are ignored.
func (m *Manager) Unsubscribe(channelID string, id ListenerID) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	sub, ok := m.subs[channelID]
	if !ok {
		m.mu.Unlock()
		return
	}
	for i, l := range sub.listeners {
		if l.id == id {
			sub.listeners = append(sub.listeners[:i:i], sub.listeners[i+1:]...)
			break
		}
	}
	if len(sub.listeners) > 0 {
		m.mu.Unlock()
		return
	}
	ch := m.detachLocked(sub)
	m.mu.Unlock()

	m.removeChannel(channelID, ch)
}

// UnsubscribeAll tears down channelID regardless of its listeners.
func (m *Manager) UnsubscribeAll(channelID string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	sub, ok := m.subs[channelID]
	if !ok {
		m.mu.Unlock()
		return
	}
	ch := m.detachLocked(sub)
	m.mu.Unlock()

	m.removeChannel(channelID, ch)
}

// Broadcast sends event on an already subscribed channel.
func (m *Manager) Broadcast(ctx context.Context, channelID, event string, payload any) error {
	m.mu.Lock()
	sub, ok := m.subs[channelID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotSubscribed, channelID)
	}
	sub.lastActivity = m.clock.Now()
	ch := sub.channel
	m.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, channelID)
	}
	return ch.Send(ctx, event, payload)
}

// State returns a copy of the connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// On registers fn for events of type t. The returned func removes it.
func (m *Manager) On(t EventType, fn func(Event)) (off func()) {
	m.mu.Lock()
	id := m.nextHandler
	m.nextHandler++
	m.handlers[t] = append(m.handlers[t], handler{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		hs := m.handlers[t]
		for i, h := range hs {
			if h.id == id {
				m.handlers[t] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

// Start runs the idle sweep until ctx is done or Destroy is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopSweep != nil || m.destroyed {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.stopSweep = cancel
	done := make(chan struct{})
	m.sweepDone = done
	m.mu.Unlock()

	ticker := m.clock.Ticker(m.cfg.CleanupInterval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupIdle()
			}
		}
	}()
}

// CleanupIdle removes subscriptions that have no listeners and have been
// idle longer than the idle timeout. It returns the removed channel ids.
func (m *Manager) CleanupIdle() []string {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	now := m.clock.Now()
	type victim struct {
		id string
		ch Channel
	}
	var victims []victim

	m.mu.Lock()
	for id, sub := range m.subs {
		if len(sub.listeners) == 0 && now.Sub(sub.lastActivity) > m.cfg.IdleTimeout {
			victims = append(victims, victim{id: id, ch: m.detachLocked(sub)})
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(victims))
	for _, v := range victims {
		m.logger.Info("removing idle realtime channel", zap.String("channel", v.id))
		m.removeChannel(v.id, v.ch)
		ids = append(ids, v.id)
	}
	return ids
}

// Destroy tears down every subscription, stops the sweep and detaches from
// the identity collaborator.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	stop, done := m.stopSweep, m.sweepDone
	m.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if m.authOff != nil {
		m.authOff()
	}
	m.teardownAll()

	m.mu.Lock()
	m.state = ConnectionState{}
	m.mu.Unlock()
	m.logger.Info("realtime manager destroyed")
}

func (m *Manager) teardownAll() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	chans := make(map[string]Channel, len(m.subs))
	for id, sub := range m.subs {
		chans[id] = m.detachLocked(sub)
	}
	m.mu.Unlock()

	for id, ch := range chans {
		m.removeChannel(id, ch)
	}
}

// detachLocked removes sub from the registry and invalidates its callbacks.
// Caller holds mu.
func (m *Manager) detachLocked(sub *subscription) Channel {
	delete(m.subs, sub.id)
	sub.generation++
	if sub.retry != nil {
		sub.retry.Stop()
		sub.retry = nil
	}
	m.enterLocked(sub, PhaseRemoved)
	ch := sub.channel
	sub.channel = nil
	return ch
}

func (m *Manager) removeChannel(channelID string, ch Channel) {
	if ch == nil {
		return
	}
	if err := m.transport.RemoveChannel(ch); err != nil {
		m.logger.Warn("remove realtime channel failed", zap.String("channel", channelID), zap.Error(err))
	}
	m.logger.Info("realtime channel removed", zap.String("channel", channelID))
}

// rebuild replaces the subscription's channel object with a new one, wired
// identically, and subscribes it. resetAttempts is set by sign-in. Caller
// holds opMu.
func (m *Manager) rebuild(channelID string, resetAttempts bool) {
	m.mu.Lock()
	sub, ok := m.subs[channelID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if resetAttempts {
		m.state.ReconnectAttempts = 0
	}
	if sub.retry != nil {
		sub.retry.Stop()
		sub.retry = nil
	}
	sub.generation++
	gen := sub.generation
	old := sub.channel
	sub.channel = nil
	cfg := sub.config
	m.mu.Unlock()

	if old != nil {
		if err := m.transport.RemoveChannel(old); err != nil {
			m.logger.Debug("remove stale channel", zap.String("channel", channelID), zap.Error(err))
		}
	}

	ch := m.transport.Channel(channelID)
	m.wire(ch, channelID, gen, cfg)

	m.mu.Lock()
	if m.subs[channelID] != sub || sub.generation != gen {
		m.mu.Unlock()
		_ = m.transport.RemoveChannel(ch)
		return
	}
	sub.channel = ch
	m.enterLocked(sub, PhaseSubscribing)
	m.state.Connecting = true
	m.mu.Unlock()

	ch.Subscribe(func(st ChannelStatus, err error) {
		m.handleStatus(channelID, gen, st, err)
	})
}

func (m *Manager) wire(ch Channel, channelID string, gen uint64, cfg SubscriptionConfig) {
	if cfg.Table != "" {
		schema := cfg.Schema
		if schema == "" {
			schema = "public"
		}
		event := cfg.Event
		if event == "" {
			event = "*"
		}
		ch.OnChange(ChangeFilter{Schema: schema, Table: cfg.Table, Event: event, Filter: cfg.Filter}, func(c Change) {
			m.deliver(channelID, gen, Payload{ChannelID: channelID, Change: &c})
		})
	}
	events := cfg.Broadcasts
	if len(events) == 0 && cfg.Table == "" {
		events = []string{"*"}
	}
	for _, ev := range events {
		ch.OnBroadcast(ev, func(b Broadcast) {
			m.deliver(channelID, gen, Payload{ChannelID: channelID, Broadcast: &b})
		})
	}
}

func (m *Manager) deliver(channelID string, gen uint64, p Payload) {
	m.mu.Lock()
	sub, ok := m.subs[channelID]
	if !ok || sub.generation != gen {
		m.mu.Unlock()
		return
	}
	sub.lastActivity = m.clock.Now()
	ls := make([]listener, len(sub.listeners))
	copy(ls, sub.listeners)
	m.mu.Unlock()

	for _, l := range ls {
		m.invoke(channelID, l.fn, p)
	}
}

func (m *Manager) invoke(channelID string, fn Callback, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("realtime callback panicked", zap.String("channel", channelID), zap.Any("panic", r))
		}
	}()
	fn(p)
}

func (m *Manager) handleStatus(channelID string, gen uint64, st ChannelStatus, err error) {
	m.mu.Lock()
	sub, ok := m.subs[channelID]
	if !ok || sub.generation != gen {
		m.mu.Unlock()
		return
	}

	switch st {
	case StatusSubscribing:
		m.state.Connecting = true
		m.mu.Unlock()

	case StatusSubscribed:
		m.state.Connected = true
		m.state.Connecting = false
		m.state.ReconnectAttempts = 0
		m.state.LastError = nil
		sub.lastActivity = m.clock.Now()
		m.enterLocked(sub, PhaseSubscribed)
		onConnect := sub.config.OnConnect
		m.mu.Unlock()

		m.logger.Info("realtime channel subscribed", zap.String("channel", channelID))
		if onConnect != nil {
			onConnect()
		}
		m.emit(Event{Type: EventConnected, ChannelID: channelID})

	case StatusClosed, StatusChannelError, StatusTimedOut:
		if err == nil {
			err = fmt.Errorf("channel %s: %s", channelID, st)
		}
		m.state.Connected = false
		m.state.Connecting = false
		m.state.LastError = err
		if st == StatusClosed {
			m.enterLocked(sub, PhaseClosed)
		} else {
			m.enterLocked(sub, PhaseErrored)
		}
		onDisconnect := sub.config.OnDisconnect
		next := m.scheduleReconnectLocked(sub, gen)
		m.mu.Unlock()

		m.logger.Warn("realtime channel disconnected", zap.String("channel", channelID), zap.String("status", string(st)), zap.Error(err))
		if onDisconnect != nil {
			onDisconnect(err)
		}
		m.emit(Event{Type: EventDisconnected, ChannelID: channelID, Err: err})
		m.emit(next)

	default:
		m.mu.Unlock()
		m.logger.Warn("unknown channel status", zap.String("channel", channelID), zap.String("status", string(st)))
	}
}

// scheduleReconnectLocked arms the single reconnect timer for sub and
// returns the event describing the decision. Caller holds mu.
func (m *Manager) scheduleReconnectLocked(sub *subscription, gen uint64) Event {
	if m.state.ReconnectAttempts >= m.cfg.MaxReconnectAttempts {
		return Event{
			Type:      EventMaxReconnectAttemptsReached,
			ChannelID: sub.id,
			Attempt:   m.state.ReconnectAttempts,
			Err:       m.state.LastError,
		}
	}
	delay := m.backoff(m.state.ReconnectAttempts)
	m.state.ReconnectAttempts++
	attempt := m.state.ReconnectAttempts
	if sub.retry != nil {
		sub.retry.Stop()
	}
	channelID := sub.id
	sub.retry = m.clock.AfterFunc(delay, func() { m.reconnect(channelID, gen) })
	m.enterLocked(sub, PhaseReconnecting)
	return Event{Type: EventReconnecting, ChannelID: channelID, Attempt: attempt, Delay: delay}
}

func (m *Manager) backoff(attempts int) time.Duration {
	d := m.cfg.ReconnectBase
	for i := 0; i < attempts && d < m.cfg.ReconnectMax; i++ {
		d *= 2
	}
	return min(d, m.cfg.ReconnectMax)
}

func (m *Manager) reconnect(channelID string, gen uint64) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	sub, ok := m.subs[channelID]
	if !ok || sub.generation != gen {
		m.mu.Unlock()
		return
	}
	sub.retry = nil
	m.mu.Unlock()

	m.logger.Info("reconnecting realtime channel", zap.String("channel", channelID))
	m.rebuild(channelID, false)
}

func (m *Manager) handleAuth(evt identity.AuthEvent) {
	switch evt.Type {
	case identity.SignedOut:
		m.teardownAll()
		m.mu.Lock()
		m.state = ConnectionState{}
		m.mu.Unlock()
		m.transport.SetAuth("")
		m.logger.Info("signed out, realtime channels removed")
		m.emit(Event{Type: EventAuthStateChanged, IsAuthenticated: false})

	case identity.SignedIn:
		m.transport.SetAuth(evt.Token)
		m.reactivateClosed()
		m.emit(Event{Type: EventAuthStateChanged, IsAuthenticated: true})
	}
}

// reactivateClosed resets the attempt counter and rebuilds every
// subscription whose channel is closed or errored and not already waiting
// on a reconnect timer.
func (m *Manager) reactivateClosed() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	type candidate struct {
		id string
		ch Channel
	}
	m.mu.Lock()
	m.state.ReconnectAttempts = 0
	var cands []candidate
	for id, sub := range m.subs {
		if sub.retry == nil {
			cands = append(cands, candidate{id: id, ch: sub.channel})
		}
	}
	m.mu.Unlock()

	for _, c := range cands {
		if c.ch != nil {
			if st := c.ch.State(); st != StateClosed && st != StateErrored {
				continue
			}
		}
		m.logger.Info("reactivating realtime channel", zap.String("channel", c.id))
		m.rebuild(c.id, true)
	}
}

// enterLocked moves the subscription's phase machine, logging illegal moves.
func (m *Manager) enterLocked(sub *subscription, p Phase) {
	if sub.phase.Current() == p {
		return
	}
	if err := sub.phase.Transition(p); err != nil {
		m.logger.Debug("phase transition rejected", zap.String("channel", sub.id), zap.Error(err))
		sub.phase.Reset(p)
	}
}

func (m *Manager) phaseLogger(channelID string) func(status.Change[Phase]) {
	return func(c status.Change[Phase]) {
		m.logger.Debug("realtime phase",
			zap.String("channel", channelID),
			zap.String("from", string(c.From)),
			zap.String("to", string(c.To)),
		)
	}
}

func (m *Manager) emit(evt Event) {
	m.mu.Lock()
	hs := make([]handler, len(m.handlers[evt.Type]))
	copy(hs, m.handlers[evt.Type])
	m.mu.Unlock()

	for _, h := range hs {
		h.fn(evt)
	}
	if m.bus != nil {
		m.bus.Emit(EventNamespace+string(evt.Type), evt)
	}
}
