// Package call runs peer-to-peer voice and video calls. Negotiation messages
// travel as broadcasts on a realtime channel; media flows over pion peer
// connections.
package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/bus"
	"github.com/matheus3301/swoon/internal/logging"
	"github.com/matheus3301/swoon/internal/permission"
	"github.com/matheus3301/swoon/internal/realtime"
	"github.com/matheus3301/swoon/internal/status"
)

var (
	ErrNoActiveCall   = errors.New("no active call")
	ErrCallMismatch   = errors.New("call id does not match the current call")
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNotSignedIn    = errors.New("not signed in")
	ErrNoParticipant  = errors.New("call needs another participant")
)

// EventNamespace prefixes call events on the bus: call.<kind>.
const EventNamespace = "call."

// Bus event kinds.
const (
	EventIncoming    = "incoming"
	EventStarted     = "started"
	EventStatus      = "status"
	EventConnected   = "connected"
	EventEnded       = "ended"
	EventError       = "error"
	EventRemoteTrack = "remote_track"
)

// CallEvent is the bus payload for every call event.
type CallEvent struct {
	Kind  string       `json:"kind"`
	Call  Record       `json:"call"`
	Track *RemoteTrack `json:"track,omitempty"`
	Error string       `json:"error,omitempty"`
}

// Callbacks are invoked outside the engine's lock, on the goroutine that
// drove the change. Any of them may be nil.
type Callbacks struct {
	OnIncomingCall func(Record)
	// OnCallAccepted fires once per call, when media connects.
	OnCallAccepted func(Record)
	// OnCallEnded fires on every terminal transition, ended or declined.
	OnCallEnded    func(Record)
	OnCallError    func(error)
	OnRemoteStream func(RemoteTrack)
}

// Recorder persists call records.
type Recorder interface {
	CreateCall(ctx context.Context, rec Record) error
	UpdateCall(ctx context.Context, id string, u Update) error
}

// UserSource supplies the signed-in user.
type UserSource interface {
	CurrentUserID() string
}

// Deps are the engine's collaborators. Clock, Bus and Logger may be nil.
type Deps struct {
	Signaler Signaler
	Recorder Recorder
	Checker  permission.Checker
	Users    UserSource
	Devices  MediaDevices
	Peers    PeerFactory
	Clock    clock.Clock
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Engine owns at most one current call.
type Engine struct {
	signaler Signaler
	recorder Recorder
	checker  permission.Checker
	users    UserSource
	devices  MediaDevices
	peers    PeerFactory
	clock    clock.Clock
	bus      *bus.Bus
	channel  string
	logger   *zap.Logger

	mu        sync.Mutex
	ctx       context.Context
	current   *session
	callbacks Callbacks
	unlisten  func()
}

type session struct {
	record   Record
	fsm      *status.Machine[Status]
	self     string
	remote   string
	outgoing bool

	local     *LocalStream
	peer      PeerConnection
	remoteSet bool
	pending   []ICECandidate
	accepted  bool
}

// NewEngine creates an engine that signals on channel.
func NewEngine(d Deps, channel string) *Engine {
	clk := d.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		signaler: d.Signaler,
		recorder: d.Recorder,
		checker:  d.Checker,
		users:    d.Users,
		devices:  d.Devices,
		peers:    d.Peers,
		clock:    clk,
		bus:      d.Bus,
		channel:  channel,
		logger:   logging.OrNop(d.Logger).Named("call"),
		ctx:      context.Background(),
	}
}

// SetCallbacks replaces the UI callbacks.
func (e *Engine) SetCallbacks(cb Callbacks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = cb
}

// Listen subscribes to the signaling channel. ctx bounds the I/O done while
// handling incoming signals.
func (e *Engine) Listen(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unlisten != nil {
		return nil
	}
	off, err := e.signaler.Subscribe(e.channel, realtime.SubscriptionConfig{Broadcasts: []string{SignalEvent}}, e.handlePayload)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", e.channel, err)
	}
	e.ctx = ctx
	e.unlisten = off
	return nil
}

// Close ends any current call and stops listening.
func (e *Engine) Close() {
	if err := e.EndCall(context.Background()); err != nil && !errors.Is(err, ErrNoActiveCall) {
		e.logger.Warn("end call on close failed", zap.Error(err))
	}
	e.mu.Lock()
	off := e.unlisten
	e.unlisten = nil
	e.mu.Unlock()
	if off != nil {
		off()
	}
}

// CurrentCall returns a snapshot of the current call.
func (e *Engine) CurrentCall() (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return Record{}, false
	}
	return e.current.record, true
}

// StartCall places a call to participants. It checks the plan, acquires local
// media, records the call and rings the other side.
func (e *Engine) StartCall(ctx context.Context, conversationID string, participants []string, typ Type) (Record, error) {
	if !typ.Valid() {
		return Record{}, fmt.Errorf("invalid call type %q", typ)
	}
	user := e.users.CurrentUserID()
	if user == "" {
		return Record{}, ErrNotSignedIn
	}
	if err := e.checker.CheckCall(ctx, user, permission.CallKind(typ)); err != nil {
		return Record{}, err
	}

	var after []func()
	defer func() { e.run(after) }()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		return Record{}, ErrCallInProgress
	}
	remote := ""
	for _, p := range participants {
		if p != user {
			remote = p
			break
		}
	}
	if remote == "" {
		return Record{}, ErrNoParticipant
	}
	if !slices.Contains(participants, user) {
		participants = append([]string{user}, participants...)
	}

	local, err := e.devices.GetUserMedia(ctx, constraintsFor(typ))
	if err != nil {
		merr := mediaError(typ, err)
		after = append(after, e.errorNotice(Record{}, merr))
		return Record{}, merr
	}

	rec := Record{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		CallerID:       user,
		Type:           typ,
		Status:         Ringing,
		Participants:   participants,
		CreatedAt:      e.clock.Now().UTC(),
	}
	if err := e.recorder.CreateCall(ctx, rec); err != nil {
		local.Stop()
		return Record{}, fmt.Errorf("record call: %w", err)
	}

	s := e.newSession(rec, user, remote, true)
	s.local = local
	e.current = s
	if err := e.sendLocked(ctx, s, SignalCallStart, "", rec); err != nil {
		after = append(after, e.finishLocked(ctx, s, Declined, "", nil)...)
		return Record{}, fmt.Errorf("send call-start: %w", err)
	}

	e.logger.Info("call started", zap.String("call", rec.ID), zap.String("type", string(typ)), zap.String("to", remote))
	e.publish(EventStarted, s.record, nil, "")
	return s.record, nil
}

// AcceptCall answers the ringing incoming call callID.
func (e *Engine) AcceptCall(ctx context.Context, callID string) error {
	var after []func()
	defer func() { e.run(after) }()
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.lookupLocked(callID)
	if err != nil {
		return err
	}
	if s.outgoing || !s.fsm.Can(Connecting) {
		return fmt.Errorf("accept %s call: %w", s.fsm.Current(), status.ErrInvalidTransition)
	}

	local, err := e.devices.GetUserMedia(ctx, constraintsFor(s.record.Type))
	if err != nil {
		merr := mediaError(s.record.Type, err)
		after = append(after, e.errorNotice(s.record, merr))
		after = append(after, e.finishLocked(ctx, s, Declined, SignalCallDecline, declinePayload{Reason: "media"})...)
		return merr
	}
	s.local = local

	if err := e.transitionLocked(s, Connecting); err != nil {
		return err
	}
	if err := e.recorder.UpdateCall(ctx, s.record.ID, Update{Status: Connecting}); err != nil {
		e.logger.Warn("record call status failed", zap.String("call", s.record.ID), zap.Error(err))
	}
	if err := e.sendLocked(ctx, s, SignalCallAccept, s.remote, nil); err != nil {
		after = append(after, e.finishLocked(ctx, s, Ended, "", nil)...)
		return fmt.Errorf("send call-accept: %w", err)
	}
	if err := e.setupPeerLocked(s); err != nil {
		after = append(after, e.finishLocked(ctx, s, Ended, SignalCallEnd, nil)...)
		return err
	}
	e.logger.Info("call accepted", zap.String("call", s.record.ID))
	return nil
}

// DeclineCall rejects the ringing call callID.
func (e *Engine) DeclineCall(ctx context.Context, callID string) error {
	var after []func()
	defer func() { e.run(after) }()
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.lookupLocked(callID)
	if err != nil {
		return err
	}
	if !s.fsm.Can(Declined) {
		return fmt.Errorf("decline %s call: %w", s.fsm.Current(), status.ErrInvalidTransition)
	}
	after = e.finishLocked(ctx, s, Declined, SignalCallDecline, declinePayload{Reason: "declined"})
	return nil
}

// EndCall hangs up the current call. A call that is still ringing is
// recorded as declined.
func (e *Engine) EndCall(ctx context.Context) error {
	var after []func()
	defer func() { e.run(after) }()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return ErrNoActiveCall
	}
	after = e.finishLocked(ctx, e.current, Ended, SignalCallEnd, nil)
	return nil
}

// ToggleMute flips the local audio tracks and returns true when muted. It
// returns false when there is no local media.
func (e *Engine) ToggleMute() bool {
	return e.toggle(KindAudio)
}

// ToggleVideo flips the local video tracks and returns true when video is
// off. It returns false when there is no local video.
func (e *Engine) ToggleVideo() bool {
	return e.toggle(KindVideo)
}

func (e *Engine) toggle(kind TrackKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil || e.current.local == nil {
		return false
	}
	tracks := e.current.local.byKind(kind)
	if len(tracks) == 0 {
		return false
	}
	enabled := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	e.logger.Info("local track toggled", zap.String("kind", string(kind)), zap.Bool("enabled", enabled))
	return !enabled
}

// State is a diagnostic snapshot of the current call.
type State struct {
	Call     *Record       `json:"call,omitempty"`
	Muted    bool          `json:"muted"`
	VideoOff bool          `json:"video_off"`
	Remote   []RemoteStats `json:"remote,omitempty"`
}

type remoteStatsReporter interface {
	RemoteStats() []RemoteStats
}

// Snapshot reports the current call, local track flags and inbound RTP
// counters when the peer connection exposes them.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.current
	if s == nil {
		return State{}
	}
	rec := s.record
	st := State{Call: &rec}
	if a := s.local.AudioTracks(); len(a) > 0 {
		st.Muted = !a[0].Enabled()
	}
	if v := s.local.VideoTracks(); len(v) > 0 {
		st.VideoOff = !v[0].Enabled()
	}
	if r, ok := s.peer.(remoteStatsReporter); ok {
		st.Remote = r.RemoteStats()
	}
	return st
}

func (e *Engine) newSession(rec Record, self, remote string, outgoing bool) *session {
	fsm := newStatusMachine(nil)
	fsm.Reset(rec.Status)
	return &session{record: rec, fsm: fsm, self: self, remote: remote, outgoing: outgoing}
}

func (e *Engine) lookupLocked(callID string) (*session, error) {
	if e.current == nil {
		return nil, ErrNoActiveCall
	}
	if e.current.record.ID != callID {
		return nil, fmt.Errorf("%w: %s", ErrCallMismatch, callID)
	}
	return e.current, nil
}

func (e *Engine) transitionLocked(s *session, to Status) error {
	if err := s.fsm.Transition(to); err != nil {
		return err
	}
	s.record.Status = to
	e.publish(EventStatus, s.record, nil, "")
	return nil
}

func (e *Engine) sendLocked(ctx context.Context, s *session, typ SignalType, recipient string, payload any) error {
	sig, err := newSignal(typ, s.self, recipient, s.record.ID, payload)
	if err != nil {
		return err
	}
	return e.signaler.Broadcast(ctx, e.channel, SignalEvent, sig)
}

func (e *Engine) setupPeerLocked(s *session) error {
	peer, err := e.peers.NewPeer(s.record.ID, PeerHandlers{
		OnICECandidate:    func(c ICECandidate) { e.onLocalCandidate(s, c) },
		OnConnectionState: func(st PeerState) { e.onPeerState(s, st) },
		OnTrack:           func(t RemoteTrack) { e.onRemoteTrack(s, t) },
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	if s.local != nil {
		for _, t := range s.local.Tracks {
			if err := peer.AddTrack(t); err != nil {
				_ = peer.Close()
				return err
			}
		}
	}
	s.peer = peer
	return nil
}

// finishLocked moves s to a terminal status, notifies the other side with
// signal (when set), records the outcome and releases media. Ended is
// recorded as Declined for a call that never left ringing.
func (e *Engine) finishLocked(ctx context.Context, s *session, target Status, signal SignalType, payload any) []func() {
	if s.fsm.Terminal() {
		return nil
	}
	if target == Ended && !s.fsm.Can(Ended) {
		target = Declined
	}
	if target == Declined && !s.fsm.Can(Declined) {
		target = Ended
	}

	if signal != "" {
		if err := e.sendLocked(ctx, s, signal, s.remote, payload); err != nil {
			e.logger.Warn("send signal failed", zap.String("call", s.record.ID), zap.String("signal", string(signal)), zap.Error(err))
		}
	}

	now := e.clock.Now().UTC()
	if err := s.fsm.Transition(target); err != nil {
		s.fsm.Reset(target)
	}
	s.record.Status = target
	s.record.EndedAt = &now
	u := Update{Status: target, EndedAt: &now}
	if s.record.StartedAt != nil {
		d := int(now.Sub(*s.record.StartedAt).Seconds())
		s.record.Duration = d
		u.Duration = &d
	}
	if err := e.recorder.UpdateCall(ctx, s.record.ID, u); err != nil {
		e.logger.Warn("record call end failed", zap.String("call", s.record.ID), zap.Error(err))
	}

	e.releaseLocked(s)
	if e.current == s {
		e.current = nil
	}

	rec := s.record
	e.logger.Info("call finished", zap.String("call", rec.ID), zap.String("status", string(rec.Status)), zap.Int("duration", rec.Duration))
	e.publish(EventEnded, rec, nil, "")
	cb := e.callbacks.OnCallEnded
	return []func(){func() {
		if cb != nil {
			cb(rec)
		}
	}}
}

func (e *Engine) releaseLocked(s *session) {
	s.local.Stop()
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			e.logger.Debug("close peer failed", zap.String("call", s.record.ID), zap.Error(err))
		}
		s.peer = nil
	}
	s.pending = nil
}

func (e *Engine) handlePayload(p realtime.Payload) {
	sig, err := decodeSignal(p.Broadcast)
	if err != nil {
		e.logger.Warn("bad signal", zap.Error(err))
		e.mu.Lock()
		notice := e.errorNotice(Record{}, err)
		e.mu.Unlock()
		notice()
		return
	}
	e.handleSignal(sig)
}

func (e *Engine) handleSignal(sig Signal) {
	var after []func()
	defer func() { e.run(after) }()
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handle %s: panic: %v", sig.Type, r)
			e.logger.Error("signal handler panicked", zap.Error(err))
			after = append(after, e.errorNotice(Record{}, err))
		}
	}()

	self := e.users.CurrentUserID()
	if self == "" || sig.Sender == self {
		return
	}
	if sig.Recipient != "" && sig.Recipient != self {
		return
	}

	var fns []func()
	var err error
	switch sig.Type {
	case SignalCallStart:
		fns, err = e.onCallStartLocked(sig, self)
	case SignalCallAccept:
		err = e.onCallAcceptLocked(sig)
	case SignalOffer:
		err = e.onOfferLocked(sig)
	case SignalAnswer:
		err = e.onAnswerLocked(sig)
	case SignalICECandidate:
		err = e.onCandidateLocked(sig)
	case SignalCallEnd:
		fns = e.onRemoteFinishLocked(sig, Ended)
	case SignalCallDecline:
		fns = e.onRemoteFinishLocked(sig, Declined)
	default:
		e.logger.Debug("unknown signal", zap.String("type", string(sig.Type)))
	}
	after = append(after, fns...)
	if err != nil {
		e.logger.Warn("signal handling failed", zap.String("type", string(sig.Type)), zap.String("call", sig.CallID), zap.Error(err))
		rec := Record{ID: sig.CallID}
		if e.current != nil && e.current.record.ID == sig.CallID {
			rec = e.current.record
		}
		after = append(after, e.errorNotice(rec, err))
	}
}

func (e *Engine) matchLocked(callID string) *session {
	if e.current != nil && e.current.record.ID == callID {
		return e.current
	}
	return nil
}

func (e *Engine) onCallStartLocked(sig Signal, self string) ([]func(), error) {
	var rec Record
	if err := sig.decodePayload(&rec); err != nil {
		return nil, err
	}
	if !slices.Contains(rec.Participants, self) {
		return nil, nil
	}
	if e.current != nil {
		if e.current.record.ID == rec.ID {
			return nil, nil
		}
		e.logger.Info("busy, declining call", zap.String("call", rec.ID), zap.String("from", sig.Sender))
		busy, err := newSignal(SignalCallDecline, self, sig.Sender, rec.ID, declinePayload{Reason: "busy"})
		if err != nil {
			return nil, err
		}
		return nil, e.signaler.Broadcast(e.ctx, e.channel, SignalEvent, busy)
	}

	rec.Status = Ringing
	s := e.newSession(rec, self, sig.Sender, false)
	e.current = s
	e.logger.Info("incoming call", zap.String("call", rec.ID), zap.String("from", sig.Sender))
	e.publish(EventIncoming, rec, nil, "")
	cb := e.callbacks.OnIncomingCall
	return []func(){func() {
		if cb != nil {
			cb(rec)
		}
	}}, nil
}

func (e *Engine) onCallAcceptLocked(sig Signal) error {
	s := e.matchLocked(sig.CallID)
	if s == nil || !s.outgoing {
		return nil
	}
	if err := e.transitionLocked(s, Connecting); err != nil {
		return err
	}
	if err := e.recorder.UpdateCall(e.ctx, s.record.ID, Update{Status: Connecting}); err != nil {
		e.logger.Warn("record call status failed", zap.String("call", s.record.ID), zap.Error(err))
	}
	if err := e.setupPeerLocked(s); err != nil {
		return err
	}
	offer, err := s.peer.CreateOffer()
	if err != nil {
		return err
	}
	if err := s.peer.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return e.sendLocked(e.ctx, s, SignalOffer, s.remote, offer)
}

func (e *Engine) onOfferLocked(sig Signal) error {
	s := e.matchLocked(sig.CallID)
	if s == nil || s.outgoing {
		return nil
	}
	if s.peer == nil {
		return fmt.Errorf("offer for call %s before accept", sig.CallID)
	}
	var offer SessionDescription
	if err := sig.decodePayload(&offer); err != nil {
		return err
	}
	if err := s.peer.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.remoteSet = true
	e.flushCandidatesLocked(s)

	answer, err := s.peer.CreateAnswer()
	if err != nil {
		return err
	}
	if err := s.peer.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return e.sendLocked(e.ctx, s, SignalAnswer, s.remote, answer)
}

func (e *Engine) onAnswerLocked(sig Signal) error {
	s := e.matchLocked(sig.CallID)
	if s == nil || !s.outgoing || s.peer == nil {
		return nil
	}
	var answer SessionDescription
	if err := sig.decodePayload(&answer); err != nil {
		return err
	}
	if err := s.peer.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.remoteSet = true
	e.flushCandidatesLocked(s)
	return nil
}

func (e *Engine) onCandidateLocked(sig Signal) error {
	s := e.matchLocked(sig.CallID)
	if s == nil {
		return nil
	}
	var c ICECandidate
	if err := sig.decodePayload(&c); err != nil {
		return err
	}
	if s.peer == nil || !s.remoteSet {
		s.pending = append(s.pending, c)
		return nil
	}
	if err := s.peer.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (e *Engine) flushCandidatesLocked(s *session) {
	for _, c := range s.pending {
		if err := s.peer.AddICECandidate(c); err != nil {
			e.logger.Warn("add queued ice candidate failed", zap.String("call", s.record.ID), zap.Error(err))
		}
	}
	s.pending = nil
}

func (e *Engine) onRemoteFinishLocked(sig Signal, target Status) []func() {
	s := e.matchLocked(sig.CallID)
	if s == nil {
		return nil
	}
	return e.finishLocked(e.ctx, s, target, "", nil)
}

func (e *Engine) onLocalCandidate(s *session, c ICECandidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != s {
		return
	}
	if err := e.sendLocked(e.ctx, s, SignalICECandidate, s.remote, c); err != nil {
		e.logger.Warn("send ice candidate failed", zap.String("call", s.record.ID), zap.Error(err))
	}
}

func (e *Engine) onPeerState(s *session, st PeerState) {
	var after []func()
	defer func() { e.run(after) }()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != s {
		return
	}

	switch st {
	case PeerConnected:
		if s.fsm.Current() != Connecting {
			return
		}
		if err := e.transitionLocked(s, Connected); err != nil {
			e.logger.Warn("connect transition failed", zap.Error(err))
			return
		}
		now := e.clock.Now().UTC()
		s.record.StartedAt = &now
		if err := e.recorder.UpdateCall(e.ctx, s.record.ID, Update{Status: Connected, StartedAt: &now}); err != nil {
			e.logger.Warn("record call connect failed", zap.String("call", s.record.ID), zap.Error(err))
		}
		e.publish(EventConnected, s.record, nil, "")
		if !s.accepted {
			s.accepted = true
			rec := s.record
			cb := e.callbacks.OnCallAccepted
			after = append(after, func() {
				if cb != nil {
					cb(rec)
				}
			})
		}
	case PeerDisconnected, PeerFailed:
		e.logger.Warn("peer connection lost", zap.String("call", s.record.ID), zap.String("state", string(st)))
		after = e.finishLocked(e.ctx, s, Ended, SignalCallEnd, nil)
	}
}

func (e *Engine) onRemoteTrack(s *session, t RemoteTrack) {
	e.mu.Lock()
	if e.current != s {
		e.mu.Unlock()
		return
	}
	e.publish(EventRemoteTrack, s.record, &t, "")
	cb := e.callbacks.OnRemoteStream
	e.mu.Unlock()

	e.run([]func(){func() {
		if cb != nil {
			cb(t)
		}
	}})
}

// errorNotice publishes err and returns the OnCallError invocation. Caller
// holds mu.
func (e *Engine) errorNotice(rec Record, err error) func() {
	e.publish(EventError, rec, nil, err.Error())
	cb := e.callbacks.OnCallError
	return func() {
		if cb != nil {
			cb(err)
		}
	}
}

func (e *Engine) publish(kind string, rec Record, track *RemoteTrack, errMsg string) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(EventNamespace+kind, CallEvent{Kind: kind, Call: rec, Track: track, Error: errMsg})
}

func (e *Engine) run(fns []func()) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("call callback panicked", zap.Any("panic", r))
				}
			}()
			fn()
		}()
	}
}
