package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/matheus3301/swoon/internal/bus"
	"github.com/matheus3301/swoon/internal/permission"
	"github.com/matheus3301/swoon/internal/realtime"
	"github.com/matheus3301/swoon/internal/realtime/serial"
)

// fakeSwitch relays broadcasts between the signalers attached to it, in
// order per receiver and never to the sender.
type fakeSwitch struct {
	mu      sync.Mutex
	members []*fakeSignaler
	sent    []Signal
}

func (sw *fakeSwitch) attach(user string) *fakeSignaler {
	f := &fakeSignaler{sw: sw, user: user, queue: serial.New()}
	sw.mu.Lock()
	sw.members = append(sw.members, f)
	sw.mu.Unlock()
	return f
}

func (sw *fakeSwitch) signals(typ SignalType) []Signal {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	var out []Signal
	for _, s := range sw.sent {
		if s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

type fakeSignaler struct {
	sw    *fakeSwitch
	user  string
	queue *serial.Queue

	mu   sync.Mutex
	cb   realtime.Callback
	fail error
}

func (f *fakeSignaler) Subscribe(_ string, _ realtime.SubscriptionConfig, cb realtime.Callback) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
	return func() {
		f.mu.Lock()
		f.cb = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeSignaler) Broadcast(_ context.Context, channelID, event string, payload any) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var sig Signal
	_ = json.Unmarshal(data, &sig)

	f.sw.mu.Lock()
	f.sw.sent = append(f.sw.sent, sig)
	members := append([]*fakeSignaler(nil), f.sw.members...)
	f.sw.mu.Unlock()

	for _, m := range members {
		if m == f {
			continue
		}
		p := realtime.Payload{ChannelID: channelID, Broadcast: &realtime.Broadcast{Event: event, Payload: data}}
		m.queue.Push(func() {
			m.mu.Lock()
			cb := m.cb
			m.mu.Unlock()
			if cb != nil {
				cb(p)
			}
		})
	}
	return nil
}

func (f *fakeSignaler) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

// fakePeer connects once it has both descriptions and a remote candidate.
type fakePeer struct {
	h      PeerHandlers
	events *serial.Queue

	mu         sync.Mutex
	tracks     []LocalTrack
	local      *SessionDescription
	remote     *SessionDescription
	candidates []ICECandidate
	connected  bool
	closed     bool
}

func (p *fakePeer) AddTrack(t LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePeer) CreateOffer() (SessionDescription, error) {
	return SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return SessionDescription{}, errors.New("no remote offer")
	}
	return SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(d SessionDescription) error {
	p.mu.Lock()
	p.local = &d
	p.mu.Unlock()
	p.events.Push(func() {
		p.h.OnICECandidate(ICECandidate{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"})
	})
	p.maybeConnect()
	return nil
}

func (p *fakePeer) SetRemoteDescription(d SessionDescription) error {
	p.mu.Lock()
	p.remote = &d
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *fakePeer) AddICECandidate(c ICECandidate) error {
	p.mu.Lock()
	if p.remote == nil {
		p.mu.Unlock()
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *fakePeer) maybeConnect() {
	p.mu.Lock()
	ready := !p.connected && !p.closed && p.local != nil && p.remote != nil && len(p.candidates) > 0
	if ready {
		p.connected = true
	}
	p.mu.Unlock()
	if !ready {
		return
	}
	p.events.Push(func() { p.h.OnConnectionState(PeerConnecting) })
	p.events.Push(func() { p.h.OnTrack(RemoteTrack{ID: "remote-audio", Kind: KindAudio, Codec: webrtc.MimeTypeOpus}) })
	p.events.Push(func() { p.h.OnConnectionState(PeerConnected) })
}

// emit reports st as if the transport changed state.
func (p *fakePeer) emit(st PeerState) {
	p.events.Push(func() { p.h.OnConnectionState(st) })
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.events.Close()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakePeerFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	fail  error
}

func (f *fakePeerFactory) NewPeer(_ string, h PeerHandlers) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	p := &fakePeer{h: h, events: serial.New()}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeerFactory) peer(i int) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.peers) {
		return nil
	}
	return f.peers[i]
}

type fakeTrack struct {
	*trackState
}

func (fakeTrack) TrackLocal() webrtc.TrackLocal { return nil }

type fakeDevices struct {
	mu      sync.Mutex
	fail    error
	streams []*LocalStream
}

func (d *fakeDevices) GetUserMedia(_ context.Context, c MediaConstraints) (*LocalStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	s := &LocalStream{}
	if c.Audio {
		s.Tracks = append(s.Tracks, fakeTrack{newTrackState("mic", KindAudio, nil)})
	}
	if c.Video {
		s.Tracks = append(s.Tracks, fakeTrack{newTrackState("cam", KindVideo, nil)})
	}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevices) stream(i int) *LocalStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.streams) {
		return nil
	}
	return d.streams[i]
}

type fakeRecorder struct {
	mu      sync.Mutex
	created []Record
	updates []Update
}

func (r *fakeRecorder) CreateCall(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, rec)
	return nil
}

func (r *fakeRecorder) UpdateCall(_ context.Context, _ string, u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *fakeRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Status)
	}
	return out
}

func (r *fakeRecorder) last() (Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return Update{}, false
	}
	return r.updates[len(r.updates)-1], true
}

type staticUser string

func (u staticUser) CurrentUserID() string { return string(u) }

// callbackLog counts every callback an engine fires.
type callbackLog struct {
	mu       sync.Mutex
	incoming []Record
	accepted []Record
	ended    []Record
	errs     []error
	remote   []RemoteTrack
}

func (l *callbackLog) callbacks() Callbacks {
	return Callbacks{
		OnIncomingCall: func(r Record) { l.mu.Lock(); l.incoming = append(l.incoming, r); l.mu.Unlock() },
		OnCallAccepted: func(r Record) { l.mu.Lock(); l.accepted = append(l.accepted, r); l.mu.Unlock() },
		OnCallEnded:    func(r Record) { l.mu.Lock(); l.ended = append(l.ended, r); l.mu.Unlock() },
		OnCallError:    func(err error) { l.mu.Lock(); l.errs = append(l.errs, err); l.mu.Unlock() },
		OnRemoteStream: func(t RemoteTrack) { l.mu.Lock(); l.remote = append(l.remote, t); l.mu.Unlock() },
	}
}

func (l *callbackLog) counts() (incoming, accepted, ended, errs, remote int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.incoming), len(l.accepted), len(l.ended), len(l.errs), len(l.remote)
}

type party struct {
	engine   *Engine
	signaler *fakeSignaler
	peers    *fakePeerFactory
	devices  *fakeDevices
	recorder *fakeRecorder
	log      *callbackLog
}

func newParty(t *testing.T, sw *fakeSwitch, user, plan string, clk clock.Clock, b *bus.Bus) *party {
	t.Helper()
	p := &party{
		signaler: sw.attach(user),
		peers:    &fakePeerFactory{},
		devices:  &fakeDevices{},
		recorder: &fakeRecorder{},
		log:      &callbackLog{},
	}
	p.engine = NewEngine(Deps{
		Signaler: p.signaler,
		Recorder: p.recorder,
		Checker:  permission.NewStaticChecker(plan),
		Users:    staticUser(user),
		Devices:  p.devices,
		Peers:    p.peers,
		Clock:    clk,
		Bus:      b,
	}, "call-signaling")
	p.engine.SetCallbacks(p.log.callbacks())
	if err := p.engine.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(p.engine.Close)
	return p
}

func (p *party) status() Status {
	rec, ok := p.engine.CurrentCall()
	if !ok {
		return ""
	}
	return rec.Status
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}
