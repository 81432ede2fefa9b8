package call

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/logging"
	"github.com/matheus3301/swoon/internal/realtime/serial"
)

const keyframeInterval = 3 * time.Second

// CodecRegistrar populates a media engine. MediaDevices whose tracks need
// specific encoders implement it.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// PionOptions configures a PionFactory.
type PionOptions struct {
	ICEServers          []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// Codecs overrides the default codec set.
	Codecs CodecRegistrar
	Logger *zap.Logger
}

// PionFactory creates pion peer connections sharing one API instance.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.Logger
}

// NewPionFactory builds the media engine, interceptor chain and ICE settings.
func NewPionFactory(opts PionOptions) (*PionFactory, error) {
	me := &webrtc.MediaEngine{}
	var err error
	if opts.Codecs != nil {
		err = opts.Codecs.RegisterCodecs(me)
	} else {
		err = me.RegisterDefaultCodecs()
	}
	if err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if opts.DisconnectedTimeout > 0 && opts.FailedTimeout > 0 && opts.KeepAliveInterval > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	}

	var servers []webrtc.ICEServer
	if len(opts.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{ICEServers: servers},
		logger: logging.OrNop(opts.Logger).Named("pion"),
	}, nil
}

// NewPeer creates a peer connection for callID.
func (f *PionFactory) NewPeer(callID string, h PeerHandlers) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &pionPeer{
		pc:     pc,
		callID: callID,
		events: serial.New(),
		logger: f.logger.With(zap.String("call", callID)),
		done:   make(chan struct{}),
		stats:  make(map[string]*RemoteStats),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.OnICECandidate == nil {
			return
		}
		init := c.ToJSON()
		p.events.Push(func() {
			h.OnICECandidate(ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Info("peer connection state", zap.String("state", s.String()))
		if h.OnConnectionState == nil {
			return
		}
		p.events.Push(func() { h.OnConnectionState(PeerState(s.String())) })
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := KindAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
			go p.requestKeyframes(track)
		}
		go p.readRemote(track)
		if h.OnTrack == nil {
			return
		}
		rt := RemoteTrack{
			CallID:   callID,
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     kind,
			Codec:    track.Codec().MimeType,
		}
		p.events.Push(func() { h.OnTrack(rt) })
	})
	return p, nil
}

// RemoteStats counts RTP received on one remote track.
type RemoteStats struct {
	TrackID      string    `json:"track_id"`
	Packets      uint64    `json:"packets"`
	PayloadBytes uint64    `json:"payload_bytes"`
	LastSequence uint16    `json:"last_sequence"`
	LastPacketAt time.Time `json:"last_packet_at"`
}

func (s *RemoteStats) observe(pkt *rtp.Packet) {
	s.Packets++
	s.PayloadBytes += uint64(len(pkt.Payload))
	s.LastSequence = pkt.SequenceNumber
	s.LastPacketAt = time.Now()
}

type pionPeer struct {
	pc     *webrtc.PeerConnection
	callID string
	events *serial.Queue
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}

	mu    sync.Mutex
	stats map[string]*RemoteStats
}

func (p *pionPeer) AddTrack(t LocalTrack) error {
	sender, err := p.pc.AddTrack(t.TrackLocal())
	if err != nil {
		return fmt.Errorf("add %s track: %w", t.Kind(), err)
	}
	go p.drainRTCP(sender)
	t.OnEnabledChange(func(enabled bool) {
		var next webrtc.TrackLocal
		if enabled {
			next = t.TrackLocal()
		}
		if err := sender.ReplaceTrack(next); err != nil {
			p.logger.Warn("replace track failed", zap.String("track", t.ID()), zap.Error(err))
		}
	})
	return nil
}

func (p *pionPeer) CreateOffer() (SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer() (SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionPeer) SetLocalDescription(d SessionDescription) error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP})
}

func (p *pionPeer) SetRemoteDescription(d SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP})
}

func (p *pionPeer) AddICECandidate(c ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
		p.events.Close()
	})
	return err
}

// RemoteStats returns a snapshot of every remote track seen so far.
func (p *pionPeer) RemoteStats() []RemoteStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RemoteStats, 0, len(p.stats))
	for _, s := range p.stats {
		out = append(out, *s)
	}
	return out
}

func (p *pionPeer) readRemote(track *webrtc.TrackRemote) {
	p.mu.Lock()
	s := &RemoteStats{TrackID: track.ID()}
	p.stats[track.ID()] = s
	p.mu.Unlock()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("remote track ended", zap.String("track", track.ID()), zap.Error(err))
			}
			return
		}
		p.mu.Lock()
		s.observe(pkt)
		p.mu.Unlock()
	}
}

func (p *pionPeer) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
			if err != nil {
				p.logger.Debug("send pli failed", zap.Error(err))
				return
			}
		}
	}
}

func (p *pionPeer) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
