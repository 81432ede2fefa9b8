package call

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/logging"
)

const opusFrame = 20 * time.Millisecond

// opusSilence is a single Opus frame (TOC 0xf8, 20ms CELT) that decodes to
// silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticDevices produces tracks without hardware. Audio tracks carry
// Opus silence while enabled; video tracks are negotiated but send nothing.
type SyntheticDevices struct {
	clock  clock.Clock
	logger *zap.Logger
}

// NewSyntheticDevices creates a device source.
func NewSyntheticDevices(clk clock.Clock, logger *zap.Logger) *SyntheticDevices {
	if clk == nil {
		clk = clock.New()
	}
	return &SyntheticDevices{clock: clk, logger: logging.OrNop(logger)}
}

// GetUserMedia returns one audio and, when requested, one video track.
func (d *SyntheticDevices) GetUserMedia(_ context.Context, c MediaConstraints) (*LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, errors.New("no media kind requested")
	}
	streamID := "swoon-" + uuid.NewString()
	stream := &LocalStream{}
	if c.Audio {
		t, err := d.newTrack(KindAudio, streamID, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2})
		if err != nil {
			return nil, err
		}
		stream.Tracks = append(stream.Tracks, t)
	}
	if c.Video {
		t, err := d.newTrack(KindVideo, streamID, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000})
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.Tracks = append(stream.Tracks, t)
	}
	return stream, nil
}

type sampleTrack struct {
	*trackState
	local *webrtc.TrackLocalStaticSample
}

func (t *sampleTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (d *SyntheticDevices) newTrack(kind TrackKind, streamID string, codec webrtc.RTPCodecCapability) (*sampleTrack, error) {
	id := string(kind) + "-" + uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	t := &sampleTrack{
		trackState: newTrackState(id, kind, func() { close(done) }),
		local:      local,
	}
	if kind == KindAudio {
		go d.pump(t, done)
	}
	return t, nil
}

func (d *SyntheticDevices) pump(t *sampleTrack, done <-chan struct{}) {
	ticker := d.clock.Ticker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !t.Enabled() {
				continue
			}
			if err := t.local.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
				d.logger.Debug("write silence failed", zap.String("track", t.ID()), zap.Error(err))
			}
		}
	}
}
