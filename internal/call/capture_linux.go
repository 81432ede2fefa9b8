//go:build linux && capture

package call

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/logging"
)

// CaptureDevices opens the camera and microphone through V4L2 and malgo.
type CaptureDevices struct {
	selector *mediadevices.CodecSelector
	logger   *zap.Logger
}

// NewCaptureDevices prepares VP8 and Opus encoders.
func NewCaptureDevices(logger *zap.Logger) (*CaptureDevices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	return &CaptureDevices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logging.OrNop(logger),
	}, nil
}

// RegisterCodecs registers exactly the encoders the captured tracks use.
func (d *CaptureDevices) RegisterCodecs(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// GetUserMedia captures the requested kinds.
func (d *CaptureDevices) GetUserMedia(_ context.Context, c MediaConstraints) (*LocalStream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	stream := &LocalStream{}
	for _, tr := range ms.GetTracks() {
		kind := KindAudio
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		tr.OnEnded(func(err error) {
			if err != nil {
				d.logger.Warn("capture track ended", zap.String("track", tr.ID()), zap.Error(err))
			}
		})
		stream.Tracks = append(stream.Tracks, &captureTrack{
			trackState: newTrackState(tr.ID(), kind, func() { _ = tr.Close() }),
			track:      tr,
		})
	}
	d.logger.Info("local media captured", zap.Int("tracks", len(stream.Tracks)))
	return stream, nil
}

type captureTrack struct {
	*trackState
	track mediadevices.Track
}

func (t *captureTrack) TrackLocal() webrtc.TrackLocal { return t.track }

// DefaultDevices returns hardware capture devices.
func DefaultDevices(_ clock.Clock, logger *zap.Logger) (MediaDevices, error) {
	return NewCaptureDevices(logger)
}
