package call

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// TrackKind is audio or video.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// TrackState is live until the track is stopped.
type TrackState string

const (
	TrackLive  TrackState = "live"
	TrackEnded TrackState = "ended"
)

// ErrNoDevice is returned by MediaDevices when a requested kind is unavailable.
var ErrNoDevice = errors.New("no media device")

// MediaConstraints selects the kinds GetUserMedia must return.
type MediaConstraints struct {
	Audio bool
	Video bool
}

func constraintsFor(t Type) MediaConstraints {
	return MediaConstraints{Audio: true, Video: t == Video}
}

// MediaDevices acquires local media.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c MediaConstraints) (*LocalStream, error)
}

// MediaError wraps a media acquisition failure with a message fit for users.
type MediaError struct {
	Message string
	Err     error
}

func (e *MediaError) Error() string { return e.Message + ": " + e.Err.Error() }

func (e *MediaError) Unwrap() error { return e.Err }

func mediaError(t Type, err error) *MediaError {
	msg := "Could not access your microphone"
	if t == Video {
		msg = "Could not access your camera or microphone"
	}
	return &MediaError{Message: msg, Err: err}
}

// LocalTrack is one captured or generated track owned by the engine.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	ReadyState() TrackState
	Stop()
	// OnEnabledChange registers fn to run after every SetEnabled that
	// changes the flag.
	OnEnabledChange(fn func(enabled bool))
	// TrackLocal is the pion track fed to peer connections.
	TrackLocal() webrtc.TrackLocal
}

// LocalStream groups the tracks from one GetUserMedia call.
type LocalStream struct {
	Tracks []LocalTrack
}

// AudioTracks returns the audio tracks of the stream.
func (s *LocalStream) AudioTracks() []LocalTrack { return s.byKind(KindAudio) }

// VideoTracks returns the video tracks of the stream.
func (s *LocalStream) VideoTracks() []LocalTrack { return s.byKind(KindVideo) }

func (s *LocalStream) byKind(k TrackKind) []LocalTrack {
	if s == nil {
		return nil
	}
	var out []LocalTrack
	for _, t := range s.Tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// Stop ends every track.
func (s *LocalStream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// trackState is the enable/stop bookkeeping shared by LocalTrack
// implementations.
type trackState struct {
	id   string
	kind TrackKind

	mu        sync.Mutex
	enabled   bool
	ended     bool
	listeners []func(bool)
	onStop    func()
}

func newTrackState(id string, kind TrackKind, onStop func()) *trackState {
	return &trackState{id: id, kind: kind, enabled: true, onStop: onStop}
}

func (t *trackState) ID() string      { return t.id }
func (t *trackState) Kind() TrackKind { return t.kind }

func (t *trackState) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *trackState) SetEnabled(enabled bool) {
	t.mu.Lock()
	if t.enabled == enabled || t.ended {
		t.mu.Unlock()
		return
	}
	t.enabled = enabled
	listeners := append([]func(bool){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(enabled)
	}
}

func (t *trackState) OnEnabledChange(fn func(bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *trackState) ReadyState() TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return TrackEnded
	}
	return TrackLive
}

func (t *trackState) Stop() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	onStop := t.onStop
	t.mu.Unlock()

	if onStop != nil {
		onStop()
	}
}
