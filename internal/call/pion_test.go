package call

import (
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
)

func TestPionOfferAnswer(t *testing.T) {
	f, err := NewPionFactory(PionOptions{
		DisconnectedTimeout: 5 * time.Second,
		FailedTimeout:       10 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewPionFactory: %v", err)
	}
	devices := NewSyntheticDevices(clock.NewMock(), nil)

	newPeer := func(name string) PeerConnection {
		p, err := f.NewPeer("call-1", PeerHandlers{
			OnICECandidate:    func(ICECandidate) {},
			OnConnectionState: func(PeerState) {},
			OnTrack:           func(RemoteTrack) {},
		})
		if err != nil {
			t.Fatalf("NewPeer(%s): %v", name, err)
		}
		t.Cleanup(func() { _ = p.Close() })

		stream, err := devices.GetUserMedia(ctx, MediaConstraints{Audio: true, Video: true})
		if err != nil {
			t.Fatalf("GetUserMedia: %v", err)
		}
		t.Cleanup(stream.Stop)
		for _, tr := range stream.Tracks {
			if err := p.AddTrack(tr); err != nil {
				t.Fatalf("AddTrack(%s): %v", tr.Kind(), err)
			}
		}
		return p
	}
	caller := newPeer("caller")
	callee := newPeer("callee")

	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if offer.Type != "offer" {
		t.Errorf("offer type = %q", offer.Type)
	}
	for _, want := range []string{"m=audio", "m=video", "opus", "VP8"} {
		if !strings.Contains(offer.SDP, want) {
			t.Errorf("offer SDP missing %q", want)
		}
	}
	if err := caller.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	if err := callee.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}

	answer, err := callee.CreateAnswer()
	if err != nil {
		t.Fatal(err)
	}
	if answer.Type != "answer" || !strings.Contains(answer.SDP, "opus") {
		t.Errorf("answer = %q, SDP without opus", answer.Type)
	}
	if err := callee.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	if err := caller.SetRemoteDescription(answer); err != nil {
		t.Fatal(err)
	}

	if err := caller.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := caller.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRemoteStatsObserve(t *testing.T) {
	var s RemoteStats
	s.observe(&rtp.Packet{Header: rtp.Header{SequenceNumber: 7}, Payload: []byte{1, 2, 3}})
	s.observe(&rtp.Packet{Header: rtp.Header{SequenceNumber: 8}, Payload: []byte{4}})
	if s.Packets != 2 || s.PayloadBytes != 4 || s.LastSequence != 8 {
		t.Errorf("stats = %+v", s)
	}
	if s.LastPacketAt.IsZero() {
		t.Error("LastPacketAt not set")
	}
}

func TestSyntheticDevices(t *testing.T) {
	d := NewSyntheticDevices(clock.NewMock(), nil)

	if _, err := d.GetUserMedia(ctx, MediaConstraints{}); err == nil {
		t.Error("GetUserMedia with no kinds should fail")
	}

	tests := []struct {
		name      string
		c         MediaConstraints
		wantAudio int
		wantVideo int
	}{
		{"voice", constraintsFor(Voice), 1, 0},
		{"video", constraintsFor(Video), 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := d.GetUserMedia(ctx, tt.c)
			if err != nil {
				t.Fatal(err)
			}
			if len(s.AudioTracks()) != tt.wantAudio || len(s.VideoTracks()) != tt.wantVideo {
				t.Fatalf("audio=%d video=%d", len(s.AudioTracks()), len(s.VideoTracks()))
			}
			for _, tr := range s.Tracks {
				if tr.TrackLocal() == nil {
					t.Errorf("%s track has no pion track", tr.Kind())
				}
				if !tr.Enabled() || tr.ReadyState() != TrackLive {
					t.Errorf("%s track not live and enabled", tr.Kind())
				}
			}
			s.Stop()
			for _, tr := range s.Tracks {
				if tr.ReadyState() != TrackEnded {
					t.Errorf("%s track live after Stop", tr.Kind())
				}
			}
			s.Stop()
		})
	}
}

func TestTrackStateEnableListeners(t *testing.T) {
	stopped := 0
	tr := newTrackState("mic", KindAudio, func() { stopped++ })

	var changes []bool
	tr.OnEnabledChange(func(enabled bool) { changes = append(changes, enabled) })

	tr.SetEnabled(true)
	tr.SetEnabled(false)
	tr.SetEnabled(false)
	tr.SetEnabled(true)
	if len(changes) != 2 || changes[0] || !changes[1] {
		t.Errorf("changes = %v, want [false true]", changes)
	}

	tr.Stop()
	tr.Stop()
	if stopped != 1 {
		t.Errorf("onStop ran %d times, want 1", stopped)
	}
	tr.SetEnabled(false)
	if !tr.Enabled() || len(changes) != 2 {
		t.Error("stopped track accepted SetEnabled")
	}
}

func TestMediaErrorMessages(t *testing.T) {
	tests := []struct {
		typ  Type
		want string
	}{
		{Voice, "Could not access your microphone"},
		{Video, "Could not access your camera or microphone"},
	}
	for _, tt := range tests {
		err := mediaError(tt.typ, ErrNoDevice)
		if err.Message != tt.want {
			t.Errorf("%s: message = %q, want %q", tt.typ, err.Message, tt.want)
		}
		if !strings.HasPrefix(err.Error(), tt.want) {
			t.Errorf("%s: Error() = %q", tt.typ, err.Error())
		}
	}
}
