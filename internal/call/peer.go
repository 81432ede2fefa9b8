package call

// PeerState mirrors the peer connection's aggregate connection state.
type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled candidate in its JSON wire form.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// RemoteTrack describes a track received from the other party.
type RemoteTrack struct {
	CallID   string    `json:"call_id"`
	ID       string    `json:"id"`
	StreamID string    `json:"stream_id"`
	Kind     TrackKind `json:"kind"`
	Codec    string    `json:"codec"`
}

// PeerHandlers receive peer connection events. A PeerConnection never calls
// them from inside one of its own methods, and calls them in order.
type PeerHandlers struct {
	OnICECandidate    func(ICECandidate)
	OnConnectionState func(PeerState)
	OnTrack           func(RemoteTrack)
}

// PeerConnection is the negotiation surface the engine drives.
type PeerConnection interface {
	AddTrack(t LocalTrack) error
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(d SessionDescription) error
	SetRemoteDescription(d SessionDescription) error
	AddICECandidate(c ICECandidate) error
	Close() error
}

// PeerFactory creates one peer connection per call.
type PeerFactory interface {
	NewPeer(callID string, h PeerHandlers) (PeerConnection, error)
}
