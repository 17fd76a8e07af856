// Package transport abstracts peer connections behind a narrow interface so
// the session layer never depends on a concrete media stack. The in-memory
// implementation backs tests; the websocket implementation relays signaling
// and data frames through a rendezvous server.
package transport

import "context"

// ConnectionState is the lifecycle state of a peer connection. A connection
// never leaves Closed.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateClosed       ConnectionState = "closed"
)

// SessionDescription is an opaque SDP blob with its role.
type SessionDescription struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// ICECandidate is an opaque candidate forwarded through signaling.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex int    `json:"sdp_mline_index,omitempty"`
}

// PeerConnection is the minimal surface the session manager needs. All
// callbacks may fire from transport goroutines.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc SessionDescription) error
	AddICECandidate(ctx context.Context, candidate ICECandidate) error

	// Send transmits one data-channel frame to the remote peer.
	Send(ctx context.Context, data []byte) error

	// OnMessage registers the data-channel receive callback.
	OnMessage(fn func(data []byte))

	// OnICECandidate registers the local candidate callback for signaling.
	OnICECandidate(fn func(candidate ICECandidate))

	// OnStateChange registers the connection state callback.
	OnStateChange(fn func(state ConnectionState))

	State() ConnectionState
	Close() error
}

// Factory creates peer connections toward a remote peer.
type Factory interface {
	NewPeerConnection(ctx context.Context, remotePeerID string) (PeerConnection, error)
}
