package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmlink/types"
)

// envelope is the relay wire frame. Signaling and data frames share one
// websocket per peer pair.
type envelope struct {
	Kind      string `json:"kind"` // offer, answer, candidate, data
	From      string `json:"from"`
	To        string `json:"to"`
	SDP       string `json:"sdp,omitempty"`
	SDPType   string `json:"sdp_type,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// RelayFactoryConfig configures the websocket relay transport.
type RelayFactoryConfig struct {
	// URL is the relay server endpoint, e.g. "ws://relay:8443/swarm".
	URL string `yaml:"url" json:"url"`
	// LocalPeerID identifies this node to the relay.
	LocalPeerID string `yaml:"local_peer_id" json:"local_peer_id"`
}

// RelayFactory dials one websocket per peer connection through a rendezvous
// relay. SDP blobs stay opaque: the relay forwards them verbatim.
type RelayFactory struct {
	config RelayFactoryConfig
	logger *zap.Logger
}

// NewRelayFactory creates a websocket relay transport factory.
func NewRelayFactory(config RelayFactoryConfig, logger *zap.Logger) *RelayFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayFactory{
		config: config,
		logger: logger.With(zap.String("component", "relay_transport")),
	}
}

func (f *RelayFactory) NewPeerConnection(ctx context.Context, remotePeerID string) (PeerConnection, error) {
	url := fmt.Sprintf("%s?peer=%s&target=%s", f.config.URL, f.config.LocalPeerID, remotePeerID)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	rc := &RelayConnection{
		conn:         conn,
		localPeerID:  f.config.LocalPeerID,
		remotePeerID: remotePeerID,
		state:        StateNew,
		logger:       f.logger.With(zap.String("remote_peer", remotePeerID)),
	}
	go rc.readLoop()
	return rc, nil
}

// RelayConnection is a PeerConnection carried over a relay websocket.
// Writes are serialized: the websocket does not support concurrent writers.
type RelayConnection struct {
	conn         *websocket.Conn
	localPeerID  string
	remotePeerID string
	logger       *zap.Logger

	mu         sync.Mutex
	writeMu    sync.Mutex
	state      ConnectionState
	localDesc  *SessionDescription
	remoteDesc *SessionDescription

	onMessage   func([]byte)
	onCandidate func(ICECandidate)
	onState     func(ConnectionState)

	pendingStates []ConnectionState
	notifying     bool
}

func (c *RelayConnection) CreateOffer(_ context.Context) (SessionDescription, error) {
	if c.State() == StateClosed {
		return SessionDescription{}, types.NewError(types.ErrSessionClosed, "connection closed")
	}
	return SessionDescription{Type: "offer", SDP: "relay-peer:" + c.localPeerID}, nil
}

func (c *RelayConnection) CreateAnswer(_ context.Context) (SessionDescription, error) {
	if c.State() == StateClosed {
		return SessionDescription{}, types.NewError(types.ErrSessionClosed, "connection closed")
	}
	return SessionDescription{Type: "answer", SDP: "relay-peer:" + c.localPeerID}, nil
}

func (c *RelayConnection) SetLocalDescription(ctx context.Context, desc SessionDescription) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return types.NewError(types.ErrSessionClosed, "connection closed")
	}
	c.localDesc = &desc
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	return c.write(ctx, envelope{
		Kind:    desc.Type,
		From:    c.localPeerID,
		To:      c.remotePeerID,
		SDP:     desc.SDP,
		SDPType: desc.Type,
	})
}

func (c *RelayConnection) SetRemoteDescription(_ context.Context, desc SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return types.NewError(types.ErrSessionClosed, "connection closed")
	}
	c.remoteDesc = &desc
	if c.localDesc != nil {
		c.setStateLocked(StateConnected)
	}
	return nil
}

func (c *RelayConnection) AddICECandidate(ctx context.Context, candidate ICECandidate) error {
	if c.State() == StateClosed {
		return types.NewError(types.ErrSessionClosed, "connection closed")
	}
	return c.write(ctx, envelope{
		Kind:      "candidate",
		From:      c.localPeerID,
		To:        c.remotePeerID,
		Candidate: candidate.Candidate,
	})
}

func (c *RelayConnection) Send(ctx context.Context, data []byte) error {
	if c.State() == StateClosed {
		return types.NewError(types.ErrSessionClosed, "connection closed")
	}
	return c.write(ctx, envelope{
		Kind: "data",
		From: c.localPeerID,
		To:   c.remotePeerID,
		Data: data,
	})
}

func (c *RelayConnection) write(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

func (c *RelayConnection) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closed := c.state == StateClosed
			if !closed {
				c.setStateLocked(StateDisconnected)
			}
			c.mu.Unlock()
			if !closed {
				c.logger.Warn("relay read failed", zap.Error(err))
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed relay frame", zap.Error(err))
			continue
		}
		c.handle(env)
	}
}

func (c *RelayConnection) handle(env envelope) {
	switch env.Kind {
	case "data":
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(env.Data)
		}
	case "offer", "answer":
		_ = c.SetRemoteDescription(context.Background(), SessionDescription{
			Type: env.Kind,
			SDP:  env.SDP,
		})
	case "candidate":
		c.mu.Lock()
		fn := c.onCandidate
		c.mu.Unlock()
		if fn != nil {
			fn(ICECandidate{Candidate: env.Candidate})
		}
	default:
		c.logger.Debug("ignoring relay frame", zap.String("kind", env.Kind))
	}
}

func (c *RelayConnection) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *RelayConnection) OnICECandidate(fn func(ICECandidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = fn
}

func (c *RelayConnection) OnStateChange(fn func(ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *RelayConnection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *RelayConnection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateClosed)
	c.mu.Unlock()
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

// setStateLocked applies a state change; Closed is terminal. Callbacks are
// queued and drained by a single goroutine so observers see transitions in
// the order they happened.
func (c *RelayConnection) setStateLocked(state ConnectionState) {
	if c.state == StateClosed || c.state == state {
		return
	}
	c.state = state
	if c.onState == nil {
		return
	}
	c.pendingStates = append(c.pendingStates, state)
	if c.notifying {
		return
	}
	c.notifying = true
	go c.notifyStates()
}

func (c *RelayConnection) notifyStates() {
	for {
		c.mu.Lock()
		if len(c.pendingStates) == 0 {
			c.notifying = false
			c.mu.Unlock()
			return
		}
		state := c.pendingStates[0]
		c.pendingStates = c.pendingStates[1:]
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	}
}
