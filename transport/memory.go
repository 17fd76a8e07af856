package transport

import (
	"context"
	"sync"

	"github.com/BaSui01/swarmlink/types"
)

// MemoryFactory creates loopback peer connections for tests and
// single-process swarms. When AutoRespond is set (the default from
// NewMemoryFactory), setting a local offer simulates the remote side:
// candidates trickle, an answer arrives, and the connection reaches
// connected without external signaling.
type MemoryFactory struct {
	AutoRespond bool

	mu    sync.Mutex
	conns []*MemoryConnection
}

// NewMemoryFactory creates a factory with auto-response enabled.
func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{AutoRespond: true}
}

func (f *MemoryFactory) NewPeerConnection(_ context.Context, remotePeerID string) (PeerConnection, error) {
	conn := &MemoryConnection{
		remotePeerID: remotePeerID,
		state:        StateNew,
		autoRespond:  f.AutoRespond,
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

// Connections returns every connection the factory has created, in order.
func (f *MemoryFactory) Connections() []*MemoryConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MemoryConnection(nil), f.conns...)
}

// MemoryConnection is an in-process PeerConnection. Frames sent on one side
// are delivered to a linked peer, or looped back to the local handler when
// unlinked.
type MemoryConnection struct {
	mu           sync.Mutex
	remotePeerID string
	state        ConnectionState
	localDesc    *SessionDescription
	remoteDesc   *SessionDescription
	candidates   []ICECandidate
	autoRespond  bool
	linked       *MemoryConnection

	onMessage   func([]byte)
	onCandidate func(ICECandidate)
	onState     func(ConnectionState)

	pendingStates []ConnectionState
	notifying     bool
}

// Link wires two connections together so Send on one delivers to the other.
func Link(a, b *MemoryConnection) {
	a.mu.Lock()
	a.linked = b
	a.mu.Unlock()
	b.mu.Lock()
	b.linked = a
	b.mu.Unlock()
}

func (c *MemoryConnection) CreateOffer(_ context.Context) (SessionDescription, error) {
	if c.State() == StateClosed {
		return SessionDescription{}, types.NewError(types.ErrSessionClosed, "connection closed")
	}
	return SessionDescription{Type: "offer", SDP: "v=0 memory-offer " + c.remotePeerID}, nil
}

func (c *MemoryConnection) CreateAnswer(_ context.Context) (SessionDescription, error) {
	if c.State() == StateClosed {
		return SessionDescription{}, types.NewError(types.ErrSessionClosed, "connection closed")
	}
	return SessionDescription{Type: "answer", SDP: "v=0 memory-answer " + c.remotePeerID}, nil
}

func (c *MemoryConnection) SetLocalDescription(ctx context.Context, desc SessionDescription) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return types.NewError(types.ErrSessionClosed, "connection closed")
	}
	c.localDesc = &desc
	c.setStateLocked(StateConnecting)
	autoRespond := c.autoRespond && desc.Type == "offer"
	c.mu.Unlock()

	if autoRespond {
		go c.respond(ctx)
	}
	return nil
}

// respond simulates the remote peer: one trickled candidate, then an answer.
func (c *MemoryConnection) respond(ctx context.Context) {
	c.mu.Lock()
	onCandidate := c.onCandidate
	c.mu.Unlock()

	if onCandidate != nil {
		onCandidate(ICECandidate{Candidate: "candidate:memory 1 udp 1 127.0.0.1 9 typ host"})
	}
	_ = c.SetRemoteDescription(ctx, SessionDescription{Type: "answer", SDP: "v=0 memory-answer"})
}

func (c *MemoryConnection) SetRemoteDescription(_ context.Context, desc SessionDescription) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return types.NewError(types.ErrSessionClosed, "connection closed")
	}
	c.remoteDesc = &desc
	connected := c.localDesc != nil
	if connected {
		c.setStateLocked(StateConnected)
	}
	c.mu.Unlock()
	return nil
}

func (c *MemoryConnection) AddICECandidate(_ context.Context, candidate ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return types.NewError(types.ErrSessionClosed, "connection closed")
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *MemoryConnection) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return types.NewError(types.ErrSessionClosed, "connection closed")
	}
	target := c.linked
	local := c.onMessage
	c.mu.Unlock()

	if target != nil {
		target.deliver(data)
		return nil
	}
	if local != nil {
		local(data)
	}
	return nil
}

func (c *MemoryConnection) deliver(data []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (c *MemoryConnection) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *MemoryConnection) OnICECandidate(fn func(ICECandidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = fn
}

func (c *MemoryConnection) OnStateChange(fn func(ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *MemoryConnection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *MemoryConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(StateClosed)
	return nil
}

// setStateLocked applies a state change unless the connection is already
// closed; Closed is terminal. Callbacks are queued and drained by a single
// goroutine so observers see transitions in the order they happened.
func (c *MemoryConnection) setStateLocked(state ConnectionState) {
	if c.state == StateClosed {
		return
	}
	if c.state == state {
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

func (c *MemoryConnection) notifyStates() {
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
