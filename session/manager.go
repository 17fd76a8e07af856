package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/swarmlink/handoff"
	"github.com/BaSui01/swarmlink/internal/metrics"
	"github.com/BaSui01/swarmlink/transport"
	"github.com/BaSui01/swarmlink/types"
)

// Capabilities advertised in A2A handshake responses.
var defaultCapabilities = []string{"handoff", "veto", "a2a", "state-sync"}

// Manager owns swarm sessions: participant lifecycle over peer connections,
// typed message routing, veto voting, and the bridge to the handoff engine.
type Manager struct {
	sessions syncSessionMap

	factory transport.Factory
	engine  *handoff.Engine
	sink    handoff.EventSink
	voting  VotingStrategy
	metrics *metrics.Collector
	logger  *zap.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithVotingStrategy overrides the default majority-quorum veto resolution.
func WithVotingStrategy(v VotingStrategy) ManagerOption {
	return func(m *Manager) { m.voting = v }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

// NewManager creates a session manager. The engine may be nil when handoff
// bridging is not needed.
func NewManager(factory transport.Factory, engine *handoff.Engine, sink handoff.EventSink, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		factory: factory,
		engine:  engine,
		sink:    sink,
		voting:  MajorityVoting{},
		logger:  logger.With(zap.String("component", "session_manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession allocates a session with the host as its first, already
// connected participant.
func (m *Manager) CreateSession(config Config, hostUserID string) (*Session, error) {
	if hostUserID == "" {
		return nil, types.NewError(types.ErrValidation, "host user id is required")
	}
	if config.MaxParticipants < 1 {
		config.MaxParticipants = DefaultConfig().MaxParticipants
	}

	s := newSession("sw_"+uuid.NewString()[:12], hostUserID, config)
	s.participants[hostUserID] = &Participant{
		UserID:      hostUserID,
		DisplayName: hostUserID,
		ConnState:   transport.StateConnected,
		JoinedAt:    s.CreatedAt,
	}

	m.sessions.store(s.ID, s)
	m.metrics.SetSessions(m.sessions.len())
	m.metrics.SetParticipants(m.totalParticipants())

	m.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("host", hostUserID),
		zap.Int("max_participants", config.MaxParticipants),
	)
	return s, nil
}

// Session returns a session by id.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	return m.sessions.load(sessionID)
}

// JoinSession adds a participant to a session and starts the SDP/ICE
// exchange. The participant starts connecting; successful remote-description
// application moves it to connected.
func (m *Manager) JoinSession(ctx context.Context, sessionID, userID, displayName string) (*Participant, error) {
	s, ok := m.sessions.load(sessionID)
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "session not found").WithResource(sessionID)
	}

	s.mu.Lock()
	if _, exists := s.participants[userID]; exists {
		s.mu.Unlock()
		return nil, types.NewErrorf(types.ErrValidation, "user %q already joined", userID).WithResource(sessionID)
	}
	if len(s.participants) >= s.Config.MaxParticipants {
		s.mu.Unlock()
		return nil, types.NewError(types.ErrSessionFull, "session is full").WithResource(sessionID)
	}
	s.mu.Unlock()

	conn, err := m.factory.NewPeerConnection(ctx, userID)
	if err != nil {
		return nil, types.NewError(types.ErrTransient, "failed to create peer connection").
			WithResource(sessionID).WithRetryable(true).WithCause(err)
	}

	p := &Participant{
		UserID:      userID,
		DisplayName: displayName,
		ConnState:   transport.StateConnecting,
		JoinedAt:    time.Now(),
		conn:        conn,
	}

	conn.OnStateChange(func(state transport.ConnectionState) {
		s.setConnState(userID, state)
		m.emit(types.NewEvent(types.EventConnectionState, "session_manager", types.SignalPayload{
			SessionID: sessionID,
			PeerID:    userID,
			State:     string(state),
		}))
	})
	conn.OnICECandidate(func(candidate transport.ICECandidate) {
		m.emit(types.NewEvent(types.EventICECandidate, "session_manager", types.SignalPayload{
			SessionID: sessionID,
			PeerID:    userID,
			Candidate: candidate.Candidate,
		}))
	})
	conn.OnMessage(func(data []byte) {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("malformed session message",
				zap.String("session_id", sessionID),
				zap.String("from_peer", userID),
				zap.Error(err),
			)
			return
		}
		if err := m.HandleMessage(context.Background(), msg); err != nil {
			m.logger.Warn("message handling failed",
				zap.String("session_id", sessionID),
				zap.String("type", string(msg.Type)),
				zap.Error(err),
			)
		}
	})

	s.mu.Lock()
	// Re-check capacity: another join may have won the race.
	if len(s.participants) >= s.Config.MaxParticipants {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, types.NewError(types.ErrSessionFull, "session is full").WithResource(sessionID)
	}
	s.participants[userID] = p
	s.mu.Unlock()

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		m.removeParticipant(s, userID)
		return nil, types.NewError(types.ErrTransient, "failed to create offer").
			WithResource(sessionID).WithRetryable(true).WithCause(err)
	}
	if err := conn.SetLocalDescription(ctx, offer); err != nil {
		m.removeParticipant(s, userID)
		return nil, types.NewError(types.ErrTransient, "failed to apply local description").
			WithResource(sessionID).WithRetryable(true).WithCause(err)
	}

	m.emit(types.NewEvent(types.EventSDPOffer, "session_manager", types.SignalPayload{
		SessionID: sessionID,
		PeerID:    userID,
		SDP:       offer.SDP,
	}))

	m.metrics.SetParticipants(m.totalParticipants())
	s.touch()

	m.logger.Info("participant joined",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
	)
	return p, nil
}

// HandleSignal applies an inbound answer or ICE candidate forwarded by the
// external signaling relay.
func (m *Manager) HandleSignal(ctx context.Context, sessionID, userID string, signal types.SignalPayload) error {
	s, ok := m.sessions.load(sessionID)
	if !ok {
		return types.NewError(types.ErrNotFound, "session not found").WithResource(sessionID)
	}
	p, ok := s.Participant(userID)
	if !ok || p.conn == nil {
		return types.NewError(types.ErrNotFound, "participant not found").WithResource(userID)
	}

	switch {
	case signal.SDP != "":
		desc := transport.SessionDescription{Type: "answer", SDP: signal.SDP}
		if err := p.conn.SetRemoteDescription(ctx, desc); err != nil {
			return err
		}
		s.setConnState(userID, transport.StateConnected)
		m.emit(types.NewEvent(types.EventSDPAnswer, "session_manager", types.SignalPayload{
			SessionID: sessionID,
			PeerID:    userID,
			SDP:       signal.SDP,
		}))
	case signal.Candidate != "":
		if err := p.conn.AddICECandidate(ctx, transport.ICECandidate{Candidate: signal.Candidate}); err != nil {
			return err
		}
	}
	return nil
}

// HandleMessage routes a session message to its typed handler. Handlers for
// one message type run to completion before the next message of that type.
func (m *Manager) HandleMessage(ctx context.Context, msg Message) error {
	s, ok := m.sessions.load(msg.SessionID)
	if !ok {
		return types.NewError(types.ErrNotFound, "session not found").WithResource(msg.SessionID)
	}

	lock := s.typeLock(msg.Type)
	lock.Lock()
	defer lock.Unlock()

	s.touch()
	m.metrics.MessageRouted(string(msg.Type))

	switch msg.Type {
	case MessageTask:
		return m.handleTask(s, msg)
	case MessageVeto:
		return m.handleVeto(ctx, s, msg)
	case MessageA2A:
		return m.handleA2A(ctx, s, msg)
	case MessageHandoff:
		return m.handleHandoff(ctx, s, msg)
	case MessageState:
		return m.handleState(s, msg)
	default:
		return types.NewErrorf(types.ErrValidation, "unknown message type %q", msg.Type)
	}
}

func (m *Manager) handleTask(s *Session, msg Message) error {
	var payload TaskPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return types.NewError(types.ErrValidation, "malformed task payload").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch payload.Action {
	case TaskAdded:
		t := payload.Task
		if t.AddedAt.IsZero() {
			t.AddedAt = msg.Timestamp
		}
		t.AddedBy = msg.From
		s.activeTasks[t.ID] = t
	case TaskCompleted, TaskRemoved:
		delete(s.activeTasks, payload.Task.ID)
	default:
		return types.NewErrorf(types.ErrValidation, "unknown task action %q", payload.Action)
	}
	return nil
}

// handleVeto records a veto against an active task, resolves it among the
// current participants, and publishes exactly one vetoed-task outcome.
func (m *Manager) handleVeto(_ context.Context, s *Session, msg Message) error {
	if !s.Config.EnableVetoes {
		return types.NewError(types.ErrValidation, "vetoes are disabled for this session").WithResource(s.ID)
	}

	var payload VetoPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return types.NewError(types.ErrValidation, "malformed veto payload").WithCause(err)
	}

	if _, ok := s.ActiveTask(payload.TaskID); !ok {
		return types.NewError(types.ErrNotFound, "task not active").WithResource(payload.TaskID)
	}

	veto := VetoRequest{
		VetoID:      payload.VetoID,
		SessionID:   s.ID,
		TaskID:      payload.TaskID,
		RequestedBy: msg.From,
		Reason:      payload.Reason,
		Timestamp:   msg.Timestamp,
	}
	if veto.VetoID == "" {
		veto.VetoID = "veto_" + uuid.NewString()[:8]
	}

	s.mu.Lock()
	s.vetoes[veto.VetoID] = veto
	s.mu.Unlock()

	upheld := m.voting.Resolve(veto, s.Participants())

	s.mu.Lock()
	if upheld {
		delete(s.activeTasks, veto.TaskID)
	}
	delete(s.vetoes, veto.VetoID)
	s.mu.Unlock()

	m.metrics.VetoResolved(upheld)
	m.emit(types.NewEvent(types.EventTaskVetoed, "session_manager", types.VetoPayload{
		SessionID:   s.ID,
		TaskID:      veto.TaskID,
		VetoID:      veto.VetoID,
		RequestedBy: veto.RequestedBy,
		Reason:      veto.Reason,
		Upheld:      upheld,
	}))

	m.logger.Info("veto resolved",
		zap.String("session_id", s.ID),
		zap.String("task_id", veto.TaskID),
		zap.Bool("upheld", upheld),
	)
	return nil
}

// handleA2A answers inbound handshake requests with a broadcast response
// carrying supported capabilities and protocol version.
func (m *Manager) handleA2A(ctx context.Context, s *Session, msg Message) error {
	if !s.Config.EnableA2A {
		return types.NewError(types.ErrValidation, "a2a is disabled for this session").WithResource(s.ID)
	}

	var payload A2APayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return types.NewError(types.ErrValidation, "malformed a2a payload").WithCause(err)
	}
	if payload.Action != A2ARequest {
		return nil
	}

	response, err := NewMessage(MessageA2A, s.ID, s.HostUserID, A2APayload{
		Action:          A2AResponse,
		AgentID:         s.HostUserID,
		Capabilities:    defaultCapabilities,
		ProtocolVersion: A2AProtocolVersion,
	})
	if err != nil {
		return err
	}
	return m.Broadcast(ctx, s.ID, response)
}

// handleHandoff bridges session messages to the handoff engine. An initiate
// triggers evaluation/execution; the acknowledgment and the terminal outcome
// are broadcast to the session.
func (m *Manager) handleHandoff(ctx context.Context, s *Session, msg Message) error {
	var payload HandoffMessagePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return types.NewError(types.ErrValidation, "malformed handoff payload").WithCause(err)
	}
	if payload.Action != HandoffInitiate {
		return nil
	}
	if m.engine == nil {
		return types.NewError(types.ErrValidation, "no handoff engine configured").WithResource(s.ID)
	}

	outcome, err := m.engine.InitiateHandoff(ctx, payload.SourceAgentID, payload.TargetAgentID, payload.TaskID, payload.Context)
	if err != nil {
		failed, merr := NewMessage(MessageHandoff, s.ID, s.HostUserID, HandoffMessagePayload{
			Action:        HandoffFailed,
			SourceAgentID: payload.SourceAgentID,
			TargetAgentID: payload.TargetAgentID,
			TaskID:        payload.TaskID,
			Error:         err.Error(),
		})
		if merr == nil {
			_ = m.Broadcast(ctx, s.ID, failed)
		}
		return err
	}

	ack, err := NewMessage(MessageHandoff, s.ID, s.HostUserID, HandoffMessagePayload{
		Action:        HandoffAck,
		HandoffID:     outcome.HandoffID,
		SourceAgentID: payload.SourceAgentID,
		TargetAgentID: payload.TargetAgentID,
		TaskID:        payload.TaskID,
	})
	if err != nil {
		return err
	}
	if err := m.Broadcast(ctx, s.ID, ack); err != nil {
		return err
	}

	completed, err := NewMessage(MessageHandoff, s.ID, s.HostUserID, HandoffMessagePayload{
		Action:        HandoffCompleted,
		HandoffID:     outcome.HandoffID,
		SourceAgentID: payload.SourceAgentID,
		TargetAgentID: payload.TargetAgentID,
		TaskID:        payload.TaskID,
	})
	if err != nil {
		return err
	}
	return m.Broadcast(ctx, s.ID, completed)
}

// handleState merges incremental or full snapshots last-writer-wins keyed by
// the message timestamp.
func (m *Manager) handleState(s *Session, msg Message) error {
	var payload StatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return types.NewError(types.ErrValidation, "malformed state payload").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if payload.Full {
		// A full snapshot replaces only entries it is newer than.
		for key := range s.state {
			if _, ok := payload.Entries[key]; !ok && !msg.Timestamp.Before(s.stateClock[key]) {
				delete(s.state, key)
				delete(s.stateClock, key)
			}
		}
	}
	for key, value := range payload.Entries {
		if msg.Timestamp.Before(s.stateClock[key]) {
			continue
		}
		s.state[key] = value
		s.stateClock[key] = msg.Timestamp
	}
	return nil
}

// Broadcast sends a message to every connected participant in the session.
func (m *Manager) Broadcast(ctx context.Context, sessionID string, msg Message) error {
	s, ok := m.sessions.load(sessionID)
	if !ok {
		return types.NewError(types.ErrNotFound, "session not found").WithResource(sessionID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return types.NewError(types.ErrSerialization, "failed to marshal message").WithCause(err)
	}

	s.mu.Lock()
	conns := make([]transport.PeerConnection, 0, len(s.participants))
	for _, p := range s.participants {
		if p.conn != nil && p.ConnState == transport.StateConnected {
			conns = append(conns, p.conn)
		}
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		g.Go(func() error {
			return conn.Send(gctx, data)
		})
	}
	if err := g.Wait(); err != nil {
		return types.NewError(types.ErrTransient, "broadcast failed").
			WithResource(sessionID).WithRetryable(true).WithCause(err)
	}
	return nil
}

// LeaveSession tears down one participant's connection and removes it.
func (m *Manager) LeaveSession(sessionID, userID string) error {
	s, ok := m.sessions.load(sessionID)
	if !ok {
		return types.NewError(types.ErrNotFound, "session not found").WithResource(sessionID)
	}
	p, ok := s.Participant(userID)
	if !ok {
		return types.NewError(types.ErrNotFound, "participant not found").WithResource(userID)
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	m.removeParticipant(s, userID)
	m.logger.Info("participant left",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
	)
	return nil
}

// CloseSession tears down every participant connection and removes the
// session. Safe to call concurrently with in-flight message handling.
func (m *Manager) CloseSession(sessionID string) error {
	s, ok := m.sessions.load(sessionID)
	if !ok {
		return types.NewError(types.ErrNotFound, "session not found").WithResource(sessionID)
	}

	s.mu.Lock()
	conns := make([]transport.PeerConnection, 0, len(s.participants))
	for _, p := range s.participants {
		if p.conn != nil {
			conns = append(conns, p.conn)
		}
		p.ConnState = transport.StateClosed
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, conn := range conns {
		g.Go(conn.Close)
	}
	err := g.Wait()

	m.sessions.delete(sessionID)
	m.metrics.SetSessions(m.sessions.len())
	m.metrics.SetParticipants(m.totalParticipants())

	m.logger.Info("session closed", zap.String("session_id", sessionID))
	return err
}

func (m *Manager) removeParticipant(s *Session, userID string) {
	s.mu.Lock()
	delete(s.participants, userID)
	s.mu.Unlock()
	m.metrics.SetParticipants(m.totalParticipants())
}

func (m *Manager) totalParticipants() int {
	total := 0
	m.sessions.each(func(s *Session) {
		total += s.ParticipantCount()
	})
	return total
}

func (m *Manager) emit(event types.Event) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Emit(event); err != nil {
		m.logger.Warn("failed to emit event",
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}
