// Package session maintains multi-participant swarm sessions over peer
// connections and routes typed messages between participants.
package session

import (
	"sync"
	"time"

	"github.com/BaSui01/swarmlink/transport"
)

// Config configures a swarm session.
type Config struct {
	MaxParticipants int  `yaml:"max_participants" json:"max_participants"`
	EnableVetoes    bool `yaml:"enable_vetoes" json:"enable_vetoes"`
	EnableA2A       bool `yaml:"enable_a2a" json:"enable_a2a"`
}

// DefaultConfig returns session defaults.
func DefaultConfig() Config {
	return Config{
		MaxParticipants: 8,
		EnableVetoes:    true,
		EnableA2A:       true,
	}
}

// Participant is a member of a swarm session. ConnState never regresses
// from closed.
type Participant struct {
	UserID      string                    `json:"user_id"`
	DisplayName string                    `json:"display_name"`
	ConnState   transport.ConnectionState `json:"connection_state"`
	JoinedAt    time.Time                 `json:"joined_at"`

	conn transport.PeerConnection
}

// Conn exposes the participant's peer connection; nil for the local host.
func (p *Participant) Conn() transport.PeerConnection { return p.conn }

// Task is an entry in a session's active task set.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	AssignedTo  string    `json:"assigned_to,omitempty"`
	AddedBy     string    `json:"added_by,omitempty"`
	AddedAt     time.Time `json:"added_at"`
}

// Session is one swarm of participants. Its maps are mutated only through
// Manager methods under the session mutex.
type Session struct {
	mu sync.Mutex

	ID           string
	HostUserID   string
	Config       Config
	CreatedAt    time.Time
	LastActivity time.Time

	participants map[string]*Participant
	activeTasks  map[string]Task
	vetoes       map[string]VetoRequest

	// Shared state snapshot merged last-writer-wins by message timestamp.
	state      map[string]any
	stateClock map[string]time.Time

	// One lock per message type: handlers for a type run to completion
	// before the next message of that type.
	typeLocks map[MessageType]*sync.Mutex
}

func newSession(id, hostUserID string, config Config) *Session {
	now := time.Now()
	s := &Session{
		ID:           id,
		HostUserID:   hostUserID,
		Config:       config,
		CreatedAt:    now,
		LastActivity: now,
		participants: make(map[string]*Participant),
		activeTasks:  make(map[string]Task),
		vetoes:       make(map[string]VetoRequest),
		state:        make(map[string]any),
		stateClock:   make(map[string]time.Time),
		typeLocks:    make(map[MessageType]*sync.Mutex),
	}
	for _, t := range []MessageType{MessageTask, MessageVeto, MessageA2A, MessageHandoff, MessageState} {
		s.typeLocks[t] = &sync.Mutex{}
	}
	return s
}

// typeLock returns the serialization lock for a message type.
func (s *Session) typeLock(t MessageType) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.typeLocks[t]
	if !ok {
		lock = &sync.Mutex{}
		s.typeLocks[t] = lock
	}
	return lock
}

// ParticipantCount returns the current number of participants.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// Participant returns the participant with the given user id.
func (s *Session) Participant(userID string) (*Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	return p, ok
}

// Participants returns a snapshot of participant user ids.
func (s *Session) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	return ids
}

// ActiveTask returns the active task with the given id.
func (s *Session) ActiveTask(taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.activeTasks[taskID]
	return t, ok
}

// ActiveTaskCount returns the number of active tasks.
func (s *Session) ActiveTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeTasks)
}

// StateValue returns a merged shared-state entry.
func (s *Session) StateValue(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	return v, ok
}

// touch records session activity.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = time.Now()
}

// connStateRank orders the new → connecting → connected → {disconnected,
// closed} progression so the mirror never walks backwards.
func connStateRank(state transport.ConnectionState) int {
	switch state {
	case transport.StateNew:
		return 0
	case transport.StateConnecting:
		return 1
	case transport.StateConnected:
		return 2
	case transport.StateDisconnected:
		return 3
	case transport.StateClosed:
		return 4
	}
	return -1
}

// setConnState applies a participant state change. Transitions only move
// forward: a late or reordered callback cannot regress a connected
// participant, and closed is terminal.
func (s *Session) setConnState(userID string, state transport.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	if !ok {
		return
	}
	if connStateRank(state) <= connStateRank(p.ConnState) {
		return
	}
	p.ConnState = state
}
