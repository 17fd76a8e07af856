package session

import "sync"

// syncSessionMap is a mutex-guarded session registry.
type syncSessionMap struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func (m *syncSessionMap) store(id string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	m.sessions[id] = s
}

func (m *syncSessionMap) load(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *syncSessionMap) delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *syncSessionMap) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *syncSessionMap) each(fn func(*Session)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		fn(s)
	}
}
