package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Stats struct {
	Connected int `json:"connected"`
	Workers   int `json:"workers"`
	Observers int `json:"observers"`
	Idle      int `json:"idle"`
	Busy      int `json:"busy"`
}

// Manager is the session registry. It owns the live-session map; nothing
// else mutates session state.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	log.Info().Str("session_id", s.ID).Str("client", string(s.Client)).
		Int("total", len(m.sessions)).Msg("session registered")
}

func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	log.Info().Str("session_id", id).Int("total", len(m.sessions)).Msg("session deregistered")
}

func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Touch records inbound activity on a session.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastActivity = time.Now().UTC()
		s.MessageCount++
	}
}

func (m *Manager) SetBusy(id, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.State = StateBusy
		s.CurrentJobID = jobID
	}
}

func (m *Manager) SetIdle(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.State = StateIdle
		s.CurrentJobID = ""
	}
}

// ReportDone marks a session idle after it reported a job outcome.
func (m *Manager) ReportDone(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.State = StateIdle
		s.CurrentJobID = ""
		s.JobsReported++
	}
}

// NextIdleWorker picks an idle worker session, oldest connection first so
// dispatch stays roughly fair.
func (m *Manager) NextIdleWorker() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Session
	for _, s := range m.sessions {
		if s.Client != ClientWorker || s.State != StateIdle {
			continue
		}
		if best == nil || s.ConnectedAt.Before(best.ConnectedAt) {
			best = s
		}
	}
	if best == nil {
		return Session{}, false
	}
	return *best, true
}

// List returns session snapshots ordered by connection time.
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Connected: len(m.sessions)}
	for _, s := range m.sessions {
		switch s.Client {
		case ClientWorker:
			stats.Workers++
		case ClientObserver:
			stats.Observers++
		}
		switch s.State {
		case StateIdle:
			stats.Idle++
		case StateBusy:
			stats.Busy++
		}
	}
	return stats
}
