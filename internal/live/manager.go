package live

import (
	"sort"
	"sync"

	"github.com/sessionwatch/sessionwatch/internal/event"
)

// Ended sessions stay queryable for a while after they finish. The
// archive is bounded; the oldest entry is evicted first.
const endedArchiveLimit = 64

// Manager routes events to live sessions by session id and archives
// ended ones. Safe for concurrent use; reads take a shared lock, session
// add and remove take an exclusive one.
type Manager struct {
	mu         sync.RWMutex
	cfg        Config
	sessions   map[string]*Session
	ended      map[string]*Session
	endedOrder []string
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		ended:    make(map[string]*Session),
	}
}

// GetOrCreate returns the live session with the given id, creating it if
// needed. The project slug is recorded only at creation.
func (m *Manager) GetOrCreate(sessionID, projectSlug string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s
	}
	s := NewSession(sessionID, projectSlug, m.cfg)
	m.sessions[sessionID] = s
	return s
}

// Get returns the live session with the given id, if tracked.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Active returns a snapshot of the live sessions, ordered by id.
func (m *Manager) Active() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Ingest routes one event to its session, creating the session on first
// sight and archiving it on session_end. It returns the events to
// deliver, exactly as Session.Ingest does.
func (m *Manager) Ingest(ev event.Event) []event.Event {
	sid := ev.Session()
	if sid == "" {
		return []event.Event{ev}
	}

	switch e := ev.(type) {
	case *event.SessionStart:
		m.GetOrCreate(sid, e.ProjectSlug)
		return []event.Event{ev}
	case *event.SessionEnd:
		m.End(sid)
		return []event.Event{ev}
	}

	return m.GetOrCreate(sid, "").Ingest(ev)
}

// End moves a session from active to the ended archive. It reports
// whether the session was tracked.
func (m *Manager) End(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(m.sessions, sessionID)

	m.ended[sessionID] = s
	m.endedOrder = append(m.endedOrder, sessionID)
	if len(m.endedOrder) > endedArchiveLimit {
		oldest := m.endedOrder[0]
		m.endedOrder = m.endedOrder[1:]
		delete(m.ended, oldest)
	}
	return s, true
}

// Ended returns an archived session by id.
func (m *Manager) Ended(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.ended[sessionID]
	return s, ok
}

// EndedCount returns the number of archived sessions.
func (m *Manager) EndedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ended)
}

// ClearEnded drops the archive and returns how many sessions it held.
func (m *Manager) ClearEnded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.ended)
	m.ended = make(map[string]*Session)
	m.endedOrder = nil
	return n
}
