// Package sessions holds in-memory conversation state. Sessions live for
// the process lifetime only; the desktop shell re-establishes context on
// restart.
package sessions

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

const (
	// DefaultMaxTurns caps a single session's turn history.
	DefaultMaxTurns = 100

	// DefaultMaxSessions caps how many sessions are retained before the
	// oldest is evicted.
	DefaultMaxSessions = 100
)

// Manager stores conversation sessions keyed by id. Both caps evict FIFO:
// the oldest turn within a session, the oldest session across the manager.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session
	order       []string // creation order, oldest first
	maxTurns    int
	maxSessions int
}

// NewManager creates a session manager whose sessions each hold at most
// maxTurns conversation turns. A non-positive maxTurns uses DefaultMaxTurns.
func NewManager(maxTurns int) *Manager {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Manager{
		sessions:    make(map[string]*models.Session),
		maxTurns:    maxTurns,
		maxSessions: DefaultMaxSessions,
	}
}

// GetOrCreate returns a copy of the session for id, creating it if absent.
func (m *Manager) GetOrCreate(id string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[id]; ok {
		return snapshot(sess)
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:        id,
		Context:   make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[id] = sess
	m.order = append(m.order, id)
	m.evictLocked()
	return snapshot(sess)
}

// Get returns a copy of the session, or nil if absent.
func (m *Manager) Get(id string) *models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil
	}
	return snapshot(sess)
}

// AppendTurn records one conversation turn and updates the session's
// inference context (merged request context plus LastTaskID).
func (m *Manager) AppendTurn(id string, turn models.SessionTurn, reqContext map[string]any, lastTaskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		now := time.Now().UTC()
		sess = &models.Session{ID: id, Context: make(map[string]any), CreatedAt: now}
		m.sessions[id] = sess
		m.order = append(m.order, id)
		m.evictLocked()
		if _, still := m.sessions[id]; !still {
			return
		}
	}

	sess.Turns = append(sess.Turns, turn)
	if len(sess.Turns) > m.maxTurns {
		// Copy so the evicted prefix does not pin the backing array.
		sess.Turns = append([]models.SessionTurn(nil), sess.Turns[len(sess.Turns)-m.maxTurns:]...)
	}
	for k, v := range reqContext {
		sess.Context[k] = v
	}
	if lastTaskID != "" {
		sess.LastTaskID = lastTaskID
	}
	sess.UpdatedAt = time.Now().UTC()
}

// Len returns the number of retained sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Delete removes a session.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return
	}
	delete(m.sessions, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictLocked() {
	for len(m.sessions) > m.maxSessions && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.sessions, oldest)
		log.Debug().Str("session_id", oldest).Int("cap", m.maxSessions).Msg("session evicted")
	}
}

// snapshot copies a session so callers cannot mutate shared state.
func snapshot(sess *models.Session) *models.Session {
	cp := *sess
	cp.Turns = append([]models.SessionTurn(nil), sess.Turns...)
	cp.Context = make(map[string]any, len(sess.Context))
	for k, v := range sess.Context {
		cp.Context[k] = v
	}
	return &cp
}
