package session

import (
	"context"
	"log"
	"sync"
	"time"
)

type sessionKey struct {
	userID string
	examID string
}

// Manager keeps one Controller per user and exam.
type Manager struct {
	mu          sync.Mutex
	store       Store
	sessions    map[sessionKey]*Controller
	idleTimeout time.Duration
	now         func() time.Time
}

// NewManager returns an empty registry. Sessions untouched for idleTimeout are
// dropped by Sweep; zero disables idle expiry.
func NewManager(store Store, idleTimeout time.Duration) *Manager {
	return &Manager{
		store:       store,
		sessions:    make(map[sessionKey]*Controller),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Start returns the live session for userID and examID, creating and loading
// one when none exists or the previous one is complete. The returned route is
// where the client should continue.
func (m *Manager) Start(ctx context.Context, userID, examID string) (*Controller, string, error) {
	key := sessionKey{userID, examID}

	m.mu.Lock()
	if c, ok := m.sessions[key]; ok && c.State() == InProgress {
		m.mu.Unlock()
		return c, c.ResumeRoute(), nil
	}
	m.mu.Unlock()

	c := NewController(userID, m.store)
	c.now = m.now
	route, err := c.Load(ctx, examID)
	if err != nil {
		return nil, "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[key]; ok {
		if existing.State() == InProgress {
			c.Close()
			return existing, existing.ResumeRoute(), nil
		}
		existing.Close()
	}
	m.sessions[key] = c
	return c, route, nil
}

// Get returns the session for userID and examID.
func (m *Manager) Get(userID, examID string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[sessionKey{userID, examID}]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// Abandon cancels and drops the session. It reports whether one existed.
func (m *Manager) Abandon(userID, examID string) bool {
	m.mu.Lock()
	c, ok := m.sessions[sessionKey{userID, examID}]
	delete(m.sessions, sessionKey{userID, examID})
	m.mu.Unlock()
	if ok {
		c.Close()
	}
	return ok
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep drops completed sessions and those idle past the timeout.
func (m *Manager) Sweep() int {
	var cutoff time.Time
	if m.idleTimeout > 0 {
		cutoff = m.now().Add(-m.idleTimeout)
	}

	m.mu.Lock()
	var drop []*Controller
	for k, c := range m.sessions {
		if c.State() == Complete || (!cutoff.IsZero() && c.IdleSince(cutoff)) {
			drop = append(drop, c)
			delete(m.sessions, k)
		}
	}
	m.mu.Unlock()

	for _, c := range drop {
		c.Close()
	}
	return len(drop)
}

// DefaultSweepInterval is used by Run when the configured interval is not positive.
const DefaultSweepInterval = time.Minute

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				log.Printf("[SESSION] dropped %d idle or completed sessions", n)
			}
		}
	}
}

// Close cancels every session timer.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[sessionKey]*Controller)
	m.mu.Unlock()
	for _, c := range sessions {
		c.Close()
	}
}
