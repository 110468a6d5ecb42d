// Package session keeps the process-local login sessions of the HTTP API.
//
// A session is created on login and identified by a random token. Sessions
// live in memory only; a restart logs everybody out. Expired sessions are
// dropped lazily on access and by [Manager.Sweep].
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the lifetime of a session when none is configured.
const DefaultTTL = 12 * time.Hour

// ErrNotFound is returned for unknown or expired tokens.
var ErrNotFound = errors.New("session: not found")

// Session is a snapshot of one login session.
type Session struct {
	Token     string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time

	// RecordDuration is the recording length last chosen in the UI. It is
	// presentation state and never reaches the pipeline.
	RecordDuration time.Duration
}

// Option configures a [Manager].
type Option func(*Manager)

// WithTTL sets the session lifetime. Non-positive values are ignored.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithClock replaces time.Now. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager issues and resolves session tokens. It is safe for concurrent use.
type Manager struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		ttl:      DefaultTTL,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create starts a new session for userID.
func (m *Manager) Create(userID string) Session {
	now := m.now()
	s := &Session{
		Token:     uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[s.Token] = s
	m.mu.Unlock()
	return *s
}

// Get resolves token. Expired sessions are removed and reported as
// [ErrNotFound].
func (m *Manager) Get(token string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(token)
	if err != nil {
		return Session{}, err
	}
	return *s, nil
}

// Delete ends the session. Unknown tokens are ignored.
func (m *Manager) Delete(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}

// SetRecordDuration remembers the recording length chosen in the UI.
func (m *Manager) SetRecordDuration(token string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(token)
	if err != nil {
		return err
	}
	s.RecordDuration = d
	return nil
}

// Sweep removes all expired sessions and returns how many were dropped.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for token, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, token)
			n++
		}
	}
	return n
}

// Len returns the number of stored sessions, including expired ones that
// have not been swept yet.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// lookup must be called with m.mu held.
func (m *Manager) lookup(token string) (*Session, error) {
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	if !m.now().Before(s.ExpiresAt) {
		delete(m.sessions, token)
		return nil, ErrNotFound
	}
	return s, nil
}
