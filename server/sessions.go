package server

import (
	"sync"
	"time"

	"github.com/chazu/parley/vm"
)

// Session is one player's conversation: a Dialogue owned by a worker.
type Session struct {
	ID      string
	Name    string
	Created time.Time

	worker       *DialogueWorker
	closeStorage func() error
	lastUsed     time.Time
}

// SessionStore manages dialogue sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates a new session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Add starts a worker for d and registers it as a session named after the
// dialogue's ID. closeStorage, if not nil, runs when the session ends.
func (s *SessionStore) Add(name string, d *vm.Dialogue, closeStorage func() error) *Session {
	now := time.Now()
	session := &Session{
		ID:           d.ID(),
		Name:         name,
		Created:      now,
		worker:       NewDialogueWorker(d),
		closeStorage: closeStorage,
		lastUsed:     now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return session
}

// Get retrieves a session by ID and marks it used.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if ok {
		session.lastUsed = time.Now()
	}
	return session, ok
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Destroy removes a session and stops its worker.
func (s *SessionStore) Destroy(id string) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		session.close()
	}
	return ok
}

// DestroyAll ends every session.
func (s *SessionStore) DestroyAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, session := range sessions {
		session.close()
	}
}

func (session *Session) close() {
	session.worker.Stop()
	if session.closeStorage != nil {
		if err := session.closeStorage(); err != nil {
			log.Warningf("session %s: closing storage: %s", session.ID, err)
		}
	}
}

// Sweep removes sessions that haven't been used within the TTL.
func (s *SessionStore) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	var expired []*Session
	for id, session := range s.sessions {
		if session.lastUsed.Before(cutoff) {
			expired = append(expired, session)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, session := range expired {
		log.Infof("session %s expired", session.ID)
		session.close()
	}
	return len(expired)
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *SessionStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
