package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/spindle/internal/decode"
	"github.com/samcharles93/spindle/internal/medusa"
	"github.com/samcharles93/spindle/internal/tree"
)

// Session is one conversation bound to its own decode states. Requests on
// a session are serialized by mu.
type Session struct {
	ID        string
	Mode      string
	CreatedAt time.Time

	mu     sync.Mutex
	target *decode.State
	draft  *decode.State
	gen    *decode.Generator

	draftLength int
	tree        *tree.Spec
	heads       []medusa.Head

	history []int32
	turns   int
	last    any
}

func (s *Session) snapshot() SessionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionResponse{
		ID:          s.ID,
		Object:      "session",
		CreatedAt:   s.CreatedAt.Unix(),
		Mode:        s.Mode,
		Turns:       s.turns,
		History:     len(s.history),
		Confirmed:   s.target.Confirmed(),
		Remaining:   s.target.Remaining(),
		Width:       s.target.Width(),
		CacheLength: s.target.CacheLength(),
		State:       s.target.Stats(),
		Last:        s.last,
	}
}

type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
	}
}

func (s *SessionStore) Save(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func newSessionID() string {
	return "sess_" + uuid.NewString()
}

func newGenerationID() string {
	return "gen_" + uuid.NewString()
}
