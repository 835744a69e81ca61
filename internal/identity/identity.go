// Package identity is the seam to the external session/identity store.
// The lobby engine only ever consumes the lookup result and the yes/no
// admin outcome; the store behind the interface is someone else's
// problem.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/StealthOrc/cult-pardy-sub000/internal/domain"
)

var ErrSessionNotFound = errors.New("user session not found")

// Store resolves a user session id to its session record.
type Store interface {
	FindSession(ctx context.Context, id domain.UserSessionID) (*domain.UserSession, error)
}

// AdminChecker answers whether the account behind a session is an
// administrator. Callers re-verify per privileged action and never
// cache the answer.
type AdminChecker interface {
	IsAdmin(ctx context.Context, id domain.UserSessionID) (bool, error)
}

// MemoryStore is the in-process implementation backing both interfaces.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[domain.UserSessionID]*domain.UserSession
	admins   map[domain.UserSessionID]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[domain.UserSessionID]*domain.UserSession),
		admins:   make(map[domain.UserSessionID]bool),
	}
}

func (s *MemoryStore) FindSession(_ context.Context, id domain.UserSessionID) (*domain.UserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) IsAdmin(_ context.Context, id domain.UserSessionID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admins[id], nil
}

func (s *MemoryStore) Put(sess *domain.UserSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
}

// GetOrCreate returns the session for id, creating a guest session when
// none exists yet. The HTTP front door calls this for fresh cookies.
func (s *MemoryStore) GetOrCreate(id domain.UserSessionID) *domain.UserSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		cp := *sess
		return &cp
	}
	sess := &domain.UserSession{ID: id, Username: "guest"}
	s.sessions[id] = sess
	log.Info().Str("module", "identity").Str("user", string(id)).Msg("created guest session")
	cp := *sess
	return &cp
}

// GrantAdmin marks the session's account as administrator.
func (s *MemoryStore) GrantAdmin(id domain.UserSessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins[id] = true
}
