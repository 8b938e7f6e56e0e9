package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meetlite/signaling/internal/models"
)

// MemoryStore is an in-process Store for single-node deployments
// without Redis, and for tests. Retention is enforced by an expiry
// check on Load plus a periodic sweep, mirroring the TTL the redis
// store gets for free.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	ttl      time.Duration
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *MemoryStore) expired(session *models.Session) bool {
	return s.now().Sub(session.CreatedAt) >= s.ttl
}

func (s *MemoryStore) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *session
	s.sessions[session.SessionID] = &dup
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok || s.expired(session) {
		return nil, ErrSessionNotFound
	}
	// Return a copy so the caller's mutations only land via Save.
	dup := *session
	dup.Participants = append([]models.Participant(nil), session.Participants...)
	dup.Chat = append([]models.ChatMessage(nil), session.Chat...)
	return &dup, nil
}

func (s *MemoryStore) Save(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[session.SessionID]; ok && s.expired(existing) {
		delete(s.sessions, session.SessionID)
		return ErrSessionNotFound
	}
	dup := *session
	dup.Participants = append([]models.Participant(nil), session.Participants...)
	dup.Chat = append([]models.ChatMessage(nil), session.Chat...)
	s.sessions[session.SessionID] = &dup
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, session := range s.sessions {
		if s.expired(session) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on an interval until ctx is done.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					log.Debug().Int("removed", n).Msg("session sweep")
				}
			}
		}
	}()
}
