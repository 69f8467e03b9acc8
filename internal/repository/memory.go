package repository

import (
	"context"
	"sync"
	"time"

	"github.com/openclaw/autoconnect/internal/model"
)

type memoryLinkSessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]model.LinkSession
}

// NewMemoryLinkSessionRepository keeps sessions in process memory. State
// survives controller restarts but not process restarts.
func NewMemoryLinkSessionRepository() LinkSessionRepository {
	return &memoryLinkSessionRepo{sessions: make(map[string]model.LinkSession)}
}

func (r *memoryLinkSessionRepo) Save(ctx context.Context, ownerKey string, session *model.LinkSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[ownerKey] = session.Clone()
	return nil
}

func (r *memoryLinkSessionRepo) Load(ctx context.Context, ownerKey string) (*model.LinkSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[ownerKey]
	if !ok || !time.Now().Before(recordExpiry(&s)) {
		return nil, nil
	}
	out := s.Clone()
	return &out, nil
}

func (r *memoryLinkSessionRepo) Delete(ctx context.Context, ownerKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, ownerKey)
	return nil
}

func (r *memoryLinkSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var count int64
	for key, s := range r.sessions {
		if !now.Before(recordExpiry(&s)) {
			delete(r.sessions, key)
			count++
		}
	}
	return count, nil
}
