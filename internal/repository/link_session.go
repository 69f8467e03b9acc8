package repository

import (
	"context"
	"time"

	"github.com/openclaw/autoconnect/internal/model"
)

// Sessions that have not been issued a code yet carry no expiry of their own.
const unissuedSessionTTL = time.Hour

// LinkSessionRepository persists one link session per owner key.
type LinkSessionRepository interface {
	Save(ctx context.Context, ownerKey string, session *model.LinkSession) error
	Load(ctx context.Context, ownerKey string) (*model.LinkSession, error)
	Delete(ctx context.Context, ownerKey string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// SessionStore is the single-record view a controller works against.
type SessionStore interface {
	Save(ctx context.Context, session *model.LinkSession) error
	Load(ctx context.Context) (*model.LinkSession, error)
	Clear(ctx context.Context) error
}

type scopedStore struct {
	repo     LinkSessionRepository
	ownerKey string
}

// ForOwner binds a repository to one caller's record.
func ForOwner(repo LinkSessionRepository, ownerKey string) SessionStore {
	return &scopedStore{repo: repo, ownerKey: ownerKey}
}

func (s *scopedStore) Save(ctx context.Context, session *model.LinkSession) error {
	return s.repo.Save(ctx, s.ownerKey, session)
}

func (s *scopedStore) Load(ctx context.Context) (*model.LinkSession, error) {
	return s.repo.Load(ctx, s.ownerKey)
}

func (s *scopedStore) Clear(ctx context.Context) error {
	return s.repo.Delete(ctx, s.ownerKey)
}

// recordExpiry is the instant after which a stored record is worthless.
func recordExpiry(session *model.LinkSession) time.Time {
	if !session.ExpiresAt.IsZero() {
		return session.ExpiresAt
	}
	base := session.UpdatedAt
	if base.IsZero() {
		base = time.Now()
	}
	return base.Add(unissuedSessionTTL)
}
