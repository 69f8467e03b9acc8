package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openclaw/autoconnect/internal/model"
	redisclient "github.com/openclaw/autoconnect/internal/redis"
)

type redisLinkSessionRepo struct {
	client *redis.Client
}

// NewRedisLinkSessionRepository stores each session as a JSON string whose
// key expires together with the session itself.
func NewRedisLinkSessionRepository(client *redis.Client) LinkSessionRepository {
	return &redisLinkSessionRepo{client: client}
}

func (r *redisLinkSessionRepo) Save(ctx context.Context, ownerKey string, session *model.LinkSession) error {
	ttl := time.Until(recordExpiry(session))
	key := redisclient.SessionKey(ownerKey)
	if ttl <= 0 {
		return r.client.Del(ctx, key).Err()
	}

	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

func (r *redisLinkSessionRepo) Load(ctx context.Context, ownerKey string) (*model.LinkSession, error) {
	data, err := r.client.Get(ctx, redisclient.SessionKey(ownerKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(data)
}

func (r *redisLinkSessionRepo) Delete(ctx context.Context, ownerKey string) error {
	return r.client.Del(ctx, redisclient.SessionKey(ownerKey)).Err()
}

// DeleteExpired is a no-op: redis evicts keys on their own TTL.
func (r *redisLinkSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	return 0, nil
}
