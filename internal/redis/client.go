package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/openclaw/autoconnect/internal/config"
)

// Client wraps the go-redis client shared by the session store, the rate
// limiter and the event broker.
type Client struct {
	*redis.Client
}

// NewClient connects to redisURL and fails fast when the server does not
// answer a ping.
func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, config.DBPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

// SessionKey is where a caller's link session lives.
func SessionKey(ownerKey string) string {
	return "linksession:" + ownerKey
}

// EventChannel carries a caller's link events between server instances.
func EventChannel(ownerKey string) string {
	return "linkevents:" + ownerKey
}
