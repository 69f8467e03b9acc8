package main

import (
	"context"
	"fmt"

	"github.com/openclaw/autoconnect/internal/config"
	"github.com/openclaw/autoconnect/internal/database"
	"github.com/openclaw/autoconnect/internal/redis"
	"github.com/openclaw/autoconnect/internal/repository"
)

// openSessionRepository builds the configured backend. The returned close
// function is always safe to call.
func openSessionRepository(
	ctx context.Context,
	cfg *config.Config,
	redisClient *redis.Client,
) (repository.LinkSessionRepository, func(), error) {
	noop := func() {}

	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		return repository.NewMemoryLinkSessionRepository(), noop, nil

	case config.StoreBackendRedis:
		if redisClient == nil {
			return nil, noop, fmt.Errorf("redis backend requires REDIS_URL")
		}
		return repository.NewRedisLinkSessionRepository(redisClient.Client), noop, nil

	case config.StoreBackendPostgres:
		return openSQL(ctx, database.DriverPostgres, cfg.DatabaseURL)

	case config.StoreBackendSQLite:
		return openSQL(ctx, database.DriverSQLite, cfg.SQLitePath)

	default:
		return nil, noop, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func openSQL(ctx context.Context, driver, dsn string) (repository.LinkSessionRepository, func(), error) {
	db, err := database.Connect(driver, dsn)
	if err != nil {
		return nil, func() {}, fmt.Errorf("connect %s: %w", driver, err)
	}
	closeDB := func() { db.Close() }

	pingCtx, cancel := context.WithTimeout(ctx, config.DBPingTimeout)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		closeDB()
		return nil, func() {}, fmt.Errorf("ping %s: %w", driver, err)
	}

	if err := db.EnsureSchema(ctx); err != nil {
		closeDB()
		return nil, func() {}, fmt.Errorf("ensure schema: %w", err)
	}

	return repository.NewSQLLinkSessionRepository(db.DB), closeDB, nil
}
