package main

import (
	"context"
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/openclaw/autoconnect/internal/config"
	"github.com/openclaw/autoconnect/internal/database"
	"github.com/openclaw/autoconnect/internal/repository"
)

type localConfig struct {
	SQLitePath string `env:"SQLITE_PATH" envDefault:"autoconnect.db"`
}

// resolveDBPath prefers the --db flag over the environment.
func resolveDBPath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	var cfg localConfig
	if err := env.Parse(&cfg); err != nil {
		return "", fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg.SQLitePath, nil
}

func openLocalStore(ctx context.Context, path string) (repository.SessionStore, func(), error) {
	db, err := database.Connect(database.DriverSQLite, path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}

	schemaCtx, cancel := context.WithTimeout(ctx, config.DBPingTimeout)
	defer cancel()
	if err := db.EnsureSchema(schemaCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}

	repo := repository.NewSQLLinkSessionRepository(db.DB)
	return repository.ForOwner(repo, localOwner), func() { db.Close() }, nil
}
