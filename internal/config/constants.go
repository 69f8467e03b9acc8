package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 10
	DBMaxIdleConns    = 2
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Remote link API
const (
	LinkAPIRequestTimeout = 10 * time.Second
	LinkAPIMaxBodyBytes   = 64 << 10
)

// Persistence
const (
	DBPingTimeout    = 5 * time.Second
	StoreOpTimeout   = 5 * time.Second
	ClientCookieName = "link_client"
	ClientCookieTTL  = 30 * 24 * time.Hour
)

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Controllers idle in a terminal state longer than this are evicted
const ControllerIdleTTL = 30 * time.Minute

// Event subscriber buffer per SSE client
const EventBufferSize = 32
