package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Bulk cleanup deletes are retried with a shorter policy than the auth write.
const (
	CleanupRetryAttempts = 3
	CleanupRetryDelay    = 500 * time.Millisecond
	CleanupPassTimeout   = 30 * time.Second
)

// Page-exit beacons run detached from the request that delivered them.
const BeaconTimeout = 10 * time.Second

// Rate limit window for the mobile completion and transfer endpoints
const CompleteRateLimitWindow = time.Minute
