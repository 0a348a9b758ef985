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

// Delivery worker tuning
const (
	WorkerPollInterval = 5 * time.Second
	WorkerClaimLease   = 2 * time.Minute
	RetryBackoffBase   = 30 * time.Second
)

// Rate limiting for webhook endpoints
const WebhookRateLimitPerMin = 120
