package config

import "time"

// Timeout constants
const (
	// HTTP timeouts
	DefaultHTTPTimeout    = 60 * time.Second
	ScraperHTTPTimeout    = 10 * time.Second
	AIRequestTimeout      = 3 * time.Minute
	WorkerShutdownTimeout = 30 * time.Second
	CLICycleTimeout       = 10 * time.Minute

	// Database timeouts
	DatabaseConnMaxLifetime = 5 * time.Minute

	// Worker timeouts
	WorkerHeartbeatInterval  = 30 * time.Second
	WorkerTriggerThrottle    = 30 * time.Second
	WorkerPauseCheckInterval = 15 * time.Second

	// Validation circuit breaker
	ValidateBreakerThreshold = 5
	ValidateBreakerCooldown  = 30 * time.Second
)

// Logging constants
const (
	// NoActionPrefix marks cycle results where nothing had to change
	NoActionPrefix = "NOACTION:"
)
