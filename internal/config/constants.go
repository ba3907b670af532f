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

// Credential lifetimes. An access token is treated as expired once it is
// within TokenSafetyMargin of its recorded expiry.
const (
	TokenSafetyMargin = 5 * time.Minute
	CredentialTTL     = 30 * 24 * time.Hour
	PairingCodeTTL    = 5 * time.Minute
)

// Pairing completion polling
const (
	PairingPollInterval = 2 * time.Second
	PairingWaitTimeout  = 5 * time.Minute
)

// Vision relay tuning
const (
	FrameCaptureInterval = 3 * time.Second
	ReconnectBackoffBase = 1 * time.Second
	ReconnectBackoffCap  = 30 * time.Second
	MaxReconnectAttempts = 10
)

// Chat relay display update throttle
const DisplayThrottle = 200 * time.Millisecond

// Backend HTTP client timeout for non-streaming calls
const BackendRequestTimeout = 30 * time.Second

// Turn log retention
const (
	TurnLogRetention   = 30 * 24 * time.Hour
	CleanupJobInterval = 1 * time.Hour
)
