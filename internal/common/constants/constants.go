// Package constants is responsible for defining the constants used in the application.
package constants

import "log/slog"

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// ServiceName is the name reported by the health endpoint.
	ServiceName = "radar-telemetry-service"

	// CmdName is the name of the telemetry service command.
	// It is also the prefix of the environment variables read by the service.
	CmdName = "radar-telemetry-service"

	// DefaultLogLevel is the log level used when no verbosity flag is given.
	DefaultLogLevel = slog.LevelWarn
)

// Rate limiting defaults.
const (
	// DefaultRateLimitRequests is the number of requests a client may issue per window.
	DefaultRateLimitRequests = 100

	// DefaultRateLimitCacheSize is the maximum number of tracked clients.
	DefaultRateLimitCacheSize = 100_000
)
