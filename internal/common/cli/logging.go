package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/radar-lgpd/radar-telemetry/internal/common/constants"
)

// verbosityLevels maps the count of -v flags to a log level. Counts past the end log at debug.
var verbosityLevels = []slog.Level{constants.DefaultLogLevel, slog.LevelInfo}

// LogLevel returns the log level for a count of verbose flags.
func LogLevel(verbosity int) slog.Level {
	if verbosity <= 0 {
		return verbosityLevels[0]
	}
	if verbosity < len(verbosityLevels) {
		return verbosityLevels[verbosity]
	}
	return slog.LevelDebug
}

// SetVerbosity sets the level of the default text logger from a count of verbose flags.
func SetVerbosity(verbosity int) {
	slog.SetLogLoggerLevel(LogLevel(verbosity))
}

// SetSlog configures the default logger.
//
// JSON logs go to stdout and carry the service name and version on every record,
// so that they can be told apart once shipped. Text logs keep the standard logger output.
func SetSlog(verbosity int, jsonLogs bool) {
	if !jsonLogs {
		SetVerbosity(verbosity)
		return
	}
	slog.SetDefault(newJSONLogger(os.Stdout, LogLevel(verbosity)))
}

func newJSONLogger(w io.Writer, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	})
	return slog.New(h).With("service", constants.ServiceName, "version", constants.Version)
}
