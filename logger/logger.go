package logger

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Configure the global logger: minimum level, and the service name added to every entry
func Setup(minimumLogLevel, serviceName string) {
	zerolog.SetGlobalLevel(ParseLevel(minimumLogLevel))

	// Identify application with logger property
	log.Logger = log.With().Str("service", serviceName).Logger()
}

func ParseLevel(minimumLogLevel string) zerolog.Level {
	switch minimumLogLevel {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
