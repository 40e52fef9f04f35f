package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global logger from the app section. Every entry
// carries the service name and environment so events from several processes
// can share one sink.
func InitLogger(app AppConfig) {
	logLevel, err := zerolog.ParseLevel(strings.ToLower(app.LogLevel))
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer = os.Stdout
	if app.LogFormat == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).With().Timestamp().Caller()
	if app.Name != "" {
		ctx = ctx.Str("service", strings.ToLower(app.Name))
	}
	if app.Environment != "" {
		ctx = ctx.Str("env", app.Environment)
	}
	log.Logger = ctx.Logger()

	log.Info().
		Str("level", logLevel.String()).
		Str("format", app.LogFormat).
		Msg("Logger initialized")
}

// NewLogger creates a logger tagged with a component name
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// NewSessionLogger creates a logger scoped to one auto-trading session
func NewSessionLogger(sessionID, symbol string) zerolog.Logger {
	return log.With().
		Str("component", "autotrader").
		Str("session_id", sessionID).
		Str("symbol", symbol).
		Logger()
}
