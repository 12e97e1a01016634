package gameclient

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the client's root logger from the configured level and
// format. "pretty" is console output for development; "json" and "text"
// both emit structured JSON suitable for log shippers.
func NewLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if format == "pretty" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
