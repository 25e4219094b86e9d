package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaflik/hass-sampler/internal/config"
)

// Setup configures the global zerolog logger from cfg and returns it.
// Format "json" writes structured lines, anything else uses the console writer.
func Setup(cfg config.LoggingConfig, version string) zerolog.Logger {
	log.Logger = New(os.Stderr, cfg).With().Str("version", version).Logger()
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	return log.Logger
}

// New creates a logger writing to out.
func New(out io.Writer, cfg config.LoggingConfig) zerolog.Logger {
	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// ParseLevel converts a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}
