package app

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/discussroom/internal/config"
)

// NewLogger builds the root logger from LOG_LEVEL and LOG_FORMAT. An
// unknown level falls back to info.
func NewLogger(cfg config.Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "discussroom").Logger()
}
