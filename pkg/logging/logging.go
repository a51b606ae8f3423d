// Package logging builds the zerolog loggers used by the vdsm-reg binaries.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/vdsm-reg/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Bootstrap installs a console logger before any config has been read. Level
// and format come from VDSM_REG_LOG_LEVEL / VDSM_REG_LOG_FORMAT.
func Bootstrap() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := parseLevel(os.Getenv("VDSM_REG_LOG_LEVEL"))
	format := strings.ToLower(strings.TrimSpace(os.Getenv("VDSM_REG_LOG_FORMAT")))

	logger := New(os.Stderr, format == "json").Level(level)
	install(logger, level)
	return logger
}

// Apply rebuilds the logger from the logger_conf settings. The returned closer
// releases the log file, if one was opened.
func Apply(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Level)

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return log.Logger, closer, err
		}
		out, closer = f, f
	}

	logger := New(out, cfg.JSON || cfg.File != "").Level(level)
	install(logger, level)
	return logger, closer, nil
}

// New returns a timestamped logger writing JSON or human-readable lines to w.
func New(w io.Writer, json bool) zerolog.Logger {
	if json {
		return zerolog.New(w).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}

func parseLevel(raw string) zerolog.Level {
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw))); err == nil && raw != "" {
		return parsed
	}
	return zerolog.InfoLevel
}

func install(logger zerolog.Logger, level zerolog.Level) {
	log.Logger = logger
	zerolog.SetGlobalLevel(level)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
