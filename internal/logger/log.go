// Package logger configures the process-wide zerolog logger.
package logger

import (
	"io"
	stdlog "log"
	"os"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/darkden-lab/quakewatch/internal/config"
)

// Init installs the global logger for cfg and routes the standard library
// logger through it. Call it once at startup, before building components.
func Init(cfg *config.Config) {
	var w io.Writer = os.Stdout
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	zlog.Logger = New(cfg, w)

	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New builds a logger writing to w, tagged with the service name and the
// host it runs on.
func New(cfg *config.Config, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	instance, err := os.Hostname()
	if err != nil {
		instance = "unknown"
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", instance).
		Logger()
}
