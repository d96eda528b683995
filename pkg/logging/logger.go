// Package logging provides structured logging configuration and utilities.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polisai/packetflow/pkg/domain"
	"github.com/polisai/packetflow/pkg/engine"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Pretty bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

func (c Config) output() io.Writer {
	if c.Output != nil {
		return c.Output
	}
	return os.Stderr
}

// ParseLevel maps debug, info, warn and error to slog levels. Unknown values are
// treated as info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the component logger: text output when Pretty, JSON otherwise.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if cfg.Pretty {
		return slog.New(slog.NewTextHandler(cfg.output(), opts))
	}
	return slog.New(slog.NewJSONHandler(cfg.output(), opts))
}

// NewEventLogger builds the zerolog logger used to stream runtime events.
func NewEventLogger(cfg Config) zerolog.Logger {
	output := cfg.output()
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// Setup installs the process-wide slog default and zerolog global logger and
// returns the slog logger.
func Setup(cfg Config) *slog.Logger {
	logger := NewLogger(cfg)
	slog.SetDefault(logger)
	log.Logger = NewEventLogger(cfg)
	return logger
}

// EventObserver streams runtime events through logger. Processing and output
// events are logged at debug, warnings at warn with the error taxonomy fields.
func EventObserver(logger zerolog.Logger) engine.Observer {
	return func(event engine.Event) {
		var entry *zerolog.Event
		if event.Kind == engine.EventWarning {
			entry = logger.Warn()
		} else {
			entry = logger.Debug()
		}
		if !entry.Enabled() {
			return
		}

		entry = entry.Str("event", string(event.Kind)).Str("node_id", event.NodeID)
		if event.Packet != nil {
			entry = entry.Strs("ports", event.Packet.Ports())
			if origin, ok := event.Packet.Origin(); ok {
				entry = entry.Str("origin", origin)
			}
		}

		var execErr *domain.ExecutionError
		if errors.As(event.Err, &execErr) {
			entry = entry.Str("kind", string(execErr.Kind))
			if execErr.Service != "" {
				entry = entry.Str("service", execErr.Service)
			}
			if execErr.Kind == domain.KindFailedGuard {
				entry = entry.Int("guard_index", execErr.GuardIndex)
			}
		}
		if event.Err != nil {
			entry = entry.Err(event.Err)
		}

		entry.Msg("flow event")
	}
}
