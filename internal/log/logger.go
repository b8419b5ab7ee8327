// Package log owns the process-wide zerolog logger and hands out component loggers.
package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Field names shared across components.
const (
	FieldComponent    = "component"
	FieldStream       = "stream"
	FieldSubscription = "subscription"
	FieldProvider     = "provider"
	FieldConsumer     = "consumer"
	FieldMessageType  = "msg_type"
	FieldSource       = "source"
	FieldOldState     = "old_state"
	FieldNewState     = "new_state"
)

// Config captures options for configuring the base logger.
type Config struct {
	Level   string    // optional level name ("debug", "info", ...)
	Output  io.Writer // defaults to os.Stderr
	Service string    // attached to every entry
	Console bool      // human-readable output instead of JSON
}

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stderr).With().Timestamp().Str("service", "aisbus").Logger()
)

// Configure replaces the base logger. Loggers derived earlier keep their old sink.
func Configure(cfg Config) {
	level := zerolog.InfoLevel
	name := strings.TrimSpace(cfg.Level)
	if name == "" {
		name = os.Getenv("AISBUS_LOG_LEVEL")
	}
	if name != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(name)); err == nil {
			level = parsed
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	writer := cfg.Output
	if writer == nil {
		writer = os.Stderr
	}
	if cfg.Console {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = "aisbus"
	}

	logger := zerolog.New(writer).Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()

	mu.Lock()
	base = logger
	mu.Unlock()
}

// Base returns the configured base logger.
func Base() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WithComponent returns a child logger annotated with the component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str(FieldComponent, component).Logger()
}

// Derive attaches arbitrary fields to a child logger.
func Derive(build func(*zerolog.Context)) zerolog.Logger {
	ctx := Base().With()
	if build != nil {
		build(&ctx)
	}
	return ctx.Logger()
}
