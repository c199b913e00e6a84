package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"log/slog"

	"github.com/l0p7/tourvista/internal/config"
)

// ParseLevel maps a configured level name onto slog.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unsupported level %q", value)
	}
}

// New builds the process logger writing to stdout. When level is non-nil it
// is set from cfg and shared with the handler so later config reloads can
// re-level the running logger.
func New(cfg config.LoggingConfig, level *slog.LevelVar) (*slog.Logger, error) {
	return newWithWriter(os.Stdout, cfg, level)
}

func newWithWriter(w io.Writer, cfg config.LoggingConfig, level *slog.LevelVar) (*slog.Logger, error) {
	parsed, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if level == nil {
		level = new(slog.LevelVar)
	}
	level.Set(parsed)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json", "":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}

	return slog.New(handler).With(slog.String("component", "tourvista")), nil
}
