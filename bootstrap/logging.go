package bootstrap

import (
	"io"
	"log/slog"
	"os"

	"github.com/pkg/errors"

	"github.com/najoast/skein/config"
)

// Logger is a slog logger whose level can be changed while running.
type Logger struct {
	*slog.Logger
	Level *slog.LevelVar

	closer io.Closer
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// NewLogger builds a logger from the log section. Output is "stdout",
// "stderr" or a file path opened for append.
func NewLogger(cfg config.LogConfig) (*Logger, error) {
	var (
		out    io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "open log output %s", cfg.Output)
		}
		out, closer = f, f
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Level.SlogLevel())
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{Logger: slog.New(handler), Level: level, closer: closer}, nil
}
