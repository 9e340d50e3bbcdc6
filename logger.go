package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Standard field keys for structured logging.
const (
	KeyLoss           = "loss"
	KeyLossWeight     = "loss_weight"
	KeyThreshold      = "threshold"
	KeyShape          = "shape"
	KeyGroups         = "groups"
	KeyMaskedFraction = "masked_fraction"
	KeyMaxAbsDiff     = "max_abs_diff"
	KeyDuration       = "duration"
	KeyPath           = "path"
	KeyError          = "error"
)

// InitLogger builds a slog.Logger from cfg and installs it as the default.
// The returned closer releases the log file, if any; it is never nil.
func InitLogger(cfg LoggingConfig) (*slog.Logger, io.Closer, error) {
	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)

	switch strings.ToLower(cfg.Output) {
	case "stdout":
		out = os.Stdout
	case "stderr", "":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
		}
		out, closer = f, f
	}

	logger := newLogger(out, cfg.Level, cfg.Format)
	slog.SetDefault(logger)
	return logger, closer, nil
}

// newLogger returns a logger writing to w. Unknown levels fall back to INFO
// and unknown formats to text.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
