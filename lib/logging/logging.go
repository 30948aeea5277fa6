// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the process logger from configuration.
//
// Output goes to stderr, or to a size-rotated file when a path is
// configured. In auto format, stderr on a terminal gets
// slog.TextHandler for human-readable output and anything else gets
// slog.JSONHandler so log collectors can parse it.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dcphub/dcphub/lib/config"
)

// New creates a logger for cfg. The returned close function flushes and
// closes the log file, if any, and must be called on shutdown.
func New(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	options := &slog.HandlerOptions{Level: level}

	var writer io.Writer = os.Stderr
	closer := func() error { return nil }
	terminal := term.IsTerminal(int(os.Stderr.Fd()))

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("logging: creating log directory: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writer = rotating
		closer = rotating.Close
		terminal = false
	}

	return slog.New(newHandler(writer, cfg.Format, terminal, options)), closer, nil
}

func newHandler(writer io.Writer, format string, terminal bool, options *slog.HandlerOptions) slog.Handler {
	switch format {
	case "text":
		return slog.NewTextHandler(writer, options)
	case "json":
		return slog.NewJSONHandler(writer, options)
	}
	if terminal {
		return slog.NewTextHandler(writer, options)
	}
	return slog.NewJSONHandler(writer, options)
}

// ParseLevel maps a configured level name to a slog level. An empty
// name is info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging: unknown level %q", name)
}

// NewCommandLogger creates the logger for operator tool commands:
// text on a terminal, JSON when stderr is piped.
func NewCommandLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}
	return slog.New(newHandler(os.Stderr, "auto", term.IsTerminal(int(os.Stderr.Fd())), options))
}
