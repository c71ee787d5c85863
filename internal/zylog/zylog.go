// Package zylog wires up structured logging the way cmd/sand's CLI did,
// generalised for a long-lived daemon: JSON slog records written through a
// rotating lumberjack writer, with an optional dimmed-ANSI mirror to a TTY
// for interactive debugging.
package zylog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config mirrors the CLI flags cmd/sand exposed for LogFile/LogLevel,
// extended with rotation knobs.
type Config struct {
	LogFile    string
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// MirrorToTTY additionally writes a dimmed human-readable line to
	// Stderr for every record, if Stderr is a terminal.
	MirrorToTTY bool
}

func levelFromString(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init creates the rotating log file, installs it as the slog default
// handler, and returns a closer. It panics on unrecoverable setup failure,
// matching the teacher's initSlog, since a daemon with no working log
// sink has no sensible degraded mode.
func Init(cfg Config) func() error {
	if cfg.LogFile == "" {
		f, err := os.CreateTemp("", "zypak-sandbox-log")
		if err != nil {
			panic(fmt.Errorf("zylog: creating fallback log file: %w", err))
		}
		cfg.LogFile = f.Name()
		f.Close()
	} else if dir := filepath.Dir(cfg.LogFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			panic(fmt.Errorf("zylog: creating log directory %s: %w", dir, err))
		}
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    nonZero(cfg.MaxSizeMB, 64),
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	var w io.Writer = rotator
	if cfg.MirrorToTTY && term.IsTerminal(int(os.Stderr.Fd())) {
		w = io.MultiWriter(rotator, &dimWriter{out: os.Stderr})
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: levelFromString(cfg.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("zylog initialized", "file", cfg.LogFile, "level", cfg.Level)

	return rotator.Close
}

func nonZero(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// dimWriter renders each JSON record as a single dimmed ANSI line, echoing
// the teacher's terminalMessenger "\033[90m...\033[0m" convention.
type dimWriter struct {
	out io.Writer
}

func (d *dimWriter) Write(p []byte) (int, error) {
	fmt.Fprintf(d.out, "\033[90m%s\033[0m", p)
	return len(p), nil
}
