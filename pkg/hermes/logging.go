package hermes

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatAuto = "auto"
	FormatJSON = "json"
	FormatText = "text"
)

type LogConfig struct {
	Level  string
	Format string
	// FilePath, when set, receives a copy of every record, rotated by size.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	// Stderr defaults to os.Stderr. Stdout belongs to the sandboxed command.
	Stderr io.Writer
}

// NewLogger builds the process logger. The returned closer flushes the log file.
func NewLogger(cfg LogConfig) (*slog.Logger, func() error, error) {
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	writers := []io.Writer{stderr}
	closeFn := func() error { return nil }

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
		}
		writers = append(writers, rotator)
		closeFn = rotator.Close
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	out := io.MultiWriter(writers...)

	var handler slog.Handler
	if resolveFormat(cfg.Format, stderr) == FormatText {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), closeFn, nil
}

// resolveFormat picks text for an interactive terminal and JSON otherwise.
func resolveFormat(format string, w io.Writer) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON:
		return FormatJSON
	case FormatText:
		return FormatText
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return FormatText
	}
	return FormatJSON
}

func ParseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
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

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
