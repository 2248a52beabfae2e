package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for the controller's own log file.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where the controller writes its own structured log.
// Service logs are separate plain append-only files owned by the launcher;
// rotation here applies only to the controller log.
type Config struct {
	FilePath   string // optional rotating copy of the controller log
	Level      slog.Level
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a *slog.Logger writing colored text to stderr and, when
// FilePath is set, an uncolored copy to a size-rotated file.
func New(c Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level}
	console := NewColorTextHandler(os.Stderr, opts)
	if c.FilePath == "" {
		return slog.New(console)
	}
	_ = os.MkdirAll(filepath.Dir(c.FilePath), 0o750)
	fileW := &lj.Logger{
		Filename:   c.FilePath,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	return slog.New(teeHandler{console, slog.NewTextHandler(fileW, opts)})
}

// teeHandler fans a record out to both handlers.
type teeHandler struct {
	a, b slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return t.a.Enabled(ctx, l) || t.b.Enabled(ctx, l)
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	err := t.a.Handle(ctx, r.Clone())
	if err2 := t.b.Handle(ctx, r); err == nil {
		err = err2
	}
	return err
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{t.a.WithAttrs(attrs), t.b.WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{t.a.WithGroup(name), t.b.WithGroup(name)}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
