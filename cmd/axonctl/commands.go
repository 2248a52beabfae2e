package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/axonstack/axonctl/internal/config"
	"github.com/axonstack/axonctl/internal/lock"
	"github.com/axonstack/axonctl/internal/logger"
	"github.com/axonstack/axonctl/internal/stack"
)

// command carries the CLI flags into the verb implementations.
type command struct {
	flags *GlobalFlags
}

// setup loads config and constructs the orchestrator. Config problems
// never abort: the loader warns and falls back to defaults.
func (c command) setup() (*stack.Orchestrator, *config.Config) {
	level := slog.LevelInfo
	if c.flags.Verbose {
		level = slog.LevelDebug
	}
	bootLog := logger.New(logger.Config{Level: level})
	cfg := config.Load(c.flags.ConfigPath, bootLog)

	lg := bootLog
	if cfg.Log.File != "" {
		lg = logger.New(logger.Config{FilePath: cfg.Log.File, Level: parseLevel(cfg.Log.Level, level)})
	}
	return stack.New(cfg, lg), cfg
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return fallback
	}
	return l
}

// withLock runs fn while holding the runtime-dir lock. State-mutating
// verbs go through here; read-only verbs call the orchestrator directly.
func withLock(outDir string, fn func() error) error {
	l, err := lock.Acquire(outDir)
	if err != nil {
		return err
	}
	defer func() { _ = l.Release() }()
	return fn()
}

func (c command) Build(ctx context.Context) error {
	o, cfg := c.setup()
	defer o.Close()
	return withLock(cfg.Build.OutDir, func() error { return o.Build(ctx) })
}

func (c command) Start(ctx context.Context, which string) error {
	o, cfg := c.setup()
	defer o.Close()
	return withLock(cfg.Build.OutDir, func() error { return o.Start(ctx, which) })
}

func (c command) Stop(ctx context.Context) error {
	o, cfg := c.setup()
	defer o.Close()
	return withLock(cfg.Build.OutDir, func() error { return o.Stop(ctx) })
}

func (c command) Restart(ctx context.Context, which string) error {
	o, cfg := c.setup()
	defer o.Close()
	return withLock(cfg.Build.OutDir, func() error { return o.Restart(ctx, which) })
}

func (c command) RebuildDashboard(ctx context.Context) error {
	o, cfg := c.setup()
	defer o.Close()
	return withLock(cfg.Build.OutDir, func() error { return o.RebuildDashboard(ctx) })
}

func (c command) Clean(ctx context.Context) error {
	o, cfg := c.setup()
	defer o.Close()
	return withLock(cfg.Build.OutDir, func() error { return o.Clean(ctx) })
}

func (c command) Status(w io.Writer) error {
	o, _ := c.setup()
	defer o.Close()
	st := o.CurrentStatus()
	for _, s := range st.Services {
		if s.Running {
			_, _ = fmt.Fprintf(w, "%-10s running (pid %d)\n", s.Name, s.PID)
		} else {
			_, _ = fmt.Fprintf(w, "%-10s stopped\n", s.Name)
		}
	}
	if st.BundlePresent {
		_, _ = fmt.Fprintf(w, "%-10s present (%s)\n", "dashboard", st.BundlePath)
	} else {
		_, _ = fmt.Fprintf(w, "%-10s absent\n", "dashboard")
	}
	return nil
}

func (c command) Logs(ctx context.Context, service string, w io.Writer) error {
	o, _ := c.setup()
	defer o.Close()
	return o.TailLog(ctx, service, w, true)
}

func (c command) History(ctx context.Context, limit int, w io.Writer) error {
	o, _ := c.setup()
	defer o.Close()
	events, err := o.History(ctx, limit)
	if err != nil {
		return err
	}
	for _, e := range events {
		name := e.Service
		if name == "" {
			name = "-"
		}
		_, _ = fmt.Fprintf(w, "%s  %-10s %-9s pid=%-7d %s\n",
			e.OccurredAt.Local().Format("2006-01-02 15:04:05"), name, e.Action, e.PID, e.Detail)
	}
	return nil
}
