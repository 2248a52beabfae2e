// Package axonctl exposes the stack controller for embedding: load a
// config, create a Controller, call the same operations the CLI verbs
// use. State lives entirely in the output directory; every Controller is
// invocation-scoped.
package axonctl

import (
	"context"
	"io"
	"log/slog"

	"github.com/axonstack/axonctl/internal/config"
	"github.com/axonstack/axonctl/internal/history"
	"github.com/axonstack/axonctl/internal/stack"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type ServiceConfig = config.ServiceConfig

type Status = stack.Status

type ServiceStatus = stack.ServiceStatus

type Event = history.Event

// ServiceNames lists the managed services in start order.
var ServiceNames = stack.ServiceNames

// LoadConfig reads the TOML config at path, substituting defaults for
// anything missing. It never fails.
func LoadConfig(path string, logger *slog.Logger) *Config {
	return config.Load(path, logger)
}

// Controller is a thin facade over the internal orchestrator.
type Controller struct{ inner *stack.Orchestrator }

func New(cfg *Config, logger *slog.Logger) *Controller {
	return &Controller{inner: stack.New(cfg, logger)}
}

func (c *Controller) Build(ctx context.Context) error { return c.inner.Build(ctx) }
func (c *Controller) Start(ctx context.Context, which string) error {
	return c.inner.Start(ctx, which)
}
func (c *Controller) Stop(ctx context.Context) error { return c.inner.Stop(ctx) }
func (c *Controller) Restart(ctx context.Context, which string) error {
	return c.inner.Restart(ctx, which)
}
func (c *Controller) RebuildDashboard(ctx context.Context) error {
	return c.inner.RebuildDashboard(ctx)
}
func (c *Controller) Clean(ctx context.Context) error { return c.inner.Clean(ctx) }
func (c *Controller) CurrentStatus() Status           { return c.inner.CurrentStatus() }
func (c *Controller) TailLog(ctx context.Context, service string, w io.Writer, follow bool) error {
	return c.inner.TailLog(ctx, service, w, follow)
}
func (c *Controller) History(ctx context.Context, limit int) ([]Event, error) {
	return c.inner.History(ctx, limit)
}
func (c *Controller) Close() { c.inner.Close() }
