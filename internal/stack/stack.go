package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/axonstack/axonctl/internal/build"
	"github.com/axonstack/axonctl/internal/config"
	"github.com/axonstack/axonctl/internal/history"
	"github.com/axonstack/axonctl/internal/launcher"
	"github.com/axonstack/axonctl/internal/registry"
)

// ServiceNames lists the known backend services in start order.
var ServiceNames = []string{"axon", "cortex"}

const dashboardName = "dashboard"

// ServiceStatus is one row of the status report.
type ServiceStatus struct {
	Name    string
	Running bool
	PID     int
}

// Status is the full read-only stack report.
type Status struct {
	Services      []ServiceStatus
	BundlePresent bool
	BundlePath    string
}

// Orchestrator implements the CLI verbs over the build coordinator,
// launcher and registry. All state lives in the registry's marker files
// and on disk; every invocation is transient.
type Orchestrator struct {
	cfg      *config.Config
	reg      *registry.Registry
	coord    *build.Coordinator
	launcher *launcher.Launcher
	store    history.Store // nil when history is disabled or unavailable
	logger   *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	outDir := cfg.Build.OutDir
	logDir := filepath.Join(outDir, "logs")
	toolchain := build.ToolchainPaths(cfg.Build.ToolchainPaths)
	reg := registry.New(outDir, logger)

	o := &Orchestrator{
		cfg:      cfg,
		reg:      reg,
		coord:    build.NewCoordinator(outDir, logDir, toolchain, logger),
		launcher: launcher.New(reg, toolchain, logger),
		logger:   logger,
	}
	if cfg.History.Enabled {
		dsn := cfg.History.DSN
		if dsn == "" {
			dsn = filepath.Join(outDir, "history.db")
		}
		if err := os.MkdirAll(outDir, 0o750); err == nil {
			store, err := history.NewSQLite(dsn)
			if err != nil {
				logger.Warn("lifecycle history unavailable", "dsn", dsn, "error", err)
			} else {
				o.store = store
			}
		}
	}
	return o
}

// Close releases the history store.
func (o *Orchestrator) Close() {
	if o.store != nil {
		_ = o.store.Close()
	}
}

// record appends a history event, best-effort.
func (o *Orchestrator) record(service string, action history.Action, pid int, detail string) {
	if o.store == nil {
		return
	}
	e := history.Event{OccurredAt: time.Now(), Service: service, Action: action, PID: pid, Detail: detail}
	if err := o.store.Append(context.Background(), e); err != nil {
		o.logger.Warn("history write failed", "error", err)
	}
}

func (o *Orchestrator) outDir() string { return o.cfg.Build.OutDir }

func (o *Orchestrator) logDir() string { return filepath.Join(o.outDir(), "logs") }

// BundleDir is where the built dashboard lands.
func (o *Orchestrator) BundleDir() string { return filepath.Join(o.outDir(), dashboardName) }

// LogPath returns the combined service log location.
func (o *Orchestrator) LogPath(service string) string {
	return filepath.Join(o.logDir(), service+".log")
}

func (o *Orchestrator) serviceConfig(name string) (config.ServiceConfig, error) {
	switch name {
	case "axon":
		return o.cfg.Axon, nil
	case "cortex":
		return o.cfg.Cortex, nil
	}
	return config.ServiceConfig{}, fmt.Errorf("unknown service %q (want axon or cortex)", name)
}

// installPath is the launched binary location; it doubles as the cmdline
// pattern for orphan sweeps and daemonized-PID resolution.
func (o *Orchestrator) installPath(service string) string {
	return filepath.Join(o.outDir(), service)
}

func (o *Orchestrator) descriptor(name string) (launcher.Descriptor, error) {
	sc, err := o.serviceConfig(name)
	if err != nil {
		return launcher.Descriptor{}, err
	}
	return launcher.Descriptor{
		Name:          name,
		ExecPath:      o.installPath(name),
		Workdir:       o.outDir(),
		Args:          sc.Args,
		HealthURL:     sc.HealthURL(),
		ProbeInterval: sc.ProbeInterval,
		ProbeAttempts: sc.ProbeAttempts,
		SettleDelay:   sc.SettleDelay,
		LogPath:       o.LogPath(name),
		MatchPattern:  o.installPath(name),
	}, nil
}

func (o *Orchestrator) artifacts() []build.Artifact {
	ax := o.cfg.Axon
	cx := o.cfg.Cortex
	return []build.Artifact{
		{Name: "axon", Command: ax.BuildCommand, Workdir: ax.BuildWorkdir, Output: ax.ArtifactPath},
		{Name: "cortex", Command: cx.BuildCommand, Workdir: cx.BuildWorkdir, Output: cx.ArtifactPath},
		o.dashboardArtifact(),
	}
}

func (o *Orchestrator) dashboardArtifact() build.Artifact {
	b := o.cfg.Build
	return build.Artifact{
		Name:    dashboardName,
		Command: b.DashboardCommand,
		Workdir: b.DashboardWorkdir,
		Output:  b.DashboardDist,
		Bundle:  true,
	}
}

// resolveServices expands a CLI service argument ("", "all", or a name)
// into the list of services to act on.
func (o *Orchestrator) resolveServices(which string) ([]string, error) {
	if which == "" || which == "all" {
		return ServiceNames, nil
	}
	if _, err := o.serviceConfig(which); err != nil {
		return nil, err
	}
	return []string{which}, nil
}

// Build builds every artifact. If any service is live, the stack is
// stopped first and the previously running services are started again
// after a successful build. A failed build leaves the stack down.
func (o *Orchestrator) Build(ctx context.Context) error {
	var wasRunning []string
	for _, s := range ServiceNames {
		if o.reg.IsRunning(s) {
			wasRunning = append(wasRunning, s)
		}
	}
	if len(wasRunning) > 0 {
		o.logger.Info("services running, stopping for rebuild", "services", wasRunning)
		if err := o.Stop(ctx); err != nil {
			return err
		}
	}
	if err := o.coord.Build(ctx, o.artifacts()); err != nil {
		return err
	}
	for _, a := range o.artifacts() {
		o.record(a.Name, history.ActionBuilt, 0, "")
	}
	if len(wasRunning) > 0 {
		time.Sleep(o.cfg.RestartWait)
		return o.startServices(ctx, wasRunning)
	}
	return nil
}

// Start launches the requested service(s). Already-live services are
// skipped. The dashboard bundle is built first when absent. One slow or
// failed service does not block the others; hard launch failures are
// joined and returned after every service had its chance.
func (o *Orchestrator) Start(ctx context.Context, which string) error {
	services, err := o.resolveServices(which)
	if err != nil {
		return err
	}
	if _, err := os.Stat(o.BundleDir()); os.IsNotExist(err) {
		o.logger.Info("dashboard bundle absent, building it first")
		if err := o.RebuildDashboard(ctx); err != nil {
			return err
		}
	}
	return o.startServices(ctx, services)
}

func (o *Orchestrator) startServices(ctx context.Context, services []string) error {
	var errs []error
	for i, name := range services {
		if i > 0 {
			time.Sleep(o.cfg.StartStagger)
		}
		if o.reg.IsRunning(name) {
			o.logger.Info("service already running, skipping", "service", name)
			continue
		}
		d, err := o.descriptor(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res, err := o.launcher.Start(ctx, d)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			o.logger.Error("launch failed", "service", name, "error", err)
			errs = append(errs, err)
			continue
		}
		switch res.State {
		case launcher.StateReady:
			o.record(name, history.ActionStarted, res.PID, "")
		case launcher.StateDegraded:
			o.record(name, history.ActionDegraded, res.PID,
				fmt.Sprintf("probe budget exhausted after %d attempts", res.Attempts))
		}
	}
	return errors.Join(errs...)
}

// Stop stops every tracked service, then sweeps orphans matching the
// service launch commands. Idempotent: a fully stopped stack is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	// Snapshot the tracked PIDs before the markers are deleted so the
	// sweep below can exclude them.
	tracked := o.reg.TrackedPIDs(ServiceNames)
	for _, name := range ServiceNames {
		sc, _ := o.serviceConfig(name)
		rec, ok, _ := o.reg.Read(name)
		wasLive := o.reg.IsRunning(name)
		if err := o.reg.Remove(name, sc.StopWait); err != nil {
			return err
		}
		if wasLive && ok {
			o.record(name, history.ActionStopped, rec.PID, "")
		}
	}
	for _, name := range ServiceNames {
		swept, err := o.reg.SweepOrphans(o.installPath(name), tracked)
		if err != nil {
			o.logger.Warn("orphan sweep failed", "service", name, "error", err)
			continue
		}
		for _, pid := range swept {
			o.record(name, history.ActionSwept, pid, "untracked process matched launch command")
		}
	}
	return ctx.Err()
}

// Restart is stop, a fixed pause, then start.
func (o *Orchestrator) Restart(ctx context.Context, which string) error {
	services, err := o.resolveServices(which)
	if err != nil {
		return err
	}
	for _, name := range services {
		sc, _ := o.serviceConfig(name)
		rec, ok, _ := o.reg.Read(name)
		wasLive := o.reg.IsRunning(name)
		if err := o.reg.Remove(name, sc.StopWait); err != nil {
			return err
		}
		if wasLive && ok {
			o.record(name, history.ActionStopped, rec.PID, "")
		}
	}
	time.Sleep(o.cfg.RestartWait)
	return o.startServices(ctx, services)
}

// CurrentStatus reports per-service liveness and bundle presence without
// any state transitions (stale markers are still reconciled on read).
func (o *Orchestrator) CurrentStatus() Status {
	st := Status{BundlePath: o.BundleDir()}
	for _, name := range ServiceNames {
		row := ServiceStatus{Name: name}
		if o.reg.IsRunning(name) {
			row.Running = true
			if rec, ok, err := o.reg.Read(name); err == nil && ok {
				row.PID = rec.PID
			}
		}
		st.Services = append(st.Services, row)
	}
	if fi, err := os.Stat(st.BundlePath); err == nil && fi.IsDir() {
		st.BundlePresent = true
	}
	return st
}

// RebuildDashboard rebuilds only the frontend bundle and swaps it into
// the out dir. Backend services are untouched.
func (o *Orchestrator) RebuildDashboard(ctx context.Context) error {
	if err := o.coord.Build(ctx, []build.Artifact{o.dashboardArtifact()}); err != nil {
		return err
	}
	o.record(dashboardName, history.ActionBuilt, 0, "")
	return nil
}

// Clean stops everything and removes both the output directory
// (artifacts, bundle, marker files, logs, history database) and the
// build products the build tools left in the source tree.
func (o *Orchestrator) Clean(ctx context.Context) error {
	if err := o.Stop(ctx); err != nil {
		return err
	}
	o.record("", history.ActionCleaned, 0, o.outDir())
	o.Close()
	o.store = nil
	if err := os.RemoveAll(o.outDir()); err != nil {
		return fmt.Errorf("remove output dir: %w", err)
	}
	for _, name := range ServiceNames {
		sc, _ := o.serviceConfig(name)
		if sc.ArtifactPath == "" {
			continue
		}
		if err := os.Remove(sc.ArtifactPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove build artifact %s: %w", sc.ArtifactPath, err)
		}
	}
	if dist := o.cfg.Build.DashboardDist; dist != "" {
		if err := os.RemoveAll(dist); err != nil {
			return fmt.Errorf("remove dashboard dist %s: %w", dist, err)
		}
	}
	return nil
}

// History returns the most recent lifecycle events.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]history.Event, error) {
	if o.store == nil {
		return nil, errors.New("lifecycle history is disabled")
	}
	return o.store.Recent(ctx, limit)
}
