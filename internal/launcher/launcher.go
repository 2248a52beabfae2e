package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/axonstack/axonctl/internal/build"
	"github.com/axonstack/axonctl/internal/detector"
	"github.com/axonstack/axonctl/internal/health"
	"github.com/axonstack/axonctl/internal/registry"
)

// Descriptor is the immutable launch recipe for one service, assembled
// from config plus fixed conventions at controller startup.
type Descriptor struct {
	Name          string
	ExecPath      string
	Workdir       string
	Args          []string
	HealthURL     string
	ProbeInterval time.Duration
	ProbeAttempts int
	SettleDelay   time.Duration
	LogPath       string
	MatchPattern  string // cmdline substring identifying the real server process
}

// State classifies a launch outcome.
type State string

const (
	StateReady    State = "ready"    // probe succeeded
	StateDegraded State = "degraded" // recorded, but probe budget exhausted
)

// Result reports a completed (non-failed) launch.
type Result struct {
	State    State
	PID      int
	Attempts int
}

// ErrArtifactMissing is the launch precondition failure: the service
// binary has not been built.
type ErrArtifactMissing struct {
	Service string
	Path    string
}

func (e *ErrArtifactMissing) Error() string {
	return fmt.Sprintf("%s binary not found at %s, run \"axonctl build\" first", e.Service, e.Path)
}

// Launcher spawns services as detached processes and hands successful
// launches to the registry. It exclusively owns service log creation and
// marker writes.
type Launcher struct {
	Registry  *registry.Registry
	Toolchain build.ToolchainPaths
	Logger    *slog.Logger
}

func New(reg *registry.Registry, toolchain build.ToolchainPaths, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{Registry: reg, Toolchain: toolchain, Logger: logger}
}

// Start launches the service described by d and waits for readiness.
// The spawned process gets its own process group and is never waited on
// for completion; it outlives the controller. Probe exhaustion is a
// degraded outcome, not an error: the PID is still recorded so status
// and stop keep working.
func (l *Launcher) Start(ctx context.Context, d Descriptor) (Result, error) {
	if _, err := os.Stat(d.ExecPath); err != nil {
		return Result{}, &ErrArtifactMissing{Service: d.Name, Path: d.ExecPath}
	}

	if err := os.MkdirAll(filepath.Dir(d.LogPath), 0o750); err != nil {
		return Result{}, fmt.Errorf("create log dir: %w", err)
	}
	// Combined stdout+stderr, append-only. The controller never truncates
	// service logs.
	logFile, err := os.OpenFile(d.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return Result{}, fmt.Errorf("open service log %s: %w", d.LogPath, err)
	}

	// #nosec G204
	cmd := exec.Command(d.ExecPath, d.Args...)
	cmd.Dir = d.Workdir
	cmd.Env = l.Toolchain.Environ()
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachedSysProcAttr()

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return Result{}, fmt.Errorf("spawn %s: %w (logs: %s)", d.Name, err, d.LogPath)
	}
	childPID := cmd.Process.Pid
	_ = logFile.Close() // child holds its own handle
	// Reap in the background if the child exits while we are still around;
	// the goroutine is abandoned at controller exit.
	go func() { _ = cmd.Wait() }()

	l.Logger.Info("spawned service", "service", d.Name, "pid", childPID, "log", d.LogPath)

	// Settle before the first probe so an instant crash shows up in logs.
	select {
	case <-time.After(d.SettleDelay):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	probe := health.New(d.HealthURL, d.ProbeInterval, d.ProbeAttempts)
	attempts, probeErr := probe.Wait(ctx)
	if probeErr != nil && ctx.Err() != nil {
		return Result{}, probeErr
	}

	pid := l.resolvePID(d, childPID)
	if err := l.Registry.Record(d.Name, pid); err != nil {
		return Result{}, err
	}

	if probeErr != nil {
		l.Logger.Warn("service not ready within probe budget",
			"service", d.Name, "pid", pid, "attempts", attempts, "log", d.LogPath)
		return Result{State: StateDegraded, PID: pid, Attempts: attempts}, nil
	}
	l.Logger.Info("service ready", "service", d.Name, "pid", pid, "attempts", attempts)
	return Result{State: StateReady, PID: pid, Attempts: attempts}, nil
}

// resolvePID finds the effective server process. The immediate child is
// usually it, but some binaries daemonize and the child we spawned is
// gone by the time the probe passes; fall back to a structured
// process-table lookup by command-line pattern.
func (l *Launcher) resolvePID(d Descriptor, childPID int) int {
	if detector.PidAlive(childPID) {
		return childPID
	}
	if d.MatchPattern != "" {
		if pids, err := detector.FindByCmdline(d.MatchPattern, nil, os.Getpid()); err == nil && len(pids) > 0 {
			return pids[0]
		}
	}
	return childPID
}
