package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Artifact describes one build step and its expected output.
type Artifact struct {
	Name    string // logical name, also the install name under the out dir
	Command string // build command, shell-aware
	Workdir string // directory the command runs in
	Output  string // expected output path after a successful build
	Bundle  bool   // directory bundle instead of a single binary
}

// Error is a fatal build failure pointing at the captured build output.
type Error struct {
	Artifact string
	LogPath  string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("build %s failed: %v (see %s)", e.Artifact, e.Err, e.LogPath)
}

func (e *Error) Unwrap() error { return e.Err }

// Coordinator runs build steps in sequence, verifies their outputs and
// installs them into the output directory. It owns the per-step build
// logs and the artifact copies; it aborts on the first failure without
// attempting partial recovery.
type Coordinator struct {
	OutDir    string
	LogDir    string
	Toolchain ToolchainPaths
	Logger    *slog.Logger
}

func NewCoordinator(outDir, logDir string, toolchain ToolchainPaths, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{OutDir: outDir, LogDir: logDir, Toolchain: toolchain, Logger: logger}
}

// LogPath returns the build-capture file for an artifact. It is truncated
// on each invocation, unlike service logs which only ever append.
func (c *Coordinator) LogPath(name string) string {
	return filepath.Join(c.LogDir, "build-"+name+".log")
}

// InstallPath returns where an artifact lands under the out dir.
func (c *Coordinator) InstallPath(a Artifact) string {
	return filepath.Join(c.OutDir, a.Name)
}

// Build runs every artifact's build step in order, then installs all of
// them. Any step failing (non-zero exit, or expected output missing
// afterward) aborts the whole build with an *Error naming the build log.
func (c *Coordinator) Build(ctx context.Context, artifacts []Artifact) error {
	for _, a := range artifacts {
		if err := c.buildOne(ctx, a); err != nil {
			return err
		}
	}
	for _, a := range artifacts {
		if err := c.install(a); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) buildOne(ctx context.Context, a Artifact) error {
	if err := os.MkdirAll(c.LogDir, 0o750); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logPath := c.LogPath(a.Name)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("open build log %s: %w", logPath, err)
	}
	defer func() { _ = logFile.Close() }()

	c.Logger.Info("building artifact", "artifact", a.Name, "command", a.Command)
	cmd := buildCommand(ctx, a.Command)
	cmd.Dir = a.Workdir
	cmd.Env = c.Toolchain.Environ()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Run(); err != nil {
		return &Error{Artifact: a.Name, LogPath: logPath, Err: err}
	}
	if _, err := os.Stat(a.Output); err != nil {
		return &Error{
			Artifact: a.Name,
			LogPath:  logPath,
			Err:      fmt.Errorf("expected output %s missing after build", a.Output),
		}
	}
	return nil
}

// install copies the artifact into the out dir. Bundle directories are
// replaced wholesale: old contents are removed first.
func (c *Coordinator) install(a Artifact) error {
	dst := c.InstallPath(a)
	if err := os.MkdirAll(c.OutDir, 0o750); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}
	if a.Bundle {
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("clear previous bundle %s: %w", dst, err)
		}
		if err := copyDir(a.Output, dst); err != nil {
			return fmt.Errorf("install bundle %s: %w", a.Name, err)
		}
	} else {
		if err := copyFile(a.Output, dst); err != nil {
			return fmt.Errorf("install binary %s: %w", a.Name, err)
		}
	}
	c.Logger.Info("installed artifact", "artifact", a.Name, "path", dst)
	return nil
}
