//go:build !windows

package stack

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/axonstack/axonctl/internal/config"
	"github.com/axonstack/axonctl/internal/detector"
	"github.com/axonstack/axonctl/internal/launcher"
)

// okServer is a health endpoint that always reports ready.
func okServer(t *testing.T) (host string, port int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return hostPort(t, srv.URL)
}

func failServer(t *testing.T) (host string, port int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return hostPort(t, srv.URL)
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return u.Hostname(), port
}

// testConfig builds a config whose "build" steps fabricate tiny shell
// scripts standing in for the real binaries, and whose health endpoints
// are test servers.
func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	src := filepath.Join(dir, "src")
	if err := os.MkdirAll(src, 0o750); err != nil {
		t.Fatalf("mkdir src: %v", err)
	}
	dist := filepath.Join(src, "dist")

	svc := func(name string) config.ServiceConfig {
		artifact := filepath.Join(src, name+"-bin")
		return config.ServiceConfig{
			Host:          "127.0.0.1",
			Port:          1, // overridden per test
			HealthPath:    "/",
			ProbeAttempts: 3,
			ProbeInterval: 10 * time.Millisecond,
			SettleDelay:   10 * time.Millisecond,
			StopWait:      2 * time.Second,
			BuildCommand:  "sh -c 'printf \"#!/bin/sh\\nsleep 30\\n\" > " + artifact + " && chmod +x " + artifact + "'",
			BuildWorkdir:  src,
			ArtifactPath:  artifact,
		}
	}
	return &config.Config{
		Axon:         svc("axon"),
		Cortex:       svc("cortex"),
		RestartWait:  10 * time.Millisecond,
		StartStagger: 10 * time.Millisecond,
		Build: config.BuildConfig{
			OutDir:           filepath.Join(dir, "out"),
			DashboardCommand: "sh -c 'mkdir -p " + dist + " && echo dash > " + dist + "/index.html'",
			DashboardWorkdir: src,
			DashboardDist:    dist,
		},
		History: config.HistoryConfig{Enabled: false},
	}
}

func newOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	o := New(cfg, nil)
	t.Cleanup(func() {
		_ = o.Stop(context.Background())
		o.Close()
	})
	return o
}

// safeBuffer is a bytes.Buffer safe for a writer and reader on
// different goroutines.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func running(st Status, name string) (bool, int) {
	for _, s := range st.Services {
		if s.Name == name {
			return s.Running, s.PID
		}
	}
	return false, 0
}

func TestRoundTripBuildStartStatusStop(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	host, port := okServer(t)
	cfg.Axon.Host, cfg.Axon.Port = host, port
	cfg.Cortex.Host, cfg.Cortex.Port = host, port
	o := newOrchestrator(t, cfg)
	ctx := context.Background()

	if err := o.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := o.Start(ctx, "all"); err != nil {
		t.Fatalf("start: %v", err)
	}

	st := o.CurrentStatus()
	if !st.BundlePresent {
		t.Fatalf("bundle should be present after build")
	}
	for _, name := range ServiceNames {
		ok, pid := running(st, name)
		if !ok || pid <= 0 {
			t.Fatalf("%s should be running with a pid, got %v/%d", name, ok, pid)
		}
	}

	if err := o.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st = o.CurrentStatus()
	for _, name := range ServiceNames {
		if ok, _ := running(st, name); ok {
			t.Fatalf("%s should be stopped", name)
		}
	}
}

func TestStopIdempotentOnEmptyStack(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	o := newOrchestrator(t, cfg)

	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("stop on empty stack: %v", err)
	}
	// No marker files may appear as a side effect.
	for _, name := range ServiceNames {
		if _, err := os.Stat(filepath.Join(cfg.Build.OutDir, name+".pid")); !os.IsNotExist(err) {
			t.Fatalf("stop created a marker for %s", name)
		}
	}
}

func TestStaleRecordReconciliation(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	o := newOrchestrator(t, cfg)

	if err := os.MkdirAll(cfg.Build.OutDir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	marker := filepath.Join(cfg.Build.OutDir, "axon.pid")
	if err := os.WriteFile(marker, []byte("999999999\n"), 0o600); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	st := o.CurrentStatus()
	if ok, _ := running(st, "axon"); ok {
		t.Fatalf("stale marker must report not running")
	}
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("stop with stale marker: %v", err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("stale marker should be removed")
	}
}

func TestStartWithoutArtifactFails(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	o := newOrchestrator(t, cfg)

	err := o.Start(context.Background(), "all")
	var am *launcher.ErrArtifactMissing
	if !errors.As(err, &am) {
		t.Fatalf("expected artifact-missing error, got %v", err)
	}
	for _, name := range ServiceNames {
		if _, statErr := os.Stat(filepath.Join(cfg.Build.OutDir, name+".pid")); !os.IsNotExist(statErr) {
			t.Fatalf("marker created despite launch failure for %s", name)
		}
	}
}

func TestStartDegradedDoesNotHangOrFail(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	host, port := failServer(t)
	cfg.Axon.Host, cfg.Axon.Port = host, port
	o := newOrchestrator(t, cfg)
	ctx := context.Background()

	if err := o.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}
	start := time.Now()
	if err := o.Start(ctx, "axon"); err != nil {
		t.Fatalf("degraded start must not fail: %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("probe did not respect its budget")
	}
	// PID recorded anyway so stop/status work.
	if ok, pid := running(o.CurrentStatus(), "axon"); !ok || pid <= 0 {
		t.Fatalf("degraded service must still be tracked")
	}
}

func TestStartIsIdempotentForLiveService(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	host, port := okServer(t)
	cfg.Axon.Host, cfg.Axon.Port = host, port
	cfg.Cortex.Host, cfg.Cortex.Port = host, port
	o := newOrchestrator(t, cfg)
	ctx := context.Background()

	if err := o.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := o.Start(ctx, "axon"); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, pid1 := running(o.CurrentStatus(), "axon")

	if err := o.Start(ctx, "axon"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	_, pid2 := running(o.CurrentStatus(), "axon")
	if pid1 != pid2 {
		t.Fatalf("idempotent start must not respawn: %d != %d", pid1, pid2)
	}
}

func TestBuildWhileRunningRestartsWithNewPIDs(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	host, port := okServer(t)
	cfg.Axon.Host, cfg.Axon.Port = host, port
	cfg.Cortex.Host, cfg.Cortex.Port = host, port
	o := newOrchestrator(t, cfg)
	ctx := context.Background()

	if err := o.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := o.Start(ctx, "all"); err != nil {
		t.Fatalf("start: %v", err)
	}
	before := map[string]int{}
	for _, s := range o.CurrentStatus().Services {
		before[s.Name] = s.PID
	}

	if err := o.Build(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	st := o.CurrentStatus()
	for _, name := range ServiceNames {
		ok, pid := running(st, name)
		if !ok {
			t.Fatalf("%s should be running again after rebuild", name)
		}
		if pid == before[name] {
			t.Fatalf("%s kept its old pid %d across rebuild", name, pid)
		}
	}
}

func TestBuildFailureLeavesStackDown(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	host, port := okServer(t)
	cfg.Axon.Host, cfg.Axon.Port = host, port
	cfg.Cortex.Host, cfg.Cortex.Port = host, port
	o := newOrchestrator(t, cfg)
	ctx := context.Background()

	if err := o.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := o.Start(ctx, "all"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Sabotage the axon build step.
	cfg.Axon.BuildCommand = "false"
	if err := o.Build(ctx); err == nil {
		t.Fatalf("expected build failure")
	}
	st := o.CurrentStatus()
	for _, name := range ServiceNames {
		if ok, _ := running(st, name); ok {
			t.Fatalf("%s must stay down after failed rebuild", name)
		}
	}
}

func TestStopSweepsUntrackedOrphans(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	host, port := okServer(t)
	cfg.Axon.Host, cfg.Axon.Port = host, port
	cfg.Cortex.Host, cfg.Cortex.Port = host, port
	o := newOrchestrator(t, cfg)
	ctx := context.Background()

	if err := o.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := o.Start(ctx, "axon"); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, trackedPID := running(o.CurrentStatus(), "axon")

	// A process the controller never recorded, with the axon launch path
	// in its command line. The compound command keeps the shell alive
	// with the marker in its cmdline.
	// #nosec G204
	orphan := exec.Command("/bin/sh", "-c", "sleep 30; : "+o.installPath("axon"))
	if err := orphan.Start(); err != nil {
		t.Fatalf("start orphan: %v", err)
	}
	t.Cleanup(func() { _ = orphan.Process.Kill() })
	time.Sleep(50 * time.Millisecond)

	if err := o.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	_ = orphan.Wait()
	if detector.PidAlive(orphan.Process.Pid) {
		t.Fatalf("orphan %d survived the sweep", orphan.Process.Pid)
	}
	if detector.PidAlive(trackedPID) {
		t.Fatalf("tracked service %d survived stop", trackedPID)
	}
}

func TestTailLogMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	o := newOrchestrator(t, cfg)

	var buf bytes.Buffer
	err := o.TailLog(context.Background(), "axon", &buf, false)
	var lm *ErrLogMissing
	if !errors.As(err, &lm) {
		t.Fatalf("expected *ErrLogMissing, got %v", err)
	}
	if !strings.Contains(lm.Error(), o.LogPath("axon")) {
		t.Fatalf("error must name the expected path: %v", lm)
	}
	if _, statErr := os.Stat(o.LogPath("axon")); !os.IsNotExist(statErr) {
		t.Fatalf("logs command must not create the file")
	}
}

func TestTailLogReadsExistingContent(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	o := newOrchestrator(t, cfg)

	path := o.LogPath("cortex")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("boot line\n"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}
	var buf bytes.Buffer
	if err := o.TailLog(context.Background(), "cortex", &buf, false); err != nil {
		t.Fatalf("tail: %v", err)
	}
	if !strings.Contains(buf.String(), "boot line") {
		t.Fatalf("log content not streamed: %q", buf.String())
	}
}

func TestTailLogFollowStreamsAppends(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	o := newOrchestrator(t, cfg)

	path := o.LogPath("axon")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("first\n"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var buf safeBuffer
	done := make(chan error, 1)
	go func() { done <- o.TailLog(ctx, "axon", &buf, true) }()

	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		t.Fatalf("append open: %v", err)
	}
	if _, err := f.WriteString("second\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = f.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), "second") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("follow: %v", err)
	}
	if !strings.Contains(buf.String(), "second") {
		t.Fatalf("appended content not streamed: %q", buf.String())
	}
}

func TestRebuildDashboardLeavesServicesAlone(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	host, port := okServer(t)
	cfg.Axon.Host, cfg.Axon.Port = host, port
	cfg.Cortex.Host, cfg.Cortex.Port = host, port
	o := newOrchestrator(t, cfg)
	ctx := context.Background()

	if err := o.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := o.Start(ctx, "axon"); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, pidBefore := running(o.CurrentStatus(), "axon")

	if err := o.RebuildDashboard(ctx); err != nil {
		t.Fatalf("rebuild dashboard: %v", err)
	}
	ok, pidAfter := running(o.CurrentStatus(), "axon")
	if !ok || pidAfter != pidBefore {
		t.Fatalf("dashboard rebuild touched the running service: %v %d->%d", ok, pidBefore, pidAfter)
	}
	if _, err := os.Stat(filepath.Join(o.BundleDir(), "index.html")); err != nil {
		t.Fatalf("bundle not installed: %v", err)
	}
}

func TestCleanRemovesOutputs(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	o := newOrchestrator(t, cfg)
	ctx := context.Background()

	if err := o.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := o.Clean(ctx); err != nil {
		t.Fatalf("clean: %v", err)
	}
	if _, err := os.Stat(cfg.Build.OutDir); !os.IsNotExist(err) {
		t.Fatalf("output dir should be gone")
	}
	// The build tools' own outputs in the source tree go too.
	for _, p := range []string{cfg.Axon.ArtifactPath, cfg.Cortex.ArtifactPath, cfg.Build.DashboardDist} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("build product %s survived clean", p)
		}
	}
}

func TestCleanWithoutBuildIsNoop(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	o := newOrchestrator(t, cfg)

	if err := o.Clean(context.Background()); err != nil {
		t.Fatalf("clean on pristine tree: %v", err)
	}
}

func TestHistoryRecordsLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	host, port := okServer(t)
	cfg.Axon.Host, cfg.Axon.Port = host, port
	cfg.Cortex.Host, cfg.Cortex.Port = host, port
	cfg.History = config.HistoryConfig{Enabled: true, DSN: filepath.Join(dir, "history.db")}
	o := newOrchestrator(t, cfg)
	ctx := context.Background()

	if err := o.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := o.Start(ctx, "axon"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	events, err := o.History(ctx, 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var sawBuilt, sawStarted, sawStopped bool
	for _, e := range events {
		switch {
		case e.Action == "built":
			sawBuilt = true
		case e.Action == "started" && e.Service == "axon":
			sawStarted = true
		case e.Action == "stopped" && e.Service == "axon":
			sawStopped = true
		}
	}
	if !sawBuilt || !sawStarted || !sawStopped {
		t.Fatalf("missing lifecycle events: built=%v started=%v stopped=%v", sawBuilt, sawStarted, sawStopped)
	}
}

func TestUnknownServiceRejected(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	o := newOrchestrator(t, cfg)
	if err := o.Start(context.Background(), "nginx"); err == nil {
		t.Fatalf("unknown service must be rejected")
	}
}
