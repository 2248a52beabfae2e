package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/axonstack/axonctl/internal/detector"
)

// Record maps a logical service name to an OS process.
// Persisted one file per service under the runtime directory: the first
// line is the raw PID, an optional second line carries JSON metadata used
// to reject reused PIDs. Legacy single-line files parse fine.
type Record struct {
	Service   string    `json:"service"`
	PID       int       `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	StartUnix int64     `json:"start_unix"`
}

// Registry owns all marker-file reads, writes and removal.
// Presence of a marker file is not proof of liveness; every read is
// paired with a process-table check before being trusted.
type Registry struct {
	dir    string
	logger *slog.Logger
}

func New(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{dir: dir, logger: logger}
}

func (r *Registry) path(service string) string {
	return filepath.Join(r.dir, service+".pid")
}

// Record writes the marker file for service, overwriting prior content.
func (r *Registry) Record(service string, pid int) error {
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	rec := Record{
		Service:   service,
		PID:       pid,
		CreatedAt: time.Now(),
		StartUnix: detector.ProcStartUnix(pid),
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode marker meta: %w", err)
	}
	content := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	if err := os.WriteFile(r.path(service), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write marker for %s: %w", service, err)
	}
	return nil
}

// Read parses the marker file for service. The second return is false
// when no marker exists.
func (r *Registry) Read(service string) (Record, bool, error) {
	data, err := os.ReadFile(r.path(service))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pidStr := strings.TrimSpace(lines[0])
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return Record{}, true, fmt.Errorf("invalid pid in %s: %w", r.path(service), err)
	}
	rec := Record{Service: service, PID: pid}
	if len(lines) >= 2 {
		line := strings.TrimSpace(lines[1])
		if line != "" {
			// Meta is advisory; a corrupt line degrades to the legacy format.
			_ = json.Unmarshal([]byte(line), &rec)
		}
	}
	rec.PID = pid
	return rec, true, nil
}

// IsRunning reports whether service has a live recorded process. A marker
// whose PID is gone (or reused) is stale: reported as not running and
// removed opportunistically.
func (r *Registry) IsRunning(service string) bool {
	rec, ok, err := r.Read(service)
	if err != nil {
		r.logger.Warn("unreadable marker treated as not running", "service", service, "error", err)
		_ = os.Remove(r.path(service))
		return false
	}
	if !ok {
		return false
	}
	alive, _ := detector.PIDDetector{PID: rec.PID, StartUnix: rec.StartUnix}.Alive()
	if !alive {
		r.logger.Debug("removing stale marker", "service", service, "pid", rec.PID)
		_ = os.Remove(r.path(service))
		return false
	}
	return true
}

// Remove stops the recorded process (when live) and deletes the marker.
// Signal failures against an already-dead process are swallowed; a
// missing marker is a no-op.
func (r *Registry) Remove(service string, wait time.Duration) error {
	rec, ok, err := r.Read(service)
	if err != nil {
		// Corrupt marker: nothing trustworthy to signal, just clear it.
		_ = os.Remove(r.path(service))
		return nil
	}
	if !ok {
		return nil
	}
	alive, _ := detector.PIDDetector{PID: rec.PID, StartUnix: rec.StartUnix}.Alive()
	if alive {
		terminate(rec.PID)
		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			if !detector.PidAlive(rec.PID) {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		if detector.PidAlive(rec.PID) {
			kill(rec.PID)
		}
		r.logger.Info("stopped service", "service", service, "pid", rec.PID)
	}
	if err := os.Remove(r.path(service)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove marker for %s: %w", service, err)
	}
	return nil
}

// TrackedPIDs returns the PIDs currently recorded for the given services,
// regardless of liveness.
func (r *Registry) TrackedPIDs(services []string) map[int]bool {
	out := make(map[int]bool)
	for _, s := range services {
		if rec, ok, err := r.Read(s); err == nil && ok {
			out[rec.PID] = true
		}
	}
	return out
}

// SweepOrphans terminates processes whose command line matches pattern
// but which no marker file tracks. Safety net for launches the controller
// lost track of (e.g. a crash before Record). Returns the PIDs signalled.
func (r *Registry) SweepOrphans(pattern string, tracked map[int]bool) ([]int, error) {
	pids, err := detector.FindByCmdline(pattern, tracked, os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("scan process table: %w", err)
	}
	for _, pid := range pids {
		r.logger.Warn("terminating orphan process", "pid", pid, "pattern", pattern)
		terminate(pid)
	}
	return pids, nil
}
