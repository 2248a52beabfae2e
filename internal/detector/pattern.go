package detector

import (
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// FindByCmdline enumerates the process table and returns the PIDs whose
// command line contains pattern, excluding any PID in skip and the
// controller's own process tree. Uses structured process enumeration
// rather than parsing ps output.
func FindByCmdline(pattern string, skip map[int]bool, selfPID int) ([]int, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	procs, err := gopsproc.Processes()
	if err != nil {
		return nil, err
	}
	var out []int
	for _, p := range procs {
		pid := int(p.Pid)
		if pid == selfPID || skip[pid] {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if strings.Contains(cmdline, pattern) {
			out = append(out, pid)
		}
	}
	return out, nil
}

// PatternDetector reports liveness when any process on the table matches
// the command-line pattern. It is the fallback for binaries that
// daemonize away from the PID the launcher observed.
type PatternDetector struct {
	Pattern string
}

func (d PatternDetector) Alive() (bool, error) {
	pids, err := FindByCmdline(d.Pattern, nil, 0)
	if err != nil {
		return false, err
	}
	return len(pids) > 0, nil
}

func (d PatternDetector) Describe() string { return "cmdline:" + d.Pattern }
