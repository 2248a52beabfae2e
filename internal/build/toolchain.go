package build

import (
	"os"
	"strings"
)

// ToolchainPaths lists directories prepended to PATH for build and launch
// subcommands only. The controller's own environment is never mutated;
// callers pass this value explicitly instead of relying on the invoking
// shell's PATH.
type ToolchainPaths []string

// Environ returns a copy of the current environment with PATH extended by
// the toolchain directories. Directories that do not exist are skipped.
func (t ToolchainPaths) Environ() []string {
	extra := make([]string, 0, len(t))
	for _, dir := range t {
		if dir == "" {
			continue
		}
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			extra = append(extra, dir)
		}
	}
	env := os.Environ()
	if len(extra) == 0 {
		return env
	}
	prefix := strings.Join(extra, string(os.PathListSeparator))
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			env[i] = "PATH=" + prefix + string(os.PathListSeparator) + kv[len("PATH="):]
			return env
		}
	}
	return append(env, "PATH="+prefix)
}
