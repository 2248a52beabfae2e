package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig holds the connection and launch parameters for one
// backend service.
type ServiceConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	HealthPath    string        `mapstructure:"health_path"`
	ProbeAttempts int           `mapstructure:"probe_attempts"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	StopWait      time.Duration `mapstructure:"stop_wait"`
	Args          []string      `mapstructure:"args"`
	BuildCommand  string        `mapstructure:"build_command"`
	BuildWorkdir  string        `mapstructure:"build_workdir"`
	ArtifactPath  string        `mapstructure:"artifact_path"`
}

// HealthURL returns the readiness endpoint for the service.
func (s ServiceConfig) HealthURL() string {
	return fmt.Sprintf("http://%s:%d%s", s.Host, s.Port, s.HealthPath)
}

// BuildConfig holds artifact-independent build settings.
type BuildConfig struct {
	OutDir           string   `mapstructure:"out_dir"`
	ToolchainPaths   []string `mapstructure:"toolchain_paths"`
	DashboardCommand string   `mapstructure:"dashboard_command"`
	DashboardWorkdir string   `mapstructure:"dashboard_workdir"`
	DashboardDist    string   `mapstructure:"dashboard_dist"`
}

// HistoryConfig controls the local lifecycle-event store.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// LogConfig controls the controller's own log output. Service logs are
// not affected; they are plain append-only files.
type LogConfig struct {
	File  string `mapstructure:"file"` // optional rotating file copy, empty disables
	Level string `mapstructure:"level"`
}

// Config is the full controller configuration. All fields have working
// defaults; the file only overrides them.
type Config struct {
	Axon         ServiceConfig `mapstructure:"axon"`
	Cortex       ServiceConfig `mapstructure:"cortex"`
	Build        BuildConfig   `mapstructure:"build"`
	History      HistoryConfig `mapstructure:"history"`
	Log          LogConfig     `mapstructure:"log"`
	RestartWait  time.Duration `mapstructure:"restart_wait"`
	StartStagger time.Duration `mapstructure:"start_stagger"`
}

const DefaultPath = "axonctl.toml"

func setDefaults(v *viper.Viper) {
	v.SetDefault("restart_wait", "2s")
	v.SetDefault("start_stagger", "1s")

	v.SetDefault("axon.host", "127.0.0.1")
	v.SetDefault("axon.port", 8701)
	v.SetDefault("axon.health_path", "/health")
	v.SetDefault("axon.probe_attempts", 10)
	v.SetDefault("axon.probe_interval", "1s")
	v.SetDefault("axon.settle_delay", "1s")
	v.SetDefault("axon.stop_wait", "5s")
	v.SetDefault("axon.build_command", "cargo build --release -p axon")
	v.SetDefault("axon.build_workdir", ".")
	v.SetDefault("axon.artifact_path", "target/release/axon")

	v.SetDefault("cortex.host", "127.0.0.1")
	v.SetDefault("cortex.port", 8702)
	v.SetDefault("cortex.health_path", "/health")
	// Cortex loads embedding models on boot; give it a longer budget.
	v.SetDefault("cortex.probe_attempts", 20)
	v.SetDefault("cortex.probe_interval", "2s")
	v.SetDefault("cortex.settle_delay", "2s")
	v.SetDefault("cortex.stop_wait", "5s")
	v.SetDefault("cortex.build_command", "cargo build --release -p cortex")
	v.SetDefault("cortex.build_workdir", ".")
	v.SetDefault("cortex.artifact_path", "target/release/cortex")

	v.SetDefault("build.out_dir", "out")
	v.SetDefault("build.toolchain_paths", defaultToolchainPaths())
	v.SetDefault("build.dashboard_command", "npm run build")
	v.SetDefault("build.dashboard_workdir", "dashboard")
	v.SetDefault("build.dashboard_dist", "dashboard/dist")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.dsn", "")

	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
}

func defaultToolchainPaths() []string {
	home, _ := os.UserHomeDir()
	paths := []string{"/usr/local/bin", "/opt/homebrew/bin"}
	if home != "" {
		paths = append([]string{filepath.Join(home, ".cargo", "bin")}, paths...)
	}
	return paths
}

// Load reads the TOML file at path into a Config. The loader never fails
// hard: a missing or malformed file, or any absent field, falls back to
// the built-in defaults with a single warning. The file is read-only
// input.
func Load(path string, logger *slog.Logger) *Config {
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	setDefaults(v)
	if path == "" {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			logger.Warn("config file not found, using defaults", "path", path)
		} else {
			logger.Warn("config file unreadable, using defaults", "path", path, "error", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		logger.Warn("config file malformed, using defaults", "path", path, "error", err)
		fallback := viper.New()
		setDefaults(fallback)
		_ = fallback.Unmarshal(&c)
	}
	return &c
}
