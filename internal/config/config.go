// Package config loads daemon configuration from config.yaml in the
// trustchain home directory, layering env overrides and defaults on top.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// CORSConfig controls cross-origin access to the HTTP API.
// When disabled, no CORS headers are emitted.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp-http"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// TriggerConfig declares a webhook trigger to register on startup.
// The shared secret may be given inline or via the named env var;
// the env var wins when both are set.
type TriggerConfig struct {
	Name            string `yaml:"name"`
	Slug            string `yaml:"slug"`
	Secret          string `yaml:"secret"`
	SecretEnv       string `yaml:"secret_env"`
	CooldownSeconds int    `yaml:"cooldown_seconds"`
}

// ResolvedSecret returns the effective trigger secret.
func (t TriggerConfig) ResolvedSecret() string {
	if t.SecretEnv != "" {
		if v := os.Getenv(t.SecretEnv); v != "" {
			return v
		}
	}
	return t.Secret
}

// ScheduleConfig declares a cron schedule to seed on startup.
type ScheduleConfig struct {
	Name    string `yaml:"name"`
	Slug    string `yaml:"slug"`
	Cron    string `yaml:"cron"`
	Payload string `yaml:"payload"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WebSocket connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	CORS CORSConfig `yaml:"cors"`

	// DatabasePath overrides the default <home>/trustchain.db location.
	DatabasePath string `yaml:"database_path"`

	// ChainMirrorPath is an optional JSONL append mirror of the trust
	// chain. Empty disables mirroring.
	ChainMirrorPath string `yaml:"chain_mirror_path"`

	// BackupDir is where `trustchaind backup` writes snapshots.
	BackupDir string `yaml:"backup_dir"`

	WorkerCount        int `yaml:"worker_count"`
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
	PollIntervalMS     int `yaml:"poll_interval_ms"`

	// MaxQueueDepth is the pending-task ceiling before submissions are
	// rejected with backpressure. 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// RunnerURL points at the external task runner. Empty selects the
	// built-in echo processor.
	RunnerURL string `yaml:"runner_url"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
	CronIntervalSeconds int `yaml:"cron_interval_seconds"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Triggers  []TriggerConfig  `yaml:"triggers"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the trustchain home directory, honoring TRUSTCHAIN_HOME.
func HomeDir() string {
	if override := os.Getenv("TRUSTCHAIN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".trustchain")
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18990",
		WorkerCount:         4,
		TaskTimeoutSeconds:  int((10 * time.Minute).Seconds()),
		PollIntervalMS:      100,
		MaxQueueDepth:       100,
		DrainTimeoutSeconds: 5,
		CronIntervalSeconds: 15,
		LogLevel:            "info",
	}
}

// Load reads config.yaml from the trustchain home (creating the home
// directory if needed), applies env overrides, and validates the result.
// A missing config.yaml is not an error: defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create trustchain home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = 100
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.CronIntervalSeconds <= 0 {
		cfg.CronIntervalSeconds = 15
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.HomeDir, "trustchain.db")
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.HomeDir, "backups")
	}
}

func validate(cfg *Config) error {
	if cfg.MaxQueueDepth < 0 {
		return fmt.Errorf("max_queue_depth must be >= 0, got %d", cfg.MaxQueueDepth)
	}
	seen := make(map[string]bool, len(cfg.Triggers))
	for i, t := range cfg.Triggers {
		if t.Name == "" || t.Slug == "" {
			return fmt.Errorf("trigger %d: name and slug are required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("trigger %q declared twice", t.Name)
		}
		seen[t.Name] = true
		if t.ResolvedSecret() == "" {
			return fmt.Errorf("trigger %q: secret or secret_env is required", t.Name)
		}
	}
	for i, s := range cfg.Schedules {
		if s.Name == "" || s.Slug == "" || s.Cron == "" {
			return fmt.Errorf("schedule %d: name, slug and cron are required", i)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TRUSTCHAIN_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TRUSTCHAIN_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TRUSTCHAIN_DB_PATH"); raw != "" {
		cfg.DatabasePath = raw
	}
	if raw := os.Getenv("TRUSTCHAIN_RUNNER_URL"); raw != "" {
		cfg.RunnerURL = raw
	}
	if raw := os.Getenv("TRUSTCHAIN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TRUSTCHAIN_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("TRUSTCHAIN_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TRUSTCHAIN_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxQueueDepth = v
		}
	}
	if raw := os.Getenv("TRUSTCHAIN_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
}

// TaskTimeout returns the per-task deadline as a duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// PollInterval returns the worker idle poll interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// DrainTimeout returns the shutdown drain budget.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// CronInterval returns the scheduler tick interval.
func (c Config) CronInterval() time.Duration {
	return time.Duration(c.CronIntervalSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, exposed via
// /healthz so operators can confirm which settings a daemon is running.
// The auth token and trigger secrets are deliberately excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|workers=%d|timeout=%d|poll=%d|depth=%d|runner=%s|log=%s|origins=%v",
		c.BindAddr, c.WorkerCount, c.TaskTimeoutSeconds, c.PollIntervalMS,
		c.MaxQueueDepth, c.RunnerURL, c.LogLevel, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
