// Package config loads Conductor's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	DB        string          `yaml:"db"`
	LogLevel  string          `yaml:"log_level"`
	Agent     AgentConfig     `yaml:"agent"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Usage     UsageConfig     `yaml:"usage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AgentConfig controls how the external agent is invoked.
type AgentConfig struct {
	Binary             string   `yaml:"binary"`
	ExtraArgs          []string `yaml:"extra_args"`
	ScratchDir         string   `yaml:"scratch_dir"`
	PollIntervalMS     int      `yaml:"poll_interval_ms"`
	SilenceWatchdogSec int      `yaml:"silence_watchdog_sec"`
}

// SchedulerConfig controls the queued-session sweep.
type SchedulerConfig struct {
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// UsageConfig controls the usage and rate-limit poller.
type UsageConfig struct {
	Enabled            bool   `yaml:"enabled"`
	IntervalSec        int    `yaml:"interval_sec"`
	InitialDelaySec    int    `yaml:"initial_delay_sec"`
	BackoffThreshold   int    `yaml:"backoff_threshold"`
	BackoffIntervalSec int    `yaml:"backoff_interval_sec"`
	StatsTTLSec        int    `yaml:"stats_ttl_sec"`
	CredentialsPath    string `yaml:"credentials_path"`
	StatsCachePath     string `yaml:"stats_cache_path"`
	AccountPath        string `yaml:"account_path"`
	ProbeURL           string `yaml:"probe_url"`
	ProbeModel         string `yaml:"probe_model"`
	ProbeTimeoutSec    int    `yaml:"probe_timeout_sec"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// ErrInvalid wraps YAML parse failures.
var ErrInvalid = errors.New("invalid config")

// Dir returns the Conductor home directory (~/.conductor).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	agentHome := filepath.Join(home, ".claude")
	return Config{
		Listen:   "127.0.0.1:7466",
		DB:       filepath.Join(Dir(), "conductor.db"),
		LogLevel: "info",
		Agent: AgentConfig{
			Binary:             "claude",
			ScratchDir:         filepath.Join(os.TempDir(), "conductor"),
			PollIntervalMS:     150,
			SilenceWatchdogSec: 30,
		},
		Scheduler: SchedulerConfig{SweepIntervalSec: 5},
		Usage: UsageConfig{
			Enabled:            true,
			IntervalSec:        30,
			InitialDelaySec:    5,
			BackoffThreshold:   3,
			BackoffIntervalSec: 300,
			StatsTTLSec:        30,
			CredentialsPath:    filepath.Join(agentHome, ".credentials.json"),
			StatsCachePath:     filepath.Join(agentHome, "stats-cache.json"),
			AccountPath:        filepath.Join(home, ".claude.json"),
			ProbeURL:           "https://api.anthropic.com/v1/messages",
			ProbeModel:         "claude-haiku-4-5",
			ProbeTimeoutSec:    15,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "conductor",
			OTLPEndpoint: "localhost:4318",
			Insecure:     true,
		},
	}
}

// LoadResult reports where configuration came from.
type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads the YAML file at path (DefaultPath when empty) over the
// defaults, then applies CONDUCTOR_* environment overrides. A missing file
// is not an error.
func Load(path string) LoadResult {
	if path == "" {
		path = DefaultPath()
	}
	res := LoadResult{Config: Default(), Path: path}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		res.ParseError = err
	default:
		res.Found = true
		cfg := Default()
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		} else {
			res.Config = normalize(cfg)
		}
	}

	res.Config = applyEnv(res.Config)
	return res
}

// normalize restores defaults for zero or negative numeric settings.
func normalize(cfg Config) Config {
	def := Default()
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if cfg.DB == "" {
		cfg.DB = def.DB
	}
	if cfg.Agent.Binary == "" {
		cfg.Agent.Binary = def.Agent.Binary
	}
	if cfg.Agent.ScratchDir == "" {
		cfg.Agent.ScratchDir = def.Agent.ScratchDir
	}
	if cfg.Agent.PollIntervalMS <= 0 {
		cfg.Agent.PollIntervalMS = def.Agent.PollIntervalMS
	}
	if cfg.Agent.SilenceWatchdogSec <= 0 {
		cfg.Agent.SilenceWatchdogSec = def.Agent.SilenceWatchdogSec
	}
	if cfg.Scheduler.SweepIntervalSec <= 0 {
		cfg.Scheduler.SweepIntervalSec = def.Scheduler.SweepIntervalSec
	}
	if cfg.Usage.IntervalSec <= 0 {
		cfg.Usage.IntervalSec = def.Usage.IntervalSec
	}
	if cfg.Usage.InitialDelaySec < 0 {
		cfg.Usage.InitialDelaySec = def.Usage.InitialDelaySec
	}
	if cfg.Usage.BackoffThreshold <= 0 {
		cfg.Usage.BackoffThreshold = def.Usage.BackoffThreshold
	}
	if cfg.Usage.BackoffIntervalSec <= 0 {
		cfg.Usage.BackoffIntervalSec = def.Usage.BackoffIntervalSec
	}
	if cfg.Usage.StatsTTLSec <= 0 {
		cfg.Usage.StatsTTLSec = def.Usage.StatsTTLSec
	}
	if cfg.Usage.ProbeTimeoutSec <= 0 {
		cfg.Usage.ProbeTimeoutSec = def.Usage.ProbeTimeoutSec
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	return cfg
}

func applyEnv(cfg Config) Config {
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_LISTEN")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_DB")); v != "" {
		cfg.DB = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_AGENT_BINARY")); v != "" {
		cfg.Agent.Binary = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.Enabled = true
	}
	return cfg
}

// PollInterval returns the scratch-file poll interval.
func (c AgentConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// SilenceWatchdog returns the no-output notice delay.
func (c AgentConfig) SilenceWatchdog() time.Duration {
	return time.Duration(c.SilenceWatchdogSec) * time.Second
}
