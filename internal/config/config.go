package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the challenge server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Verdict VerdictConfig `yaml:"verdict"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Audit   AuditConfig   `yaml:"audit"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"` // 0 disables the metrics endpoint
	LogLevel    string `yaml:"log_level"`
	// ConnsPerMinute rate-limits inbound connections per peer address.
	// 0 disables the limit.
	ConnsPerMinute int `yaml:"connections_per_minute"`
}

// AuthConfig holds token verification and accounting settings.
type AuthConfig struct {
	Secret   string `yaml:"secret"`
	Flag     string `yaml:"flag"`
	MaxTries int    `yaml:"max_tries"`
	TokenDB  string `yaml:"token_db"`
}

// SandboxConfig holds container settings.
type SandboxConfig struct {
	Image         string  `yaml:"image"`
	LaunchCommand string  `yaml:"launch_command"`
	TargetProcess string  `yaml:"target_process"`
	MaxContainers int     `yaml:"max_containers"`
	MemoryMB      int     `yaml:"memory_mb"`
	CPULimit      float64 `yaml:"cpu_limit"`
}

// VerdictConfig holds the process-check polling settings.
type VerdictConfig struct {
	BudgetSeconds int `yaml:"budget_seconds"`
	PollSeconds   int `yaml:"poll_seconds"`
}

// FetchConfig holds exploit archiving settings.
type FetchConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Dir            string `yaml:"dir"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AuditConfig holds the sqlite attempt log settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration the original challenge shipped with.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:           "127.0.0.1",
			Port:           0xf1f0,
			MetricsPort:    0,
			LogLevel:       "info",
			ConnsPerMinute: 0,
		},
		Auth: AuthConfig{
			Secret:   "Saeyoozouy5hee6Vfeuerfuchs",
			Flag:     "33C3_wh4t_d0e5_th3_f0x_s4y?",
			MaxTries: 5,
			TokenDB:  "token_database",
		},
		Sandbox: SandboxConfig{
			Image:         "saelo/feuerfuchs",
			LaunchCommand: "/home/websurfer/launch_firefox.sh",
			TargetProcess: "xcalc",
			MaxContainers: 1,
		},
		Verdict: VerdictConfig{
			BudgetSeconds: 30,
			PollSeconds:   5,
		},
		Fetch: FetchConfig{
			Enabled:        true,
			Dir:            "tries",
			TimeoutSeconds: 5,
		},
		Audit: AuditConfig{
			Enabled: false,
			Path:    "attempts.db",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("auth secret must not be empty")
	}
	if cfg.Sandbox.MaxContainers < 1 {
		return nil, fmt.Errorf("sandbox max_containers must be at least 1")
	}
	if cfg.Verdict.PollSeconds < 1 || cfg.Verdict.BudgetSeconds < cfg.Verdict.PollSeconds {
		return nil, fmt.Errorf("verdict budget must cover at least one poll interval")
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Bind = getEnv("FEUERFUCHS_BIND", c.Server.Bind)
	c.Server.Port = getEnvInt("FEUERFUCHS_PORT", c.Server.Port)
	c.Server.MetricsPort = getEnvInt("FEUERFUCHS_METRICS_PORT", c.Server.MetricsPort)
	c.Server.LogLevel = getEnv("FEUERFUCHS_LOG_LEVEL", c.Server.LogLevel)
	c.Auth.Secret = getEnv("FEUERFUCHS_SECRET", c.Auth.Secret)
	c.Auth.Flag = getEnv("FEUERFUCHS_FLAG", c.Auth.Flag)
	c.Auth.TokenDB = getEnv("FEUERFUCHS_TOKEN_DB", c.Auth.TokenDB)
	c.Sandbox.Image = getEnv("FEUERFUCHS_IMAGE", c.Sandbox.Image)
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// VerdictBudget returns the total verdict wait as a duration.
func (c *Config) VerdictBudget() time.Duration {
	return time.Duration(c.Verdict.BudgetSeconds) * time.Second
}

// VerdictPoll returns the verdict poll interval as a duration.
func (c *Config) VerdictPoll() time.Duration {
	return time.Duration(c.Verdict.PollSeconds) * time.Second
}

// FetchTimeout returns the exploit archiving budget as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// EntryLifetime returns how long the sandbox placeholder process should
// sleep. It exceeds the verdict budget by a wide margin so a busy server
// never sees a sandbox shut itself down before teardown.
func (c *Config) EntryLifetime() time.Duration {
	return 5*time.Minute + c.VerdictBudget()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
