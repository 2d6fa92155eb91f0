package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RetryConfig holds the default retry budget and backoff shape applied
// to every job unless the job overrides max_attempts.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BackoffBase string `yaml:"backoff_base"`
	BackoffMax  string `yaml:"backoff_max"`
}

// ParseBackoffBase parses the base backoff interval.
func (c RetryConfig) ParseBackoffBase() (time.Duration, error) {
	return time.ParseDuration(c.BackoffBase)
}

// ParseBackoffMax parses the backoff cap.
func (c RetryConfig) ParseBackoffMax() (time.Duration, error) {
	return time.ParseDuration(c.BackoffMax)
}

// NotifyConfig holds the outbound notification endpoint settings.
// Notification is disabled when URL is empty.
type NotifyConfig struct {
	URL         string `yaml:"url"`
	Topic       string `yaml:"topic"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Token       string `yaml:"token"`
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff"`
}

// Enabled reports whether a notification endpoint is configured.
func (c NotifyConfig) Enabled() bool {
	return c.URL != ""
}

// ParseBackoff parses the delivery retry backoff.
func (c NotifyConfig) ParseBackoff() (time.Duration, error) {
	return time.ParseDuration(c.Backoff)
}

// RunLogConfig controls persistent per-attempt stdout/stderr log files.
type RunLogConfig struct {
	Enabled           *bool  `yaml:"enabled"`
	Dir               string `yaml:"dir"`
	MaxBytesPerStream int64  `yaml:"max_bytes_per_stream"`
	RetentionDays     int    `yaml:"retention_days"`
	MaxTotalMB        int64  `yaml:"max_total_mb"`
}

// IsEnabled returns whether persistent attempt log files are enabled.
// Defaults to true when unset.
func (c RunLogConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// Config is the top-level configuration parsed from backrun.yaml.
type Config struct {
	DataDir     string       `yaml:"data_dir"`
	JobsDir     string       `yaml:"jobs_dir"`
	Concurrency int          `yaml:"concurrency"`
	Schedule    string       `yaml:"schedule"` // cron expression, daemon mode only
	Retry       RetryConfig  `yaml:"retry"`
	Notify      NotifyConfig `yaml:"notify"`
	RunLogs     RunLogConfig `yaml:"run_logs"`
}

func applyDefaults(c *Config) {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandPath(c.DataDir)
	if c.JobsDir == "" {
		c.JobsDir = defaultJobsDir()
	}
	c.JobsDir = expandPath(c.JobsDir)
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BackoffBase == "" {
		c.Retry.BackoffBase = "5s"
	}
	if c.Retry.BackoffMax == "" {
		c.Retry.BackoffMax = "5m"
	}
	if c.Notify.MaxAttempts <= 0 {
		c.Notify.MaxAttempts = 3
	}
	if c.Notify.Backoff == "" {
		c.Notify.Backoff = "2s"
	}
	if c.RunLogs.Dir == "" {
		c.RunLogs.Dir = filepath.Join(c.DataDir, "logs")
	} else {
		c.RunLogs.Dir = expandPath(c.RunLogs.Dir)
	}
	if c.RunLogs.MaxBytesPerStream <= 0 {
		c.RunLogs.MaxBytesPerStream = 256 * 1024 // 256KB
	}
	if c.RunLogs.RetentionDays <= 0 {
		c.RunLogs.RetentionDays = 7
	}
	if c.RunLogs.MaxTotalMB <= 0 {
		c.RunLogs.MaxTotalMB = 128
	}
	if c.RunLogs.Enabled == nil {
		t := true
		c.RunLogs.Enabled = &t
	}
}

// Validate rejects malformed global configuration before any job runs.
func (c *Config) Validate() error {
	if _, err := c.Retry.ParseBackoffBase(); err != nil {
		return fmt.Errorf("invalid retry.backoff_base: %w", err)
	}
	if _, err := c.Retry.ParseBackoffMax(); err != nil {
		return fmt.Errorf("invalid retry.backoff_max: %w", err)
	}
	if _, err := c.Notify.ParseBackoff(); err != nil {
		return fmt.Errorf("invalid notify.backoff: %w", err)
	}
	if c.Notify.Enabled() && c.Notify.Topic == "" {
		return errors.New("notify.topic is required when notify.url is set")
	}
	return nil
}

func defaultJobsDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "./jobs"
	}
	return filepath.Join(home, ".config", "backrun", "jobs")
}

func expandPath(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return value
	}

	v = os.ExpandEnv(v)

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return v
	}

	if v == "~" {
		return home
	}
	if strings.HasPrefix(v, "~/") {
		return filepath.Join(home, v[2:])
	}
	if strings.HasPrefix(v, "~\\") {
		return filepath.Join(home, v[2:])
	}
	return v
}

// LoadConfig reads a YAML configuration file from path and returns a
// Config with defaults applied for any unset fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotenv loads environment variables from a .env file. With an
// explicit path, failure to load is an error; otherwise the default
// ./.env is loaded best-effort and absence is reported, not fatal.
func LoadDotenv(path string) (bool, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return false, fmt.Errorf("cannot load .env file from %q: %w", path, err)
		}
		return true, nil
	}
	if err := godotenv.Load(); err != nil {
		return false, nil
	}
	return true, nil
}
