// Package config loads the worker configuration from a TOML file with an
// environment overlay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Git           GitConfig           `toml:"git"`
	Coding        CodingConfig        `toml:"coding"`
	ExternalAPI   ExternalAPIConfig   `toml:"external_api"`
	Worker        WorkerConfig        `toml:"worker"`
	Database      DatabaseConfig      `toml:"database"`
	Log           LogConfig           `toml:"log"`
	Notifications NotificationsConfig `toml:"notifications"`
	Maintenance   MaintenanceConfig   `toml:"maintenance"`
}

// GitConfig holds mirror, worktree and hosting settings
type GitConfig struct {
	BaseReposPath string `toml:"base_repos_path"`
	WorktreesPath string `toml:"worktrees_path"`
	Host          string `toml:"host"`
	BotName       string `toml:"bot_name"`
	BotEmail      string `toml:"bot_email"`
	GHBinary      string `toml:"gh_binary"`
}

// CodingConfig holds agent settings
type CodingConfig struct {
	Model                string `toml:"model"`
	TimeoutMS            int    `toml:"timeout_ms"`
	AgentBinary          string `toml:"agent_binary"`
	PromptsDir           string `toml:"prompts_dir"`
	DropUnavailableRepos bool   `toml:"drop_unavailable_repos"`
}

// ExternalAPIConfig holds the credential gateway settings
type ExternalAPIConfig struct {
	BaseURL     string `toml:"base_url"`
	TimeoutSecs int    `toml:"timeout_secs"`
}

// WorkerConfig holds coordinator connection settings
type WorkerConfig struct {
	ServerURL string `toml:"server_url"`
	ID        string `toml:"id"` // generated when empty
	MaxJobs   int    `toml:"max_jobs"`
}

// DatabaseConfig holds run history settings
type DatabaseConfig struct {
	Path string `toml:"path"`
	// HistoryRetention is a duration such as "720h"; empty keeps all runs
	HistoryRetention string `toml:"history_retention"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"` // console or json
	File       string `toml:"file"`   // optional rotated sink
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
	OnlyFailures bool   `toml:"only_failures"`
}

// MaintenanceConfig holds janitor settings
type MaintenanceConfig struct {
	Enabled      bool   `toml:"enabled"`
	Schedule     string `toml:"schedule"`
	OrphanMaxAge string `toml:"orphan_max_age"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Git: GitConfig{
			BaseReposPath: "/tmp/base-repos",
			WorktreesPath: "/tmp/worktrees",
			Host:          "github.com",
			BotName:       "Code Crew AI",
			BotEmail:      "bot@codecrew.ai",
			GHBinary:      "gh",
		},
		Coding: CodingConfig{
			Model:       "claude-sonnet-4-5-20250929",
			TimeoutMS:   900000,
			AgentBinary: "claude",
		},
		ExternalAPI: ExternalAPIConfig{
			BaseURL:     "http://external-services-api:3000",
			TimeoutSecs: 30,
		},
		Worker: WorkerConfig{
			MaxJobs: 2,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(home, ".coding-worker", "history.db"),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Maintenance: MaintenanceConfig{
			Enabled:      true,
			Schedule:     "@hourly",
			OrphanMaxAge: "24h",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults, and
// applies environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(ExpandPath(path))
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg, viper.New())

	cfg.Git.BaseReposPath = ExpandPath(cfg.Git.BaseReposPath)
	cfg.Git.WorktreesPath = ExpandPath(cfg.Git.WorktreesPath)
	cfg.Coding.PromptsDir = ExpandPath(cfg.Coding.PromptsDir)
	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	return cfg, nil
}

// envBindings maps config keys to the environment variables overriding them
var envBindings = map[string]string{
	"git.base_repos_path":         "GIT_BASE_REPOS_PATH",
	"git.worktrees_path":          "GIT_WORKTREES_PATH",
	"coding.model":                "CODING_MODEL",
	"coding.timeout_ms":           "CODING_TIMEOUT",
	"external_api.base_url":       "EXTERNAL_API_URL",
	"log.level":                   "LOG_LEVEL",
	"worker.server_url":           "WORKER_SERVER_URL",
	"worker.max_jobs":             "WORKER_MAX_JOBS",
	"notifications.slack_webhook": "SLACK_WEBHOOK_URL",
	"database.path":               "DATABASE_PATH",
}

func applyEnv(cfg *Config, v *viper.Viper) {
	for key, env := range envBindings {
		v.BindEnv(key, env)
	}

	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	setString("git.base_repos_path", &cfg.Git.BaseReposPath)
	setString("git.worktrees_path", &cfg.Git.WorktreesPath)
	setString("coding.model", &cfg.Coding.Model)
	setInt("coding.timeout_ms", &cfg.Coding.TimeoutMS)
	setString("external_api.base_url", &cfg.ExternalAPI.BaseURL)
	setString("log.level", &cfg.Log.Level)
	setString("worker.server_url", &cfg.Worker.ServerURL)
	setInt("worker.max_jobs", &cfg.Worker.MaxJobs)
	setString("notifications.slack_webhook", &cfg.Notifications.SlackWebhook)
	setString("database.path", &cfg.Database.Path)
}

// Validate rejects configurations the worker cannot run with
func (c *Config) Validate() error {
	if c.Git.BaseReposPath == "" {
		return fmt.Errorf("git.base_repos_path is required")
	}
	if c.Git.WorktreesPath == "" {
		return fmt.Errorf("git.worktrees_path is required")
	}
	if filepath.Clean(c.Git.BaseReposPath) == filepath.Clean(c.Git.WorktreesPath) {
		return fmt.Errorf("git.base_repos_path and git.worktrees_path must differ")
	}
	if c.Coding.TimeoutMS <= 0 {
		return fmt.Errorf("coding.timeout_ms must be positive")
	}
	if c.Coding.Model == "" {
		return fmt.Errorf("coding.model is required")
	}
	if c.ExternalAPI.BaseURL == "" {
		return fmt.Errorf("external_api.base_url is required")
	}
	if c.Worker.MaxJobs <= 0 {
		return fmt.Errorf("worker.max_jobs must be positive")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if _, err := c.Maintenance.OrphanMaxAgeDuration(); err != nil {
		return err
	}
	if _, err := c.Database.HistoryRetentionDuration(); err != nil {
		return err
	}
	return nil
}

// AgentTimeout returns the configured agent time limit
func (c *CodingConfig) AgentTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Timeout returns the credential gateway request timeout
func (c *ExternalAPIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// OrphanMaxAgeDuration parses orphan_max_age; empty means the janitor default
func (c *MaintenanceConfig) OrphanMaxAgeDuration() (time.Duration, error) {
	return parseDuration("maintenance.orphan_max_age", c.OrphanMaxAge)
}

// HistoryRetentionDuration parses history_retention; empty means keep forever
func (c *DatabaseConfig) HistoryRetentionDuration() (time.Duration, error) {
	return parseDuration("database.history_retention", c.HistoryRetention)
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

// Save writes the configuration as TOML, creating parent directories
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	// The file can hold a webhook secret
	return os.WriteFile(path, data, 0600)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "coding-worker", "config.toml")
}

// SystemConfigPath is consulted when the user config does not exist
const SystemConfigPath = "/etc/coding-worker/config.toml"

// FindConfig returns the first existing config file, or "" if there is none
func FindConfig() string {
	for _, p := range []string{DefaultConfigPath(), SystemConfigPath} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
