package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cexll/tracksync/internal/signals"
	"github.com/cexll/tracksync/internal/workitem"
)

const defaultConfigPath = "config/config.yaml"

// Config holds all configuration for the tracksync service
type Config struct {
	// Server settings
	Port int

	// GitHub settings. Either a token or App credentials are required.
	GitHubToken         string
	GitHubAppID         string
	GitHubPrivateKey    string
	GitHubWebhookSecret string
	GitHubAPIURL        string

	// Jira settings
	JiraURL      string
	JiraUsername string
	JiraAPIToken string

	// Monitor settings
	MonitorInterval time.Duration
	MonitorTick     time.Duration
	MonitorWorkers  int
	CallTimeout     time.Duration

	ConfigPath string
	File       File
}

// File is the YAML configuration file.
type File struct {
	Features struct {
		JiraIntegration JiraIntegration `yaml:"jira_integration"`
	} `yaml:"features"`
	Monitor struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		TickSeconds     int `yaml:"tick_seconds"`
		Workers         int `yaml:"workers"`
	} `yaml:"monitor"`
	Signals signals.Rules `yaml:"signals"`
}

// JiraIntegration controls status pushes to Jira.
type JiraIntegration struct {
	UpdateStatus  bool              `yaml:"update_status"`
	StatusMapping map[string]string `yaml:"status_mapping"`
}

// Load loads configuration from the YAML file at path and the environment.
// Environment variables win over the file. An empty path falls back to
// CONFIG_PATH; a missing file at the default location is not an error.
func Load(path string) (*Config, error) {
	explicit := path != "" || os.Getenv("CONFIG_PATH") != ""
	if path == "" {
		path = getEnv("CONFIG_PATH", defaultConfigPath)
	}

	file, err := LoadFile(path)
	if err != nil && (explicit || !errors.Is(err, fs.ErrNotExist)) {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnvInt("PORT", 8000),
		GitHubToken:         os.Getenv("GITHUB_TOKEN"),
		GitHubAppID:         os.Getenv("GITHUB_APP_ID"),
		GitHubPrivateKey:    normalizePrivateKey(os.Getenv("GITHUB_PRIVATE_KEY")),
		GitHubWebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),
		GitHubAPIURL:        os.Getenv("GITHUB_API_URL"),
		JiraURL:             os.Getenv("JIRA_URL"),
		JiraUsername:        os.Getenv("JIRA_USERNAME"),
		JiraAPIToken:        os.Getenv("JIRA_API_TOKEN"),
		MonitorInterval:     getEnvSeconds("MONITOR_INTERVAL_SECONDS", orDefault(file.Monitor.IntervalSeconds, 300)),
		MonitorTick:         getEnvSeconds("MONITOR_TICK_SECONDS", orDefault(file.Monitor.TickSeconds, 60)),
		MonitorWorkers:      getEnvInt("MONITOR_WORKERS", orDefault(file.Monitor.Workers, 4)),
		CallTimeout:         getEnvSeconds("CALL_TIMEOUT_SECONDS", 20),
		ConfigPath:          path,
		File:                file,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses the YAML configuration file.
func LoadFile(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return f, nil
}

func normalizePrivateKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	for _, q := range []string{`"`, `'`} {
		if len(trimmed) >= 2 && strings.HasPrefix(trimmed, q) && strings.HasSuffix(trimmed, q) {
			trimmed = trimmed[1 : len(trimmed)-1]
		}
	}

	trimmed = strings.ReplaceAll(trimmed, "\r\n", "\n")
	trimmed = strings.ReplaceAll(trimmed, "\r", "\n")
	if strings.Contains(trimmed, "\\n") {
		trimmed = strings.ReplaceAll(trimmed, "\\r", "")
		trimmed = strings.ReplaceAll(trimmed, "\\n", "\n")
	}
	return trimmed
}

// validate checks that all required configuration is present
func (c *Config) validate() error {
	if err := c.validateGitHubCredentials(); err != nil {
		return err
	}
	if err := c.validateJira(); err != nil {
		return err
	}
	return c.validateMonitor()
}

func (c *Config) validateGitHubCredentials() error {
	if c.GitHubToken != "" {
		return nil
	}
	if c.GitHubAppID == "" {
		return fmt.Errorf("GITHUB_TOKEN or GITHUB_APP_ID is required")
	}
	if c.GitHubPrivateKey == "" {
		return fmt.Errorf("GITHUB_PRIVATE_KEY is required with GITHUB_APP_ID")
	}
	return nil
}

func (c *Config) validateJira() error {
	if _, err := c.StatusMapping(); err != nil {
		return err
	}
	if !c.File.Features.JiraIntegration.UpdateStatus {
		return nil
	}
	if c.JiraURL == "" {
		return fmt.Errorf("JIRA_URL is required when jira_integration.update_status is enabled")
	}
	if c.JiraUsername == "" || c.JiraAPIToken == "" {
		return fmt.Errorf("JIRA_USERNAME and JIRA_API_TOKEN are required when jira_integration.update_status is enabled")
	}
	return nil
}

func (c *Config) validateMonitor() error {
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("MONITOR_INTERVAL_SECONDS must be greater than 0")
	}
	if c.MonitorTick <= 0 {
		return fmt.Errorf("MONITOR_TICK_SECONDS must be greater than 0")
	}
	if c.MonitorWorkers <= 0 {
		return fmt.Errorf("MONITOR_WORKERS must be greater than 0")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("CALL_TIMEOUT_SECONDS must be greater than 0")
	}
	return nil
}

// StatusMapping returns the configured Jira status names keyed by work item
// status, or nil when the file sets none. Unset statuses keep
// jira.DefaultStatusMapping.
func (c *Config) StatusMapping() (map[workitem.Status]string, error) {
	raw := c.File.Features.JiraIntegration.StatusMapping
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[workitem.Status]string, len(raw))
	for k, v := range raw {
		st, err := workitem.ParseStatus(strings.ToLower(k))
		if err != nil {
			return nil, fmt.Errorf("status_mapping: %w", err)
		}
		out[st] = v
	}
	return out, nil
}

// getEnv gets environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as int with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
