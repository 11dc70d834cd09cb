// Package config provides YAML-based configuration loading for the QA orchestrator.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level orchestrator configuration, loaded from config.yaml.
type Config struct {
	Jira      JiraConfig      `yaml:"jira"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	GitHub    GitHubConfig    `yaml:"github"`
	Notify    NotifyConfig    `yaml:"notify"`
	Server    ServerConfig    `yaml:"server"`
	Queue     QueueConfig     `yaml:"queue"`
	DB        DBConfig        `yaml:"db"`
}

// JiraConfig holds connection and behavior settings for the Jira REST API.
type JiraConfig struct {
	BaseURL                 string `yaml:"base_url"`
	Email                   string `yaml:"email"`
	APIToken                string `yaml:"api_token"`
	QAStatus                string `yaml:"qa_status"`
	AcceptanceCriteriaField string `yaml:"acceptance_criteria_field"`
	AutoCreateDefects       bool   `yaml:"auto_create_defects"`
	DefectIssueType         string `yaml:"defect_issue_type"`
}

// AnthropicConfig holds settings for the generation client.
type AnthropicConfig struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	MaxTokens      int    `yaml:"max_tokens"`
	MaxRetries     int    `yaml:"max_retries"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-attempt generation timeout.
func (c AnthropicConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GitHubConfig holds repository settings for generated test branches and PRs.
type GitHubConfig struct {
	Token          string `yaml:"token"`
	Owner          string `yaml:"owner"`
	Repo           string `yaml:"repo"`
	DefaultBranch  string `yaml:"default_branch"`
	TestPath       string `yaml:"test_path"`
	QABranchPrefix string `yaml:"qa_branch_prefix"`
	DispatchEvent  string `yaml:"dispatch_event"`
}

// NotifyConfig selects and configures outbound chat notification backends.
type NotifyConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	DiscordBotToken  string `yaml:"discord_bot_token"`
	DiscordChannelID string `yaml:"discord_channel_id"`
	OnSuccess        *bool  `yaml:"on_success"`
	OnFailure        *bool  `yaml:"on_failure"`
}

// ServerConfig holds webhook HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// QueueConfig holds worker pool and retry settings for pipeline tasks.
type QueueConfig struct {
	Workers             int `yaml:"workers"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
	RetryBackoffSeconds int `yaml:"retry_backoff_seconds"`
	StageTimeoutSeconds int `yaml:"stage_timeout_seconds"`
	StaleAfterMinutes   int `yaml:"stale_after_minutes"`
}

// PollInterval returns the worker poll interval.
func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RetryBackoff returns the delay before a failed task attempt is retried.
func (c QueueConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// StageTimeout returns the hard wall-clock limit for one stage attempt.
func (c QueueConfig) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSeconds) * time.Second
}

// StaleAfter returns how long a process may sit in RunningTests before the
// sweep gives up on it.
func (c QueueConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

// DBConfig holds database connection settings. Driver is "sqlite" or "mysql".
type DBConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NotifyOnSuccess reports whether success notifications are enabled (default true).
func (c *Config) NotifyOnSuccess() bool {
	return c.Notify.OnSuccess == nil || *c.Notify.OnSuccess
}

// NotifyOnFailure reports whether failure notifications are enabled (default true).
func (c *Config) NotifyOnFailure() bool {
	return c.Notify.OnFailure == nil || *c.Notify.OnFailure
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Jira.QAStatus == "" {
		c.Jira.QAStatus = "Ready for QA"
	}
	if c.Jira.AcceptanceCriteriaField == "" {
		c.Jira.AcceptanceCriteriaField = "customfield_10030"
	}
	if c.Jira.DefectIssueType == "" {
		c.Jira.DefectIssueType = "Bug"
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 8192
	}
	if c.Anthropic.MaxRetries == 0 {
		c.Anthropic.MaxRetries = 3
	}
	if c.Anthropic.TimeoutSeconds == 0 {
		c.Anthropic.TimeoutSeconds = 120
	}
	if c.GitHub.DefaultBranch == "" {
		c.GitHub.DefaultBranch = "main"
	}
	if c.GitHub.TestPath == "" {
		c.GitHub.TestPath = "e2e/generated"
	}
	if c.GitHub.QABranchPrefix == "" {
		c.GitHub.QABranchPrefix = "qa/"
	}
	if c.GitHub.DispatchEvent == "" {
		c.GitHub.DispatchEvent = "qa-e2e-tests"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.PollIntervalSeconds == 0 {
		c.Queue.PollIntervalSeconds = 2
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 2
	}
	if c.Queue.RetryBackoffSeconds == 0 {
		c.Queue.RetryBackoffSeconds = 30
	}
	if c.Queue.StageTimeoutSeconds == 0 {
		c.Queue.StageTimeoutSeconds = 300
	}
	if c.Queue.StaleAfterMinutes == 0 {
		c.Queue.StaleAfterMinutes = 30
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Path == "" {
		c.DB.Path = "qaorch.db"
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.User == "" {
		c.DB.User = "root"
	}
	if c.DB.Database == "" {
		c.DB.Database = "qaorch"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Jira.BaseURL == "" {
		errs = append(errs, "jira.base_url is required")
	}
	if c.Jira.Email == "" {
		errs = append(errs, "jira.email is required")
	}
	if c.GitHub.Owner == "" {
		errs = append(errs, "github.owner is required")
	}
	if c.GitHub.Repo == "" {
		errs = append(errs, "github.repo is required")
	}
	if !strings.HasSuffix(c.GitHub.QABranchPrefix, "/") {
		errs = append(errs, `github.qa_branch_prefix must end with "/"`)
	}
	if c.DB.Driver != "sqlite" && c.DB.Driver != "mysql" {
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported (sqlite, mysql)", c.DB.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
