package internal

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig is the main application configuration.
type AppConfig struct {
	// Server holds HTTP server settings.
	Server struct {
		Port           int    `yaml:"port"`
		PublicBaseURL  string `yaml:"public_base_url"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
	} `yaml:"server"`
	// GitHub holds the OAuth app and webhook settings.
	GitHub GitHubConfig `yaml:"github"`
	// Encryption holds the token vault key.
	Encryption struct {
		Key string `yaml:"key"`
	} `yaml:"encryption"`
	// Redis backs the one-time OAuth state tokens. Optional; the encoded
	// fallback covers outages and absent configuration.
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	// Storage is the relational store.
	Storage StorageConfig `yaml:"storage"`
	// Queue is the river job queue (postgres).
	Queue QueueConfig `yaml:"queue"`
	// Notify configures the watermill notification drivers.
	Notify WatermillConfig `yaml:"notify"`
	// Sync tunes the pull request sync worker.
	Sync SyncConfig `yaml:"sync"`
	// ML points at the acceleration scoring service.
	ML MLConfig `yaml:"ml"`
}

// Config is the full configuration including routing rules.
type Config struct {
	AppConfig   `yaml:",inline"`
	Rules       []Rule `yaml:"rules"`
	RulesStrict bool   `yaml:"rules_strict"`
}

// GitHubConfig holds the GitHub OAuth app and webhook settings.
type GitHubConfig struct {
	OAuthClientID     string `yaml:"oauth_client_id"`
	OAuthClientSecret string `yaml:"oauth_client_secret"`
	OAuthRedirectURL  string `yaml:"oauth_redirect_url"`
	WebhookSecret     string `yaml:"webhook_secret"`
	WebhookPath       string `yaml:"webhook_path"`
	APIBaseURL        string `yaml:"api_base_url"`
}

// StorageConfig holds the relational store settings.
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// QueueConfig holds the river queue settings.
type QueueConfig struct {
	DSN        string `yaml:"dsn"`
	Queue      string `yaml:"queue"`
	MaxWorkers int    `yaml:"max_workers"`
}

// SyncConfig tunes sync runs.
type SyncConfig struct {
	PageSize        int      `yaml:"page_size"`
	RateLimitBuffer int      `yaml:"rate_limit_buffer"`
	WebhookEvents   []string `yaml:"webhook_events"`
}

// MLConfig points at the acceleration scoring service.
type MLConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMS int64  `yaml:"timeout_ms"`
}

// WatermillConfig holds the configuration for the notification drivers.
type WatermillConfig struct {
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// NATSConfig holds configuration for the NATS pub/sub.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	InitializeSchema     bool   `yaml:"initialize_schema"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// LoadConfig loads the full configuration from a YAML file. Environment
// variables in the file are expanded before parsing, defaults are applied,
// and rules are normalized.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg.AppConfig)
	normalized, err := normalizeRules(cfg.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Rules = normalized

	return cfg, nil
}

// Validate checks the fields the process cannot run without. Called at
// startup, not on load, so tests can work with partial configurations.
func (cfg *AppConfig) Validate() error {
	var problems []error
	if cfg.GitHub.OAuthClientID == "" || cfg.GitHub.OAuthClientSecret == "" {
		problems = append(problems, errors.New("github.oauth_client_id and github.oauth_client_secret are required"))
	}
	if cfg.GitHub.WebhookSecret == "" {
		problems = append(problems, errors.New("github.webhook_secret is required"))
	}
	if len(cfg.Encryption.Key) < 32 {
		problems = append(problems, errors.New("encryption.key must be at least 32 characters"))
	}
	if cfg.Storage.DSN == "" {
		problems = append(problems, errors.New("storage.dsn is required"))
	}
	if cfg.Queue.DSN == "" {
		problems = append(problems, errors.New("queue.dsn is required"))
	}
	return errors.Join(problems...)
}

// RulesConfig is the rule-specific slice of the configuration.
type RulesConfig struct {
	Rules  []Rule `yaml:"rules"`
	Strict bool   `yaml:"rules_strict"`
	Logger *log.Logger
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 10000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.GitHub.WebhookPath == "" {
		cfg.GitHub.WebhookPath = "/webhooks/github"
	}
	if cfg.Queue.Queue == "" {
		cfg.Queue.Queue = "devpulse_sync"
	}
	if cfg.Queue.MaxWorkers == 0 {
		cfg.Queue.MaxWorkers = 5
	}
	if cfg.Sync.PageSize == 0 {
		cfg.Sync.PageSize = 50
	}
	if cfg.Sync.RateLimitBuffer == 0 {
		cfg.Sync.RateLimitBuffer = 100
	}
	if len(cfg.Sync.WebhookEvents) == 0 {
		cfg.Sync.WebhookEvents = []string{"pull_request", "pull_request_review", "push"}
	}
	if cfg.ML.TimeoutMS == 0 {
		cfg.ML.TimeoutMS = 10000
	}
	if cfg.Notify.Driver == "" {
		cfg.Notify.Driver = "gochannel"
	}
	if cfg.Notify.GoChannel.OutputChannelBuffer == 0 {
		cfg.Notify.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Notify.HTTP.Mode == "" {
		cfg.Notify.HTTP.Mode = "topic_url"
	}
	if cfg.Notify.PublishRetry.Attempts == 0 {
		cfg.Notify.PublishRetry.Attempts = 3
	}
	if cfg.Notify.PublishRetry.DelayMS == 0 {
		cfg.Notify.PublishRetry.DelayMS = 500
	}
}

func normalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.When = strings.TrimSpace(rule.When)
		rule.Emit = strings.TrimSpace(rule.Emit)
		if rule.When == "" || rule.Emit == "" {
			return nil, fmt.Errorf("rule %d is missing when or emit", i)
		}
		if len(rule.Drivers) > 0 {
			drivers := make([]string, 0, len(rule.Drivers))
			for _, driver := range rule.Drivers {
				trimmed := strings.TrimSpace(driver)
				if trimmed != "" {
					drivers = append(drivers, trimmed)
				}
			}
			rule.Drivers = drivers
		}
		out = append(out, rule)
	}
	return out, nil
}
