// Package config loads and validates vaultpilot.yaml.
//
// The file is validated against an embedded JSON schema before it is
// decoded, so unknown fields and out-of-range values are rejected with
// the schema's error messages instead of being silently dropped.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	vperrors "github.com/vaultpilot/vaultpilot/internal/errors"
	"github.com/vaultpilot/vaultpilot/internal/health"
	"github.com/vaultpilot/vaultpilot/internal/notifications"
)

//go:embed schema.json
var schemaJSON []byte

// DefaultPath is where the CLI looks for configuration when no --config
// flag is given.
const DefaultPath = "vaultpilot.yaml"

// Config is the parsed vaultpilot.yaml.
type Config struct {
	Version       int                 `yaml:"version"`
	AWS           AWSConfig           `yaml:"aws"`
	Tables        TablesConfig        `yaml:"tables"`
	Engine        EngineConfig        `yaml:"engine"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// AWSConfig selects the region and an optional endpoint override for
// local development against LocalStack or DynamoDB Local.
type AWSConfig struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// TablesConfig names the DynamoDB tables.
type TablesConfig struct {
	Credentials string `yaml:"credentials"`
	Attempts    string `yaml:"attempts"`
	Backups     string `yaml:"backups"`
	Audit       string `yaml:"audit"`
}

// EngineConfig tunes the rotation cycle.
type EngineConfig struct {
	Concurrency           int `yaml:"concurrency"`
	MaxAttempts           int `yaml:"maxAttempts"`
	DueThresholdDays      int `yaml:"dueThresholdDays"`
	AttemptTimeoutSeconds int `yaml:"attemptTimeoutSeconds"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// NotificationsConfig declares alert channels.
type NotificationsConfig struct {
	SNS      *SNSConfig      `yaml:"sns"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// SNSConfig routes events at or above a minimum severity to a topic.
type SNSConfig struct {
	TopicARN    string `yaml:"topicArn"`
	MinSeverity string `yaml:"minSeverity"`
}

// WebhookConfig declares one webhook receiver.
type WebhookConfig struct {
	Name           string            `yaml:"name"`
	URL            string            `yaml:"url"`
	Headers        map[string]string `yaml:"headers"`
	Events         []string          `yaml:"events"`
	MaxAttempts    int               `yaml:"maxAttempts"`
	TimeoutSeconds int               `yaml:"timeoutSeconds"`
}

// Load reads, validates, and decodes the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vperrors.ConfigError{
				Field:      "path",
				Value:      path,
				Message:    "configuration file not found",
				Suggestion: "Create a vaultpilot.yaml or pass --config",
			}
		}
		return nil, fmt.Errorf("read configuration: %w", err)
	}
	return Parse(data)
}

// Parse validates and decodes raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, vperrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters",
		}
	}

	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, vperrors.ConfigError{
			Message: "configuration does not match the expected structure",
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// validateSchema checks the raw document against the embedded schema.
func validateSchema(raw map[string]interface{}) error {
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal configuration for validation: %w", err)
	}

	schemaLoader := gojsonschema.NewBytesLoader(schemaJSON)
	documentLoader := gojsonschema.NewBytesLoader(jsonData)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var messages []string
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}
		return vperrors.ConfigError{
			Message:    fmt.Sprintf("schema validation failed:\n  - %s", strings.Join(messages, "\n  - ")),
			Suggestion: "Remove unknown fields and fix the values listed above",
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.AWS.Region == "" {
		c.AWS.Region = "us-east-1"
	}
	if c.Tables.Credentials == "" {
		c.Tables.Credentials = "vaultpilot-credentials"
	}
	if c.Tables.Attempts == "" {
		c.Tables.Attempts = "vaultpilot-rotation-attempts"
	}
	if c.Tables.Backups == "" {
		c.Tables.Backups = "vaultpilot-backups"
	}
	if c.Tables.Audit == "" {
		c.Tables.Audit = "vaultpilot-audit"
	}
	if c.Engine.Concurrency == 0 {
		c.Engine.Concurrency = 10
	}
	if c.Engine.MaxAttempts == 0 {
		c.Engine.MaxAttempts = 3
	}
	if c.Engine.DueThresholdDays == 0 {
		c.Engine.DueThresholdDays = 30
	}
	if c.Engine.AttemptTimeoutSeconds == 0 {
		c.Engine.AttemptTimeoutSeconds = 30
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// AttemptTimeout returns the per-attempt deadline as a duration.
func (c *EngineConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

// MetricsServerConfig maps the metrics section onto the server config.
func (c *Config) MetricsServerConfig() health.MetricsServerConfig {
	serverConfig := health.DefaultMetricsServerConfig()
	serverConfig.Enabled = c.Metrics.Enabled
	serverConfig.Port = c.Metrics.Port
	serverConfig.Path = c.Metrics.Path
	return serverConfig
}

// SNSMinSeverity parses the configured minimum severity, defaulting to
// warning when the field is unset.
func (c *SNSConfig) SNSMinSeverity() (notifications.Severity, error) {
	if c.MinSeverity == "" {
		return notifications.SeverityWarning, nil
	}
	severity, err := notifications.ParseSeverity(c.MinSeverity)
	if err != nil {
		return notifications.SeverityWarning, vperrors.ConfigError{
			Field:      "notifications.sns.minSeverity",
			Value:      c.MinSeverity,
			Message:    "unknown severity",
			Suggestion: "Use one of: info, warning, critical",
		}
	}
	return severity, nil
}

// WebhookProviderConfig maps a config entry to a provider config.
func (w *WebhookConfig) WebhookProviderConfig() notifications.WebhookConfig {
	return notifications.WebhookConfig{
		Name:        w.Name,
		URL:         w.URL,
		Headers:     w.Headers,
		Events:      w.Events,
		MaxAttempts: w.MaxAttempts,
		Timeout:     time.Duration(w.TimeoutSeconds) * time.Second,
	}
}
