// Package config loads and validates the engine's configuration: YAML
// files merged over built-in defaults, with environment expansion and
// env-variable overrides for deploy-time settings.
package config

import (
	"time"

	"github.com/leadfoundry/enrich/pkg/llm"
	"github.com/leadfoundry/enrich/pkg/retry"
)

// Config is the fully merged and validated engine configuration.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Queue     QueueConfig       `yaml:"queue"`
	LLM       llm.ServiceConfig `yaml:"llm"`
	Results   ResultsConfig     `yaml:"results"`
	Callback  CallbackConfig    `yaml:"callback"`
	Providers ProviderKeys      `yaml:"providers"`
	Retry     RetrySettings     `yaml:"retry"`
	Cleanup   CleanupConfig     `yaml:"cleanup"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AuthToken guards the task-submission and callback endpoints.
	AuthToken string `yaml:"auth_token"`
}

// ResultsConfig tunes result-store payload batching.
type ResultsConfig struct {
	EnableBatching *bool `yaml:"enable_batching"`
	BatchThreshold int   `yaml:"batch_threshold"`
	BatchSize      int   `yaml:"batch_size"`
	MaxConcurrent  int   `yaml:"max_concurrent"`
}

// BatchingEnabled resolves the tri-state flag; batching defaults on.
func (c ResultsConfig) BatchingEnabled() bool {
	return c.EnableBatching == nil || *c.EnableBatching
}

// CallbackConfig points the outbound callback client at the control plane.
type CallbackConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AuthToken string `yaml:"auth_token"`
}

// ProviderKeys carries third-party API credentials. They are normally
// injected via environment variables, never checked into YAML.
type ProviderKeys struct {
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	GeminiAPIToken  string `yaml:"gemini_api_token"`
	BuiltWithAPIKey string `yaml:"builtwith_api_key"`
	ProxycurlAPIKey string `yaml:"proxycurl_api_key"`
	ApifyAPIToken   string `yaml:"apify_api_token"`
	RapidAPIKey     string `yaml:"rapid_api_key"`
	JinaAPIToken    string `yaml:"jina_api_token"`
}

// RetrySettings is the YAML-facing shape of the shared retry budget.
type RetrySettings struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// ToRetryConfig converts to the retry package's config, falling back to
// the package default where unset.
func (s RetrySettings) ToRetryConfig() retry.Config {
	cfg := retry.DefaultConfig
	if s.MaxAttempts > 0 {
		cfg.MaxAttempts = s.MaxAttempts
	}
	if s.BaseDelay > 0 {
		cfg.BaseDelay = s.BaseDelay
	}
	if s.MaxDelay > 0 {
		cfg.MaxDelay = s.MaxDelay
	}
	return cfg
}

// CleanupConfig tunes the periodic sweep of expired and aged rows.
type CleanupConfig struct {
	Interval        time.Duration `yaml:"interval"`
	ResultRetention time.Duration `yaml:"result_retention"`
	QueueRetention  time.Duration `yaml:"queue_retention"`
}
