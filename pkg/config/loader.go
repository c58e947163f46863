package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// configFile is the main configuration file under the config directory.
const configFile = "enrich.yaml"

// Initialize loads, merges, and validates configuration.
//
// Steps performed:
//  1. Read enrich.yaml from configDir (optional; defaults apply without it)
//  2. Expand {{.ENV_VAR}} references
//  3. Parse YAML and merge it over built-in defaults
//  4. Apply environment-variable overrides for deploy-time settings
//  5. Validate
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := defaultConfig()

	data, err := os.ReadFile(filepath.Join(configDir, configFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info("No config file found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", configFile, err)
	default:
		var fileCfg Config
		if err := yaml.Unmarshal(ExpandEnv(data), &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configFile, err)
		}
		// File values win over defaults; unset file fields keep defaults.
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info("Configuration initialized",
		"models", len(cfg.LLM.Models),
		"workers", cfg.Queue.WorkerCount,
		"batching", cfg.Results.BatchingEnabled())
	return cfg, nil
}

// applyEnvOverrides maps the stable deployment environment variables onto
// the configuration. Env values win over both defaults and YAML.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Providers.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.Providers.GeminiAPIToken, "GEMINI_API_TOKEN")
	setString(&cfg.Providers.BuiltWithAPIKey, "BUILTWITH_API_KEY")
	setString(&cfg.Providers.ProxycurlAPIKey, "PROXYCURL_API_KEY")
	setString(&cfg.Providers.ApifyAPIToken, "APIFY_API_KEY")
	setString(&cfg.Providers.RapidAPIKey, "RAPID_API_KEY")
	setString(&cfg.Providers.JinaAPIToken, "JINA_API_TOKEN")

	setInt(&cfg.Results.BatchThreshold, "TASK_RESULT_BATCH_THRESHOLD")
	setInt(&cfg.Results.BatchSize, "TASK_RESULT_BATCH_SIZE")
	setInt(&cfg.Results.MaxConcurrent, "TASK_RESULT_MAX_CONCURRENT")
	if raw := os.Getenv("ENABLE_RESULT_BATCHING"); raw != "" {
		if enabled, err := strconv.ParseBool(raw); err == nil {
			cfg.Results.EnableBatching = &enabled
		} else {
			slog.Warn("Ignoring unparseable ENABLE_RESULT_BATCHING", "value", raw)
		}
	}

	setString(&cfg.Callback.Endpoint, "CALLBACK_ENDPOINT")
	setString(&cfg.Callback.AuthToken, "CALLBACK_AUTH_TOKEN")
	setString(&cfg.Server.AuthToken, "API_AUTH_TOKEN")
	setInt(&cfg.Server.Port, "PORT")
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring unparseable integer env var", "key", key, "value", raw)
		return
	}
	*dst = val
}
