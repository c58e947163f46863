package config

import (
	"time"

	"github.com/leadfoundry/enrich/pkg/llm"
)

// defaultConfig is the baseline every deployment merges its YAML over.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Queue: DefaultQueueConfig(),
		LLM: llm.ServiceConfig{
			DefaultModel:         "gpt-4o",
			DefaultTemperature:   0.2,
			CacheTTLHours:        72,
			SearchCostMultiplier: 2,
			Models: map[string]llm.ModelConfig{
				"gpt-4o": {
					Provider:        "openai",
					Fallback:        "gpt-4o-mini",
					InputCostPer1M:  2.5,
					OutputCostPer1M: 10,
					SearchCapable:   true,
				},
				"gpt-4o-mini": {
					Provider:        "openai",
					InputCostPer1M:  0.15,
					OutputCostPer1M: 0.6,
				},
				"gemini-2.0-flash": {
					Provider:        "gemini",
					Fallback:        "gpt-4o-mini",
					InputCostPer1M:  0.1,
					OutputCostPer1M: 0.4,
					SearchCapable:   true,
				},
			},
		},
		Results: ResultsConfig{
			BatchThreshold: 50,
			BatchSize:      100,
			MaxConcurrent:  4,
		},
		Retry: RetrySettings{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		Cleanup: CleanupConfig{
			Interval:        time.Hour,
			ResultRetention: 90 * 24 * time.Hour,
			QueueRetention:  14 * 24 * time.Hour,
		},
	}
}
