package config

import (
	"errors"
	"fmt"
)

// validate checks the merged configuration for internal consistency.
func (c *Config) validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}

	if c.Queue.WorkerCount <= 0 {
		errs = append(errs, errors.New("queue worker_count must be positive"))
	}
	if c.Queue.MaxConcurrentTasks <= 0 {
		errs = append(errs, errors.New("queue max_concurrent_tasks must be positive"))
	}
	if c.Queue.OrphanThreshold <= c.Queue.HeartbeatInterval {
		errs = append(errs, errors.New("queue orphan_threshold must exceed heartbeat_interval"))
	}

	if c.LLM.DefaultModel == "" {
		errs = append(errs, errors.New("llm default_model is required"))
	} else if _, ok := c.LLM.Models[c.LLM.DefaultModel]; !ok {
		errs = append(errs, fmt.Errorf("llm default_model %q is not in the model registry", c.LLM.DefaultModel))
	}
	for name, mc := range c.LLM.Models {
		if mc.Provider == "" {
			errs = append(errs, fmt.Errorf("model %q has no provider", name))
		}
		if mc.Fallback != "" {
			if _, ok := c.LLM.Models[mc.Fallback]; !ok {
				errs = append(errs, fmt.Errorf("model %q falls back to unknown model %q", name, mc.Fallback))
			}
		}
	}

	if c.Results.BatchThreshold <= 0 {
		errs = append(errs, errors.New("results batch_threshold must be positive"))
	}
	if c.Results.BatchSize <= 0 {
		errs = append(errs, errors.New("results batch_size must be positive"))
	}
	if c.Results.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("results max_concurrent must be positive"))
	}

	return errors.Join(errs...)
}
