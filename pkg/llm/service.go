package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/leadfoundry/enrich/pkg/cache"
	"github.com/leadfoundry/enrich/pkg/metrics"
	"github.com/leadfoundry/enrich/pkg/models"
	"github.com/leadfoundry/enrich/pkg/retry"
)

// Prompt carries either a combined prompt or a system/user split. The
// split form is preferred; both wired providers pass the system prompt
// through natively. Cache keys always use the canonical combined form.
type Prompt struct {
	System   string
	User     string
	Combined string
}

// Canonical returns the string used for cache keying.
func (p Prompt) Canonical() string {
	if p.Combined != "" {
		return p.Combined
	}
	return cache.CombinePrompt(p.System, p.User)
}

// split returns the system/user pair handed to providers.
func (p Prompt) split() (string, string) {
	if p.Combined != "" {
		return "", p.Combined
	}
	return p.System, p.User
}

// ModelConfig describes one allow-listed model.
type ModelConfig struct {
	Provider         string  `yaml:"provider"`
	Fallback         string  `yaml:"fallback,omitempty"`
	InputCostPer1M   float64 `yaml:"input_cost_per_1m"`
	OutputCostPer1M  float64 `yaml:"output_cost_per_1m"`
	SearchCapable    bool    `yaml:"search_capable,omitempty"`
	SearchModelAlias string  `yaml:"search_model_alias,omitempty"`
}

// ServiceConfig tunes the LLM service.
type ServiceConfig struct {
	DefaultModel         string                 `yaml:"default_model"`
	DefaultTemperature   float32                `yaml:"default_temperature"`
	CacheTTLHours        int                    `yaml:"cache_ttl_hours"`
	SearchCostMultiplier float64                `yaml:"search_cost_multiplier"`
	Models               map[string]ModelConfig `yaml:"models"`
	Retry                retry.Config           `yaml:"-"`
}

// Result is the uniform answer of all three capabilities. Data is set for
// JSON calls, Text always carries the raw completion. Usage is present on
// uncached responses and replayed from cache on hits.
type Result struct {
	Data   map[string]any
	Text   string
	Usage  *models.TokenUsage
	Cached bool
}

// GenerateOptions tunes one generation call.
type GenerateOptions struct {
	Model          string
	IsJSON         bool
	OperationTag   string
	Temperature    *float32
	ThinkingBudget *models.ThinkingBudget
	ForceRefresh   bool
	TenantID       string
}

// SearchOptions tunes one search-grounded call.
type SearchOptions struct {
	Model             string
	OperationTag      string
	Temperature       *float32
	SearchContextSize models.SearchContextSize
	UserLocation      string
	ForceRefresh      bool
	TenantID          string
}

// Service is the uniform capability set over the configured providers.
// It owns prompt caching, deterministic keying, retries, and model
// fallback; it is safe for concurrent use.
type Service struct {
	cfg       ServiceConfig
	providers map[string]Provider
	cache     *cache.LLMCache
	metrics   *metrics.Metrics
	parsers   *parserPool
}

// NewService wires the service. cache and metrics may be nil (caching and
// instrumentation disabled, used by tests).
func NewService(cfg ServiceConfig, providers map[string]Provider, llmCache *cache.LLMCache, m *metrics.Metrics) *Service {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	if cfg.SearchCostMultiplier <= 0 {
		cfg.SearchCostMultiplier = 1
	}
	return &Service{
		cfg:       cfg,
		providers: providers,
		cache:     llmCache,
		metrics:   m,
		parsers:   newParserPool(4),
	}
}

// ProviderFor resolves the provider name for an allow-listed model.
// Unknown models return ErrUnsupportedModel.
func (s *Service) ProviderFor(model string) (string, error) {
	mc, ok := s.cfg.Models[model]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
	}
	return mc.Provider, nil
}

// SupportsModel reports whether the model is allow-listed.
func (s *Service) SupportsModel(model string) bool {
	_, ok := s.cfg.Models[model]
	return ok
}

// GenerateContent runs a plain (optionally JSON-mode) generation.
func (s *Service) GenerateContent(ctx context.Context, prompt Prompt, opts GenerateOptions) (*Result, error) {
	req, mc, err := s.resolve(prompt, opts.Model, opts.Temperature)
	if err != nil {
		return nil, err
	}
	req.IsJSON = opts.IsJSON
	req.ThinkingBudget = opts.ThinkingBudget

	return s.execute(ctx, prompt, req, mc, opts.OperationTag, opts.TenantID, opts.ForceRefresh, false)
}

// GenerateSearchContent runs a web-grounded generation. The result's Data
// carries a _search_metadata object when the provider exposed grounding.
func (s *Service) GenerateSearchContent(ctx context.Context, prompt Prompt, opts SearchOptions) (*Result, error) {
	req, mc, err := s.resolve(prompt, opts.Model, opts.Temperature)
	if err != nil {
		return nil, err
	}
	req.IsJSON = true
	req.Search = true
	req.SearchContextSize = opts.SearchContextSize
	req.UserLocation = opts.UserLocation
	zero := models.ThinkingBudgetZero
	req.ThinkingBudget = &zero

	return s.execute(ctx, prompt, req, mc, opts.OperationTag, opts.TenantID, opts.ForceRefresh, true)
}

// GenerateStructuredSearchContent runs a web-grounded generation whose
// answer must conform to responseSchema.
func (s *Service) GenerateStructuredSearchContent(ctx context.Context, prompt Prompt, responseSchema map[string]any, opts SearchOptions) (*Result, error) {
	req, mc, err := s.resolve(prompt, opts.Model, opts.Temperature)
	if err != nil {
		return nil, err
	}
	req.IsJSON = true
	req.Search = true
	req.SearchContextSize = opts.SearchContextSize
	req.UserLocation = opts.UserLocation
	req.ResponseSchema = responseSchema
	zero := models.ThinkingBudgetZero
	req.ThinkingBudget = &zero

	return s.execute(ctx, prompt, req, mc, opts.OperationTag, opts.TenantID, opts.ForceRefresh, true)
}

// resolve validates the model, fills prompt and temperature defaults, and
// returns the provider request skeleton plus the model's config.
func (s *Service) resolve(prompt Prompt, model string, temperature *float32) (Request, ModelConfig, error) {
	if model == "" {
		model = s.cfg.DefaultModel
	}
	mc, ok := s.cfg.Models[model]
	if !ok {
		return Request{}, ModelConfig{}, fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
	}

	temp := s.cfg.DefaultTemperature
	if temperature != nil {
		temp = *temperature
	}

	system, user := prompt.split()
	return Request{
		Model:        model,
		SystemPrompt: system,
		UserPrompt:   user,
		Temperature:  temp,
	}, mc, nil
}

// execute runs the cache-check / call / fallback / cache-store pipeline.
func (s *Service) execute(ctx context.Context, prompt Prompt, req Request, mc ModelConfig, operationTag, tenantID string, forceRefresh, search bool) (*Result, error) {
	provider, ok := s.providers[mc.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", mc.Provider)
	}

	canonical := prompt.Canonical()
	if s.cache != nil && !forceRefresh {
		rec, hit, err := s.cache.Get(ctx, canonical, provider.Name(), req.Model, req.IsJSON, operationTag, req.Temperature)
		if err != nil {
			slog.Warn("LLM cache read failed, calling provider", "operation_tag", operationTag, "error", err)
		} else if hit {
			return &Result{
				Data:   rec.ResponseData,
				Text:   rec.ResponseText,
				Usage:  &rec.TokenUsage,
				Cached: true,
			}, nil
		}
	}

	resp, err := s.callWithFallback(ctx, provider, req, mc, operationTag)
	if err != nil {
		s.countCall(provider.Name(), "error")
		return nil, err
	}
	s.countCall(provider.Name(), "ok")

	result := &Result{Text: resp.Text}
	if req.IsJSON {
		data, ok := s.parsers.extract(ctx, resp.Text)
		if !ok {
			slog.Warn("Failed to extract JSON from LLM response",
				"operation_tag", operationTag, "model", req.Model)
		}
		result.Data = data
	}
	if search && len(resp.Sources) > 0 && result.Data != nil {
		result.Data["_search_metadata"] = map[string]any{
			"sources":         resp.Sources,
			"markdown":        SourcesMarkdown(resp.Sources),
			"segment_sources": resp.SegmentSources,
		}
	}

	usage := s.usageFor(resp, mc, provider.Name(), operationTag, search)
	result.Usage = &usage
	s.recordUsage(usage)

	if s.cache != nil && cache.Cacheable(req.IsJSON, result.Data, result.Text) {
		rec := &cache.LLMRecord{
			Provider:     provider.Name(),
			Model:        req.Model,
			Prompt:       canonical,
			IsJSON:       req.IsJSON,
			OperationTag: operationTag,
			Temperature:  req.Temperature,
			ResponseData: result.Data,
			ResponseText: result.Text,
			TokenUsage:   usage,
		}
		if err := s.cache.Put(ctx, rec, tenantID, s.cfg.CacheTTLHours); err != nil {
			slog.Warn("Failed to cache LLM response", "operation_tag", operationTag, "error", err)
		}
	}

	return result, nil
}

// callWithFallback retries the primary model and, when it keeps failing
// with a capacity-class error, retries once more against the configured
// fallback model before surfacing the error.
func (s *Service) callWithFallback(ctx context.Context, provider Provider, req Request, mc ModelConfig, operationTag string) (*Response, error) {
	resp, err := retry.Do(ctx, s.cfg.Retry, "llm:"+operationTag, func(ctx context.Context) (*Response, error) {
		return s.callOnce(ctx, provider, req)
	})
	if err == nil {
		return resp, nil
	}
	if mc.Fallback == "" || !IsCapacity(err) {
		return nil, err
	}

	slog.Warn("Primary model failed, trying fallback",
		"operation_tag", operationTag,
		"model", req.Model,
		"fallback", mc.Fallback,
		"error", err)
	s.countCall(provider.Name(), "fallback")

	fallbackReq := req
	fallbackReq.Model = mc.Fallback
	resp, fbErr := retry.Do(ctx, s.cfg.Retry, "llm-fallback:"+operationTag, func(ctx context.Context) (*Response, error) {
		return s.callOnce(ctx, provider, fallbackReq)
	})
	if fbErr != nil {
		// Surface the primary failure; the fallback attempt is logged.
		slog.Error("Fallback model also failed",
			"operation_tag", operationTag, "fallback", mc.Fallback, "error", fbErr)
		return nil, err
	}
	return resp, nil
}

// callOnce invokes the provider, tagging transient failures as retryable.
func (s *Service) callOnce(ctx context.Context, provider Provider, req Request) (*Response, error) {
	resp, err := provider.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, ErrEmptyResponse) || IsCapacity(err) {
			return nil, retry.Retryable(err)
		}
		return nil, err
	}
	return resp, nil
}

// usageFor computes the token usage and dollar cost of one response.
func (s *Service) usageFor(resp *Response, mc ModelConfig, providerName, operationTag string, search bool) models.TokenUsage {
	cost := float64(resp.PromptTokens)/1e6*mc.InputCostPer1M +
		float64(resp.CompletionTokens)/1e6*mc.OutputCostPer1M
	if search {
		cost *= s.cfg.SearchCostMultiplier
	}
	return models.TokenUsage{
		OperationTag:     operationTag,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.PromptTokens + resp.CompletionTokens,
		TotalCostInUSD:   cost,
		Provider:         providerName,
	}
}

func (s *Service) recordUsage(usage models.TokenUsage) {
	if s.metrics == nil {
		return
	}
	s.metrics.LLMTokens.WithLabelValues(usage.Provider, usage.OperationTag, "prompt").Add(float64(usage.PromptTokens))
	s.metrics.LLMTokens.WithLabelValues(usage.Provider, usage.OperationTag, "completion").Add(float64(usage.CompletionTokens))
	s.metrics.LLMCostUSD.WithLabelValues(usage.Provider, usage.OperationTag).Add(usage.TotalCostInUSD)
}

func (s *Service) countCall(provider, outcome string) {
	if s.metrics != nil {
		s.metrics.LLMCalls.WithLabelValues(provider, outcome).Inc()
	}
}
