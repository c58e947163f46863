package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/leadfoundry/enrich/pkg/metrics"
	"github.com/leadfoundry/enrich/pkg/models"
)

// LLMRecord is one cached prompt/response pair.
type LLMRecord struct {
	Provider     string
	Model        string
	Prompt       string
	IsJSON       bool
	OperationTag string
	Temperature  float32

	// Exactly one of ResponseData / ResponseText is set, matching IsJSON.
	ResponseData map[string]any
	ResponseText string

	TokenUsage models.TokenUsage
}

// LLMCache is the prompt/response cache backed by ai_prompt_cache rows.
type LLMCache struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// NewLLMCache creates the cache over the given database handle.
// metrics may be nil.
func NewLLMCache(db *sql.DB, m *metrics.Metrics) *LLMCache {
	return &LLMCache{db: db, metrics: m}
}

// Get returns the unexpired cached response for the keyed call, or
// ok=false on a miss.
func (c *LLMCache) Get(ctx context.Context, prompt, provider, model string, isJSON bool, operationTag string, temperature float32) (*LLMRecord, bool, error) {
	key, err := PromptKey(prompt, provider, model, isJSON, operationTag, temperature)
	if err != nil {
		return nil, false, err
	}

	var (
		responseData sql.NullString
		responseText sql.NullString
		usageJSON    []byte
	)
	row := c.db.QueryRowContext(ctx,
		`SELECT response_data_json, response_text, token_usage_json
		 FROM ai_prompt_cache
		 WHERE cache_key = $1 AND expires_at > NOW()
		 ORDER BY created_at DESC
		 LIMIT 1`, key)
	if err := row.Scan(&responseData, &responseText, &usageJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.countMiss()
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read llm cache: %w", err)
	}

	rec := &LLMRecord{
		Provider:     provider,
		Model:        model,
		Prompt:       prompt,
		IsJSON:       isJSON,
		OperationTag: operationTag,
		Temperature:  temperature,
		ResponseText: responseText.String,
	}
	if responseData.Valid && responseData.String != "" {
		if err := json.Unmarshal([]byte(responseData.String), &rec.ResponseData); err != nil {
			return nil, false, fmt.Errorf("corrupt llm cache entry %s: %w", key, err)
		}
	}
	if len(usageJSON) > 0 {
		if err := json.Unmarshal(usageJSON, &rec.TokenUsage); err != nil {
			return nil, false, fmt.Errorf("corrupt token usage on llm cache entry %s: %w", key, err)
		}
	}

	c.countHit()
	return rec, true, nil
}

// Put stores an LLM response. Callers must not store refusals or empty
// responses; Cacheable enforces that policy at the call site.
func (c *LLMCache) Put(ctx context.Context, rec *LLMRecord, tenantID string, ttlHours int) error {
	key, err := PromptKey(rec.Prompt, rec.Provider, rec.Model, rec.IsJSON, rec.OperationTag, rec.Temperature)
	if err != nil {
		return err
	}
	if ttlHours <= 0 {
		ttlHours = defaultTTLHours
	}

	var responseData any
	if rec.ResponseData != nil {
		raw, err := json.Marshal(rec.ResponseData)
		if err != nil {
			return fmt.Errorf("failed to serialize llm response: %w", err)
		}
		responseData = string(raw)
	}
	usageJSON, err := json.Marshal(rec.TokenUsage)
	if err != nil {
		return fmt.Errorf("failed to serialize token usage: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO ai_prompt_cache
		   (cache_key, provider, model, prompt, is_json, operation_tag, temperature,
		    response_data_json, response_text, token_usage_json, tenant_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW() + make_interval(hours => $12))
		 ON CONFLICT (cache_key) DO UPDATE SET
		   response_data_json = EXCLUDED.response_data_json,
		   response_text = EXCLUDED.response_text,
		   token_usage_json = EXCLUDED.token_usage_json,
		   created_at = EXCLUDED.created_at,
		   expires_at = EXCLUDED.expires_at`,
		key, rec.Provider, rec.Model, rec.Prompt, rec.IsJSON, rec.OperationTag, rec.Temperature,
		responseData, nullable(rec.ResponseText), usageJSON, nullable(tenantID), ttlHours)
	if err != nil {
		return fmt.Errorf("failed to write llm cache: %w", err)
	}
	return nil
}

// Cacheable reports whether a response may be persisted. Empty responses
// and objects carrying error/refusal keys are never cached.
func Cacheable(isJSON bool, data map[string]any, text string) bool {
	if isJSON {
		if len(data) == 0 {
			return false
		}
		if _, ok := data["error"]; ok {
			return false
		}
		if _, ok := data["refusal"]; ok {
			return false
		}
		return true
	}
	return text != ""
}

func (c *LLMCache) countHit() {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues("llm").Inc()
	}
}

func (c *LLMCache) countMiss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.WithLabelValues("llm").Inc()
	}
}
