// Package cache implements the engine's two cache tiers: the external-API
// request/response cache and the LLM prompt cache. Both are backed by
// PostgreSQL rows keyed by a deterministic SHA-256 hash, with a short-TTL
// in-process tier in front of the API cache.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Header names stripped before keying so rotating credentials do not
// fragment the cache.
var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"api-key":       {},
	"x-api-key":     {},
}

// SanitizeHeaders returns a copy of headers without credential-bearing
// entries. Matching is case-insensitive; the original casing of surviving
// keys is preserved.
func SanitizeHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			continue
		}
		out[k] = v
	}
	return out
}

// RequestKey derives the cache key for an outbound API request:
// SHA256 over the canonical JSON of (url, params, sanitized headers).
// encoding/json emits map keys in sorted order, which makes the
// serialization canonical.
func RequestKey(url string, params map[string]any, headers map[string]string) (string, error) {
	material := map[string]any{
		"url":     url,
		"params":  params,
		"headers": SanitizeHeaders(headers),
	}
	return hashJSON(material)
}

// PromptKey derives the cache key for an LLM call:
// SHA256 over the canonical JSON of (prompt, provider, model, is_json,
// operation_tag, temperature). A system/user split must be collapsed into
// the canonical combined form before calling (see CombinePrompt).
func PromptKey(prompt, provider, model string, isJSON bool, operationTag string, temperature float32) (string, error) {
	material := map[string]any{
		"prompt":        prompt,
		"provider":      provider,
		"model":         model,
		"is_json":       isJSON,
		"operation_tag": operationTag,
		"temperature":   temperature,
	}
	return hashJSON(material)
}

// CombinePrompt collapses a system/user prompt pair into the canonical
// string used for cache keying.
func CombinePrompt(systemPrompt, userPrompt string) string {
	return fmt.Sprintf("<system>%s</system>\n\n<user>%s</user>", systemPrompt, userPrompt)
}

func hashJSON(material map[string]any) (string, error) {
	raw, err := json.Marshal(material)
	if err != nil {
		return "", fmt.Errorf("failed to serialize cache key material: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
