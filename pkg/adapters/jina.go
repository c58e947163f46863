// Package adapters wraps the third-party enrichment APIs the tasks call.
// Every outbound request goes through the API cache, so repeated
// enrichment of the same entity within the TTL costs nothing.
package adapters

import (
	"context"
	"fmt"
	"net/http"

	"github.com/leadfoundry/enrich/pkg/cache"
)

const (
	jinaSearchURL = "https://s.jina.ai/"
	jinaReaderURL = "https://r.jina.ai/"

	jinaTTLHours = 24 * 7
)

// JinaClient performs web search and page-to-markdown conversion.
type JinaClient struct {
	cache     *cache.APICache
	token     string
	searchURL string
	readerURL string
}

// NewJinaClient creates the client. token is the Jina API token.
func NewJinaClient(apiCache *cache.APICache, token string) *JinaClient {
	return &JinaClient{
		cache:     apiCache,
		token:     token,
		searchURL: jinaSearchURL,
		readerURL: jinaReaderURL,
	}
}

// SearchResult is one organic result from a web search.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content,omitempty"`
}

// Search runs a web search and returns the organic results.
func (c *JinaClient) Search(ctx context.Context, query, tenantID string) ([]SearchResult, error) {
	resp, err := c.cache.CachedRequest(ctx, c.searchURL, http.MethodGet,
		map[string]any{"q": query},
		map[string]string{
			"Authorization": "Bearer " + c.token,
			"Accept":        "application/json",
		},
		cache.RequestOptions{TenantID: tenantID, TTLHours: jinaTTLHours})
	if err != nil {
		return nil, fmt.Errorf("jina search failed: %w", err)
	}
	if resp.Status >= 400 {
		return nil, fmt.Errorf("jina search returned status %d", resp.Status)
	}

	body, ok := resp.Body.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected jina search response shape")
	}
	items, _ := body["data"].([]any)
	results := make([]SearchResult, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		results = append(results, SearchResult{
			Title:       str(entry["title"]),
			URL:         str(entry["url"]),
			Description: str(entry["description"]),
			Content:     str(entry["content"]),
		})
	}
	return results, nil
}

// ReadPage fetches a web page rendered to LLM-friendly markdown.
func (c *JinaClient) ReadPage(ctx context.Context, pageURL, tenantID string) (string, error) {
	resp, err := c.cache.CachedRequest(ctx, c.readerURL+pageURL, http.MethodGet, nil,
		map[string]string{"Authorization": "Bearer " + c.token},
		cache.RequestOptions{TenantID: tenantID, TTLHours: jinaTTLHours})
	if err != nil {
		return "", fmt.Errorf("jina reader failed for %s: %w", pageURL, err)
	}
	if resp.Status >= 400 {
		return "", fmt.Errorf("jina reader returned status %d for %s", resp.Status, pageURL)
	}

	switch body := resp.Body.(type) {
	case string:
		return body, nil
	case map[string]any:
		if data, ok := body["data"].(map[string]any); ok {
			return str(data["content"]), nil
		}
	}
	return "", fmt.Errorf("unexpected jina reader response shape for %s", pageURL)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
