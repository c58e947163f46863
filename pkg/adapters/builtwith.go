package adapters

import (
	"context"
	"fmt"
	"net/http"

	"github.com/leadfoundry/enrich/pkg/cache"
)

const (
	builtWithURL      = "https://api.builtwith.com/v21/api.json"
	builtWithTTLHours = 24 * 30
)

// BuiltWithClient fetches the technology stack of a company website.
type BuiltWithClient struct {
	cache   *cache.APICache
	apiKey  string
	baseURL string
}

// NewBuiltWithClient creates the client.
func NewBuiltWithClient(apiCache *cache.APICache, apiKey string) *BuiltWithClient {
	return &BuiltWithClient{cache: apiCache, apiKey: apiKey, baseURL: builtWithURL}
}

// Technology is one detected product on a site.
type Technology struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

// Technologies returns the technologies detected on the domain,
// deduplicated by name across all paths of the site.
func (c *BuiltWithClient) Technologies(ctx context.Context, domain, tenantID string) ([]Technology, error) {
	resp, err := c.cache.CachedRequest(ctx, c.baseURL, http.MethodGet,
		map[string]any{"KEY": c.apiKey, "LOOKUP": domain},
		nil,
		cache.RequestOptions{TenantID: tenantID, TTLHours: builtWithTTLHours})
	if err != nil {
		return nil, fmt.Errorf("builtwith lookup failed for %s: %w", domain, err)
	}
	if resp.Status >= 400 {
		return nil, fmt.Errorf("builtwith returned status %d for %s", resp.Status, domain)
	}

	body, ok := resp.Body.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected builtwith response shape for %s", domain)
	}

	seen := map[string]struct{}{}
	var techs []Technology
	results, _ := body["Results"].([]any)
	for _, result := range results {
		entry, ok := result.(map[string]any)
		if !ok {
			continue
		}
		meta, _ := entry["Result"].(map[string]any)
		paths, _ := meta["Paths"].([]any)
		for _, path := range paths {
			p, ok := path.(map[string]any)
			if !ok {
				continue
			}
			items, _ := p["Technologies"].([]any)
			for _, item := range items {
				tech, ok := item.(map[string]any)
				if !ok {
					continue
				}
				name := str(tech["Name"])
				if name == "" {
					continue
				}
				if _, dup := seen[name]; dup {
					continue
				}
				seen[name] = struct{}{}
				techs = append(techs, Technology{Name: name, Category: str(tech["Tag"])})
			}
		}
	}
	return techs, nil
}
