package adapters

import (
	"context"
	"fmt"
	"net/http"

	"github.com/leadfoundry/enrich/pkg/cache"
)

const (
	proxycurlPersonURL  = "https://nubela.co/proxycurl/api/v2/linkedin"
	proxycurlCompanyURL = "https://nubela.co/proxycurl/api/linkedin/company"

	proxycurlTTLHours = 24 * 30
)

// ProxycurlClient resolves LinkedIn profile snapshots.
type ProxycurlClient struct {
	cache      *cache.APICache
	apiKey     string
	personURL  string
	companyURL string
}

// NewProxycurlClient creates the client.
func NewProxycurlClient(apiCache *cache.APICache, apiKey string) *ProxycurlClient {
	return &ProxycurlClient{
		cache:      apiCache,
		apiKey:     apiKey,
		personURL:  proxycurlPersonURL,
		companyURL: proxycurlCompanyURL,
	}
}

// PersonProfile fetches a person's LinkedIn profile snapshot. The
// returned map mirrors the provider's response and stays opaque to the
// engine; prompts consume it as context JSON.
func (c *ProxycurlClient) PersonProfile(ctx context.Context, linkedinURL, tenantID string) (map[string]any, error) {
	return c.fetch(ctx, c.personURL, map[string]any{"linkedin_profile_url": linkedinURL}, tenantID)
}

// CompanyProfile fetches a company's LinkedIn profile snapshot.
func (c *ProxycurlClient) CompanyProfile(ctx context.Context, linkedinURL, tenantID string) (map[string]any, error) {
	return c.fetch(ctx, c.companyURL, map[string]any{"url": linkedinURL}, tenantID)
}

func (c *ProxycurlClient) fetch(ctx context.Context, endpoint string, params map[string]any, tenantID string) (map[string]any, error) {
	resp, err := c.cache.CachedRequest(ctx, endpoint, http.MethodGet, params,
		map[string]string{"Authorization": "Bearer " + c.apiKey},
		cache.RequestOptions{TenantID: tenantID, TTLHours: proxycurlTTLHours})
	if err != nil {
		return nil, fmt.Errorf("proxycurl request failed: %w", err)
	}
	if resp.Status == http.StatusNotFound {
		return nil, nil
	}
	if resp.Status >= 400 {
		return nil, fmt.Errorf("proxycurl returned status %d", resp.Status)
	}
	profile, ok := resp.Body.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected proxycurl response shape")
	}
	return profile, nil
}
