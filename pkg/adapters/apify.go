package adapters

import (
	"context"
	"fmt"
	"net/http"

	"github.com/leadfoundry/enrich/pkg/cache"
)

const (
	apifyRunSyncURL = "https://api.apify.com/v2/acts/%s/run-sync-get-dataset-items"

	// Activity scrapes go stale quickly compared to profile data.
	apifyTTLHours = 24 * 3

	defaultActivityActor = "curious_coder~linkedin-post-search-scraper"
)

// ApifyClient scrapes recent LinkedIn activity (posts, comments,
// reactions) through an Apify actor.
type ApifyClient struct {
	cache    *cache.APICache
	apiToken string
	actor    string
	baseURL  string
}

// NewApifyClient creates the client. actor may be empty to use the
// default activity scraper.
func NewApifyClient(apiCache *cache.APICache, apiToken, actor string) *ApifyClient {
	if actor == "" {
		actor = defaultActivityActor
	}
	return &ApifyClient{cache: apiCache, apiToken: apiToken, actor: actor, baseURL: apifyRunSyncURL}
}

// ActivityPayload carries the raw HTML payloads of one profile's recent
// activity, one per activity kind. The LinkedIn-activity task parses and
// interprets them.
type ActivityPayload struct {
	PostsHTML     string `json:"posts_html,omitempty"`
	CommentsHTML  string `json:"comments_html,omitempty"`
	ReactionsHTML string `json:"reactions_html,omitempty"`
}

// RecentActivity runs the actor synchronously for one profile and
// collects the scraped payloads.
func (c *ApifyClient) RecentActivity(ctx context.Context, linkedinURL, tenantID string) (*ActivityPayload, error) {
	endpoint := fmt.Sprintf(c.baseURL, c.actor)
	resp, err := c.cache.CachedRequest(ctx, endpoint, http.MethodPost,
		map[string]any{
			"profileUrl": linkedinURL,
			"token":      c.apiToken,
		},
		map[string]string{"Content-Type": "application/json"},
		cache.RequestOptions{TenantID: tenantID, TTLHours: apifyTTLHours})
	if err != nil {
		return nil, fmt.Errorf("apify activity scrape failed for %s: %w", linkedinURL, err)
	}
	if resp.Status >= 400 {
		return nil, fmt.Errorf("apify returned status %d for %s", resp.Status, linkedinURL)
	}

	items, ok := resp.Body.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected apify response shape for %s", linkedinURL)
	}

	payload := &ActivityPayload{}
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch str(entry["type"]) {
		case "posts":
			payload.PostsHTML = str(entry["html"])
		case "comments":
			payload.CommentsHTML = str(entry["html"])
		case "reactions":
			payload.ReactionsHTML = str(entry["html"])
		}
	}
	return payload, nil
}
