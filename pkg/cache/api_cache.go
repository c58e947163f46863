package cache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/leadfoundry/enrich/pkg/metrics"
	"github.com/leadfoundry/enrich/pkg/retry"
)

// Shared outbound HTTP pool limits.
const (
	maxIdleConns    = 10
	maxConns        = 20
	requestTimeout  = 30 * time.Second
	hotTierTTL      = 5 * time.Minute
	hotTierSweep    = 10 * time.Minute
	defaultTTLHours = 24 * 7
)

// NewHTTPClient builds the shared bounded connection pool used for all
// outbound third-party calls.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        maxIdleConns,
			MaxIdleConnsPerHost: maxIdleConns,
			MaxConnsPerHost:     maxConns,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// CachedResponse is what CachedRequest returns: the response body (parsed
// JSON when possible, raw string otherwise) and the HTTP status.
type CachedResponse struct {
	Body   any
	Status int
}

// APICache gates all outbound HTTP to third-party APIs through a
// hash-keyed request/response cache. Rows live in api_request_cache;
// a process-local go-cache tier absorbs burst re-reads within a task.
type APICache struct {
	db      *sql.DB
	client  *http.Client
	hot     *gocache.Cache
	metrics *metrics.Metrics
}

// NewAPICache creates the cache over the given database handle and shared
// HTTP client. metrics may be nil.
func NewAPICache(db *sql.DB, client *http.Client, m *metrics.Metrics) *APICache {
	if client == nil {
		client = NewHTTPClient()
	}
	return &APICache{
		db:      db,
		client:  client,
		hot:     gocache.New(hotTierTTL, hotTierSweep),
		metrics: m,
	}
}

// Get returns the most recent unexpired cached response for the request,
// or ok=false on a miss.
func (c *APICache) Get(ctx context.Context, urlStr, method string, params map[string]any, headers map[string]string) (*CachedResponse, bool, error) {
	key, err := RequestKey(urlStr, params, headers)
	if err != nil {
		return nil, false, err
	}

	if cached, found := c.hot.Get(key); found {
		c.countHit("memory")
		resp := cached.(CachedResponse)
		return &resp, true, nil
	}

	var (
		responseJSON []byte
		status       int
	)
	row := c.db.QueryRowContext(ctx,
		`SELECT response_json, response_status
		 FROM api_request_cache
		 WHERE cache_key = $1 AND method = $2 AND expires_at > NOW()
		 ORDER BY created_at DESC
		 LIMIT 1`, key, method)
	if err := row.Scan(&responseJSON, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.countMiss("api")
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read api cache: %w", err)
	}

	c.countHit("api")
	resp := CachedResponse{Body: decodeBody(responseJSON), Status: status}
	c.hot.Set(key, resp, gocache.DefaultExpiration)
	return &resp, true, nil
}

// Put stores a response under the request's key with the given TTL.
func (c *APICache) Put(ctx context.Context, urlStr, method string, params map[string]any, headers map[string]string, body any, status int, tenantID string, ttlHours int) error {
	key, err := RequestKey(urlStr, params, headers)
	if err != nil {
		return err
	}
	if ttlHours <= 0 {
		ttlHours = defaultTTLHours
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to serialize params: %w", err)
	}
	headersJSON, err := json.Marshal(SanitizeHeaders(headers))
	if err != nil {
		return fmt.Errorf("failed to serialize headers: %w", err)
	}
	responseJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO api_request_cache
		   (cache_key, method, url, params_json, headers_json, response_json, response_status, tenant_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW() + make_interval(hours => $9))
		 ON CONFLICT (cache_key) DO UPDATE SET
		   response_json = EXCLUDED.response_json,
		   response_status = EXCLUDED.response_status,
		   created_at = EXCLUDED.created_at,
		   expires_at = EXCLUDED.expires_at`,
		key, method, urlStr, paramsJSON, headersJSON, responseJSON, status, nullable(tenantID), ttlHours)
	if err != nil {
		return fmt.Errorf("failed to write api cache: %w", err)
	}

	c.hot.Set(key, CachedResponse{Body: body, Status: status}, gocache.DefaultExpiration)
	return nil
}

// RequestOptions tunes one CachedRequest call.
type RequestOptions struct {
	TenantID     string
	TTLHours     int
	ForceRefresh bool
	Retry        *retry.Config
}

// CachedRequest checks the cache and, on a miss (or ForceRefresh),
// performs the HTTP call over the shared pool, stores any status < 400
// response, and returns it. Transport failures and 429/5xx statuses are
// retried; errors propagate to the caller without caching.
func (c *APICache) CachedRequest(ctx context.Context, urlStr, method string, params map[string]any, headers map[string]string, opts RequestOptions) (*CachedResponse, error) {
	if !opts.ForceRefresh {
		if resp, ok, err := c.Get(ctx, urlStr, method, params, headers); err != nil {
			slog.Warn("API cache read failed, falling through to live call", "url", urlStr, "error", err)
		} else if ok {
			return resp, nil
		}
	}

	retryCfg := retry.DefaultConfig
	if opts.Retry != nil {
		retryCfg = *opts.Retry
	}

	resp, err := retry.Do(ctx, retryCfg, "api_request", func(ctx context.Context) (*CachedResponse, error) {
		return c.perform(ctx, urlStr, method, params, headers)
	})
	if err != nil {
		return nil, err
	}

	if resp.Status < 400 {
		if err := c.Put(ctx, urlStr, method, params, headers, resp.Body, resp.Status, opts.TenantID, opts.TTLHours); err != nil {
			slog.Warn("Failed to cache API response", "url", urlStr, "error", err)
		}
	}
	return resp, nil
}

// perform executes one HTTP round trip. GET requests encode params into
// the query string; other methods send them as a JSON body.
func (c *APICache) perform(ctx context.Context, urlStr, method string, params map[string]any, headers map[string]string) (*CachedResponse, error) {
	var body io.Reader
	target := urlStr
	if method == http.MethodGet {
		if len(params) > 0 {
			q := url.Values{}
			for k, v := range params {
				q.Set(k, fmt.Sprintf("%v", v))
			}
			sep := "?"
			if u, err := url.Parse(urlStr); err == nil && u.RawQuery != "" {
				sep = "&"
			}
			target = urlStr + sep + q.Encode()
		}
	} else if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.client.Do(req)
	if err != nil {
		// Connection errors and timeouts are transient.
		return nil, retry.Retryable(fmt.Errorf("request to %s failed: %w", urlStr, err))
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("failed to read response from %s: %w", urlStr, err))
	}

	if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
		return nil, retry.Retryable(fmt.Errorf("%s returned status %d", urlStr, httpResp.StatusCode))
	}

	return &CachedResponse{Body: decodeBody(raw), Status: httpResp.StatusCode}, nil
}

// decodeBody parses JSON bodies into a generic tree, falling back to the
// raw string for non-JSON payloads (HTML pages, plain text).
func decodeBody(raw []byte) any {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err == nil {
		return parsed
	}
	return string(raw)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (c *APICache) countHit(tier string) {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(tier).Inc()
	}
}

func (c *APICache) countMiss(tier string) {
	if c.metrics != nil {
		c.metrics.CacheMisses.WithLabelValues(tier).Inc()
	}
}
