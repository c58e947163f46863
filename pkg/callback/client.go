// Package callback carries progress and results between the engine and
// the control plane: an outbound client that delivers callback events
// idempotently, and an inbound handler that merges paginated enrichment
// streams into account and lead state.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/leadfoundry/enrich/pkg/metrics"
	"github.com/leadfoundry/enrich/pkg/models"
	"github.com/leadfoundry/enrich/pkg/retry"
)

// Client delivers callback events to the control plane. Deliveries are
// idempotent: each carries an X-Idempotency-Key derived from the event,
// and duplicate terminal events for a job are dropped while a delivery
// is in flight. Replays after delivery dedupe server-side on the key.
type Client struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
	retryCfg   retry.Config
	metrics    *metrics.Metrics

	mu        sync.Mutex
	terminals map[string]struct{}
}

// ClientOption tunes a Client.
type ClientOption func(*Client)

// WithRetryConfig overrides the delivery retry schedule.
func WithRetryConfig(cfg retry.Config) ClientOption {
	return func(c *Client) { c.retryCfg = cfg }
}

// WithAuthToken sets the bearer token attached to deliveries.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) { c.authToken = token }
}

// WithMetrics records delivery counts into the given instruments.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a delivery client for the given callback endpoint.
func NewClient(endpoint string, httpClient *http.Client, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		retryCfg:   retry.DefaultConfig,
		terminals:  map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Emit delivers one callback event. Transport failures and 429/5xx
// responses are retried; other HTTP errors surface immediately. A
// terminal event for a job whose terminal delivery is already in flight
// is dropped silently.
func (c *Client) Emit(ctx context.Context, event *models.CallbackEvent) error {
	if event.Status.IsTerminal() && !c.claimTerminal(event.JobID) {
		slog.Debug("Dropping duplicate terminal callback", "job_id", event.JobID, "status", event.Status)
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize callback event: %w", err)
	}

	_, err = retry.Do(ctx, c.retryCfg, "callback_delivery", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.deliver(ctx, event, body)
	})
	if event.Status.IsTerminal() {
		// Evict whether delivery succeeded or not: success is durable and
		// the idempotency key dedupes replays server-side, while failure
		// must leave the job free to retry. The guard only spans the
		// in-flight delivery, so the map stays bounded.
		c.releaseTerminal(event.JobID)
	}
	if err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.CallbacksEmitted.WithLabelValues(string(event.Status)).Inc()
	}
	return nil
}

func (c *Client) deliver(ctx context.Context, event *models.CallbackEvent, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", idempotencyKey(event))
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Retryable(fmt.Errorf("callback delivery failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return retry.Retryable(fmt.Errorf("callback endpoint returned status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("callback endpoint rejected event with status %d", resp.StatusCode)
	}
	return nil
}

// idempotencyKey identifies one logical delivery: the same job, status,
// and page always map to the same key, so control-plane retries dedupe.
func idempotencyKey(event *models.CallbackEvent) string {
	page := 0
	if event.Pagination != nil {
		page = event.Pagination.Page
	}
	return fmt.Sprintf("%s:%s:%d", event.JobID, event.Status, page)
}

func (c *Client) claimTerminal(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.terminals[jobID]; seen {
		return false
	}
	c.terminals[jobID] = struct{}{}
	return true
}

func (c *Client) releaseTerminal(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.terminals, jobID)
}
