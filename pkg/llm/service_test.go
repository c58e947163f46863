package llm

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadfoundry/enrich/pkg/models"
	"github.com/leadfoundry/enrich/pkg/retry"
)

// fakeProvider scripts responses per model name and records the calls it
// received.
type fakeProvider struct {
	mu        sync.Mutex
	responses map[string][]fakeReply
	calls     []Request
}

type fakeReply struct {
	resp *Response
	err  error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(_ context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	replies := f.responses[req.Model]
	if len(replies) == 0 {
		return &Response{Text: "default", PromptTokens: 10, CompletionTokens: 5}, nil
	}
	reply := replies[0]
	if len(replies) > 1 {
		f.responses[req.Model] = replies[1:]
	}
	return reply.resp, reply.err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestService(provider *fakeProvider) *Service {
	cfg := ServiceConfig{
		DefaultModel:         "primary-model",
		DefaultTemperature:   0.2,
		SearchCostMultiplier: 2,
		Models: map[string]ModelConfig{
			"primary-model":  {Provider: "fake", Fallback: "backup-model", InputCostPer1M: 1, OutputCostPer1M: 2},
			"backup-model":   {Provider: "fake", InputCostPer1M: 0.5, OutputCostPer1M: 1},
			"stubborn-model": {Provider: "fake", InputCostPer1M: 1, OutputCostPer1M: 1},
		},
		Retry: retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
	return NewService(cfg, map[string]Provider{"fake": provider}, nil, nil)
}

func TestGenerateContent_JSONExtraction(t *testing.T) {
	provider := &fakeProvider{responses: map[string][]fakeReply{
		"primary-model": {{resp: &Response{
			Text:             "```json\n{\"value\":\"Boston\"}\n```",
			PromptTokens:     100,
			CompletionTokens: 50,
		}}},
	}}
	svc := newTestService(provider)

	result, err := svc.GenerateContent(context.Background(), Prompt{User: "HQ city?"},
		GenerateOptions{IsJSON: true, OperationTag: "test"})
	require.NoError(t, err)
	assert.Equal(t, "Boston", result.Data["value"])
	assert.False(t, result.Cached)

	require.NotNil(t, result.Usage)
	assert.Equal(t, 150, result.Usage.TotalTokens)
	// 100/1e6*1 + 50/1e6*2
	assert.InDelta(t, 0.0002, result.Usage.TotalCostInUSD, 1e-9)
	assert.Equal(t, "fake", result.Usage.Provider)
	assert.Equal(t, "test", result.Usage.OperationTag)
}

func TestGenerateContent_UnsupportedModel(t *testing.T) {
	svc := newTestService(&fakeProvider{})
	_, err := svc.GenerateContent(context.Background(), Prompt{User: "x"},
		GenerateOptions{Model: "mystery-model"})
	require.ErrorIs(t, err, ErrUnsupportedModel)
}

func TestGenerateContent_TemperatureOverride(t *testing.T) {
	provider := &fakeProvider{responses: map[string][]fakeReply{}}
	svc := newTestService(provider)

	_, err := svc.GenerateContent(context.Background(), Prompt{User: "x"}, GenerateOptions{OperationTag: "t"})
	require.NoError(t, err)
	temp := float32(0.9)
	_, err = svc.GenerateContent(context.Background(), Prompt{User: "x"},
		GenerateOptions{OperationTag: "t", Temperature: &temp})
	require.NoError(t, err)

	require.Len(t, provider.calls, 2)
	assert.Equal(t, float32(0.2), provider.calls[0].Temperature, "service default applies")
	assert.Equal(t, float32(0.9), provider.calls[1].Temperature, "explicit temperature overrides")
}

func TestCallWithFallback_CapacityErrorUsesFallbackModel(t *testing.T) {
	capacity := &ProviderError{Provider: "fake", Model: "primary-model", StatusCode: http.StatusTooManyRequests, Message: "rate limited"}
	provider := &fakeProvider{responses: map[string][]fakeReply{
		"primary-model": {{err: capacity}, {err: capacity}},
		"backup-model":  {{resp: &Response{Text: `{"ok":true}`, PromptTokens: 5, CompletionTokens: 5}}},
	}}
	svc := newTestService(provider)

	result, err := svc.GenerateContent(context.Background(), Prompt{User: "x"},
		GenerateOptions{IsJSON: true, OperationTag: "t"})
	require.NoError(t, err)
	assert.Equal(t, true, result.Data["ok"])

	// Two exhausted attempts on the primary, one success on the fallback.
	require.Len(t, provider.calls, 3)
	assert.Equal(t, "primary-model", provider.calls[0].Model)
	assert.Equal(t, "primary-model", provider.calls[1].Model)
	assert.Equal(t, "backup-model", provider.calls[2].Model)
}

func TestCallWithFallback_NonCapacityErrorSurfaces(t *testing.T) {
	badRequest := &ProviderError{Provider: "fake", Model: "primary-model", StatusCode: http.StatusBadRequest, Message: "invalid prompt"}
	provider := &fakeProvider{responses: map[string][]fakeReply{
		"primary-model": {{err: badRequest}},
	}}
	svc := newTestService(provider)

	_, err := svc.GenerateContent(context.Background(), Prompt{User: "x"}, GenerateOptions{OperationTag: "t"})
	require.Error(t, err)
	assert.Equal(t, 1, provider.callCount(), "4xx errors are neither retried nor sent to the fallback")
}

func TestCallWithFallback_NoFallbackConfigured(t *testing.T) {
	capacity := &ProviderError{Provider: "fake", Model: "stubborn-model", StatusCode: 503, Message: "down"}
	provider := &fakeProvider{responses: map[string][]fakeReply{
		"stubborn-model": {{err: capacity}, {err: capacity}},
	}}
	svc := newTestService(provider)

	_, err := svc.GenerateContent(context.Background(), Prompt{User: "x"},
		GenerateOptions{Model: "stubborn-model", OperationTag: "t"})
	require.Error(t, err)
	assert.True(t, IsCapacity(err))
	assert.Equal(t, 2, provider.callCount())
}

func TestGenerateSearchContent_AttachesMetadataAndCost(t *testing.T) {
	provider := &fakeProvider{responses: map[string][]fakeReply{
		"primary-model": {{resp: &Response{
			Text:             `{"value":"Series B"}`,
			PromptTokens:     1000,
			CompletionTokens: 500,
			Sources: []Source{
				{Title: "Crunchbase", URL: "https://crunchbase.com/acme"},
			},
			SegmentSources: map[string]string{"Series B": "https://crunchbase.com/acme"},
		}}},
	}}
	svc := newTestService(provider)

	result, err := svc.GenerateSearchContent(context.Background(), Prompt{System: "s", User: "funding stage?"},
		SearchOptions{OperationTag: "t", SearchContextSize: models.SearchContextMedium})
	require.NoError(t, err)

	meta, ok := result.Data["_search_metadata"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, meta["markdown"], "Crunchbase")
	assert.NotNil(t, meta["segment_sources"])

	// Search calls carry the cost multiplier: (1000*1 + 500*2)/1e6 * 2.
	assert.InDelta(t, 0.004, result.Usage.TotalCostInUSD, 1e-9)

	// Search calls pin the thinking budget to zero.
	require.Len(t, provider.calls, 1)
	require.NotNil(t, provider.calls[0].ThinkingBudget)
	assert.Equal(t, models.ThinkingBudgetZero, *provider.calls[0].ThinkingBudget)
	assert.True(t, provider.calls[0].Search)
}

func TestGenerateStructuredSearchContent_PassesSchema(t *testing.T) {
	provider := &fakeProvider{responses: map[string][]fakeReply{
		"primary-model": {{resp: &Response{Text: `{"stage":"B"}`, PromptTokens: 1, CompletionTokens: 1}}},
	}}
	svc := newTestService(provider)

	schema := map[string]any{"type": "object", "properties": map[string]any{"stage": map[string]any{"type": "string"}}}
	result, err := svc.GenerateStructuredSearchContent(context.Background(), Prompt{User: "x"}, schema,
		SearchOptions{OperationTag: "t"})
	require.NoError(t, err)
	assert.Equal(t, "B", result.Data["stage"])

	require.Len(t, provider.calls, 1)
	assert.Equal(t, schema, provider.calls[0].ResponseSchema)
}

func TestGenerateContent_EmptyResponseRetried(t *testing.T) {
	provider := &fakeProvider{responses: map[string][]fakeReply{
		"primary-model": {
			{err: ErrEmptyResponse},
			{resp: &Response{Text: "answer", PromptTokens: 1, CompletionTokens: 1}},
		},
	}}
	svc := newTestService(provider)

	result, err := svc.GenerateContent(context.Background(), Prompt{User: "x"}, GenerateOptions{OperationTag: "t"})
	require.NoError(t, err)
	assert.Equal(t, "answer", result.Text)
	assert.Equal(t, 2, provider.callCount())
}

func TestPromptCanonical(t *testing.T) {
	split := Prompt{System: "sys", User: "usr"}
	assert.Equal(t, "<system>sys</system>\n\n<user>usr</user>", split.Canonical())

	combined := Prompt{Combined: "just one"}
	assert.Equal(t, "just one", combined.Canonical())
}
