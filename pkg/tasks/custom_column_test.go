package tasks

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadfoundry/enrich/pkg/adapters"
	"github.com/leadfoundry/enrich/pkg/llm"
	"github.com/leadfoundry/enrich/pkg/models"
)

// keyedProvider answers by matching a substring of the user prompt, so
// concurrent entities get their own scripted reply regardless of order.
type keyedProvider struct {
	mu      sync.Mutex
	replies map[string]scriptedReply
	calls   []llm.Request
}

func (p *keyedProvider) Name() string { return "keyed" }

func (p *keyedProvider) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	for key, reply := range p.replies {
		if strings.Contains(req.UserPrompt, key) {
			if reply.err != nil {
				return nil, reply.err
			}
			return &llm.Response{Text: reply.text, PromptTokens: 1, CompletionTokens: 1}, nil
		}
	}
	return &llm.Response{Text: `{"value": "unmatched"}`, PromptTokens: 1, CompletionTokens: 1}, nil
}

func (p *keyedProvider) requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.calls...)
}

func columnPayload(t *testing.T, entities map[string]map[string]any, ids ...string) *models.TaskPayload {
	return &models.TaskPayload{
		JobID:          "job-cc-1",
		EnrichmentType: models.EnrichmentTypeCustomColumn,
		EntityIDs:      ids,
		ContextData:    contextData(t, entities),
		TenantID:       "tenant-1",
		ColumnID:       "col-tier",
	}
}

func tierColumns() *fakeColumns {
	return &fakeColumns{columns: map[string]*models.Column{
		"col-tier": {
			ID:           "col-tier",
			EntityType:   models.EntityKindAccount,
			ResponseType: models.ResponseTypeEnum,
			ResponseConfig: &models.ResponseConfig{
				AllowedValues: []string{"SMB", "Mid-Market", "Enterprise"},
			},
			Question: "Which market tier does this company sell into?",
			Active:   true,
		},
	}}
}

func TestCustomColumnRun_StructuredValues(t *testing.T) {
	provider := &keyedProvider{replies: map[string]scriptedReply{
		"Acme":  {text: `{"analysis": "a", "rationale": "serves small shops", "value": "smb", "confidence_score": 0.8}`},
		"Globo": {text: `{"analysis": "b", "rationale": "fortune 500 logos", "value": "enterprise", "confidence_score": 0.95}`},
	}}
	emitter := &recordingEmitter{}
	task := NewCustomColumnTask(newTaskService(provider), tierColumns(), nil, emitter, nil)

	payload := columnPayload(t, map[string]map[string]any{
		"e-1": {"company_name": "Acme"},
		"e-2": {"company_name": "Globo"},
	}, "e-1", "e-2")
	payload.OrchestrationData = &models.OrchestrationData{NextColumns: []string{"col-next"}}

	require.NoError(t, task.Run(context.Background(), payload))

	events := emitter.all()
	require.GreaterOrEqual(t, len(events), 2)
	first := events[0]
	assert.Equal(t, models.CallbackStatusProcessing, first.Status)
	assert.Equal(t, float64(5), first.CompletionPercentage)

	terminal := emitter.terminal(t)
	assert.Equal(t, models.CallbackStatusCompleted, terminal.Status)
	assert.Equal(t, float64(100), terminal.CompletionPercentage)
	require.NotNil(t, terminal.OrchestrationData)
	assert.Equal(t, []string{"col-next"}, terminal.OrchestrationData.NextColumns)

	values, ok := terminal.ProcessedData["values"].([]*models.CustomColumnValue)
	require.True(t, ok)
	require.Len(t, values, 2)
	byEntity := map[string]*models.CustomColumnValue{}
	for _, v := range values {
		byEntity[v.EntityID] = v
	}
	require.NotNil(t, byEntity["e-1"].ValueEnum)
	assert.Equal(t, "SMB", *byEntity["e-1"].ValueEnum)
	assert.Equal(t, 0.8, byEntity["e-1"].ConfidenceScore)
	assert.Equal(t, "serves small shops", byEntity["e-1"].Rationale)
	assert.Equal(t, models.ColumnValueStatusCompleted, byEntity["e-1"].Status)
	assert.Equal(t, "Enterprise", *byEntity["e-2"].ValueEnum)
}

func TestCustomColumnRun_TerminalPayloadShape(t *testing.T) {
	provider := &keyedProvider{replies: map[string]scriptedReply{
		"Acme": {text: `{"rationale": "serves small shops", "value": "smb", "confidence_score": 0.8}`},
	}}
	emitter := &recordingEmitter{}
	task := NewCustomColumnTask(newTaskService(provider), tierColumns(), nil, emitter, nil)

	payload := columnPayload(t, map[string]map[string]any{
		"e-1": {"company_name": "Acme"},
	}, "e-1")

	require.NoError(t, task.Run(context.Background(), payload))

	// The control plane reads the value list from processed_data.values;
	// nothing else may carry it.
	terminal := emitter.terminal(t)
	require.Contains(t, terminal.ProcessedData, "values")
	require.Contains(t, terminal.ProcessedData, "column_id")
	assert.Equal(t, "col-tier", terminal.ProcessedData["column_id"])

	values := terminal.ProcessedData["values"].([]*models.CustomColumnValue)
	require.Len(t, values, 1)
	assert.Equal(t, "col-tier", values[0].ColumnID)
	assert.Equal(t, "e-1", values[0].EntityID)
	assert.Equal(t, models.ColumnValueStatusCompleted, values[0].Status)
	assert.NotEmpty(t, values[0].Rationale)
	assert.GreaterOrEqual(t, values[0].ConfidenceScore, 0.0)
	assert.LessOrEqual(t, values[0].ConfidenceScore, 1.0)
}

func TestCustomColumnRun_PerEntityErrorDoesNotFailJob(t *testing.T) {
	provider := &keyedProvider{replies: map[string]scriptedReply{
		"Acme":  {text: `{"value": "smb", "confidence_score": 0.7}`},
		"Globo": {err: llm.ErrEmptyResponse},
	}}
	emitter := &recordingEmitter{}
	task := NewCustomColumnTask(newTaskService(provider), tierColumns(), nil, emitter, nil)

	payload := columnPayload(t, map[string]map[string]any{
		"e-1": {"company_name": "Acme"},
		"e-2": {"company_name": "Globo"},
	}, "e-1", "e-2")

	require.NoError(t, task.Run(context.Background(), payload))

	terminal := emitter.terminal(t)
	assert.Equal(t, models.CallbackStatusCompleted, terminal.Status)
	values := terminal.ProcessedData["values"].([]*models.CustomColumnValue)
	require.Len(t, values, 2)
	byEntity := map[string]*models.CustomColumnValue{}
	for _, v := range values {
		byEntity[v.EntityID] = v
	}
	assert.Equal(t, models.ColumnValueStatusCompleted, byEntity["e-1"].Status)
	assert.Equal(t, models.ColumnValueStatusError, byEntity["e-2"].Status)
	assert.NotEmpty(t, byEntity["e-2"].ErrorDetails["error"])
}

func TestCustomColumnRun_UnsupportedModelFailsBeforeGeneration(t *testing.T) {
	provider := &keyedProvider{}
	emitter := &recordingEmitter{}
	task := NewCustomColumnTask(newTaskService(provider), tierColumns(), nil, emitter, nil)

	payload := columnPayload(t, nil, "e-1")
	payload.AIConfig = &models.AIConfig{Model: "mystery-model"}

	err := task.Run(context.Background(), payload)
	require.ErrorIs(t, err, llm.ErrUnsupportedModel)

	terminal := emitter.terminal(t)
	assert.Equal(t, models.CallbackStatusFailed, terminal.Status)
	assert.Equal(t, "fatal", terminal.ErrorDetails["error_type"])
	assert.Empty(t, provider.requests())
}

func TestCustomColumnRun_MissingColumnID(t *testing.T) {
	emitter := &recordingEmitter{}
	task := NewCustomColumnTask(newTaskService(&keyedProvider{}), tierColumns(), nil, emitter, nil)

	payload := columnPayload(t, nil, "e-1")
	payload.ColumnID = ""

	err := task.Run(context.Background(), payload)
	require.Error(t, err)
	assert.Equal(t, models.CallbackStatusFailed, emitter.terminal(t).Status)
}

func TestCustomColumnRun_UnstructuredMode(t *testing.T) {
	provider := &keyedProvider{replies: map[string]scriptedReply{
		"Acme": {text: "Mid-Market\n\nRationale: their pricing page tops out at 500 seats.\nSources: https://acme.example/pricing\n\nHigh confidence."},
	}}
	emitter := &recordingEmitter{}
	task := NewCustomColumnTask(newTaskService(provider), tierColumns(), nil, emitter, nil)

	payload := columnPayload(t, map[string]map[string]any{"e-1": {"company_name": "Acme"}}, "e-1")
	payload.AIConfig = &models.AIConfig{Unstructured: true}

	require.NoError(t, task.Run(context.Background(), payload))

	requests := provider.requests()
	require.Len(t, requests, 1)
	assert.False(t, requests[0].IsJSON)

	values := emitter.terminal(t).ProcessedData["values"].([]*models.CustomColumnValue)
	require.Len(t, values, 1)
	require.NotNil(t, values[0].ValueEnum)
	assert.Equal(t, "Mid-Market", *values[0].ValueEnum)
	assert.Equal(t, 0.9, values[0].ConfidenceScore)
	assert.Equal(t, []string{"https://acme.example/pricing"}, values[0].Sources)
}

func TestCustomColumnRun_AttachesLinkedInActivity(t *testing.T) {
	provider := &keyedProvider{replies: map[string]scriptedReply{
		"shared a post about warehouse robotics": {text: `{"value": "enterprise", "confidence_score": 0.9}`},
	}}
	activity := &fakeActivity{payloads: map[string]*adapters.ActivityPayload{
		"https://linkedin.com/in/jo": {PostsHTML: "<li>shared a post about warehouse robotics</li>"},
	}}
	emitter := &recordingEmitter{}
	columns := tierColumns()
	columns.columns["col-tier"].LinkedInActivity = true
	task := NewCustomColumnTask(newTaskService(provider), columns, activity, emitter, nil)

	payload := columnPayload(t, map[string]map[string]any{
		"e-1": {"company_name": "Acme", "linkedin_url": "https://linkedin.com/in/jo"},
	}, "e-1")

	require.NoError(t, task.Run(context.Background(), payload))
	assert.Equal(t, []string{"https://linkedin.com/in/jo"}, activity.calls)

	values := emitter.terminal(t).ProcessedData["values"].([]*models.CustomColumnValue)
	require.Len(t, values, 1)
	assert.Equal(t, "Enterprise", *values[0].ValueEnum)
}

func TestCustomColumnRun_ActivityFetchFailureIsNonFatal(t *testing.T) {
	provider := &keyedProvider{replies: map[string]scriptedReply{
		"Acme": {text: `{"value": "smb", "confidence_score": 0.7}`},
	}}
	activity := &fakeActivity{err: assert.AnError}
	emitter := &recordingEmitter{}
	columns := tierColumns()
	columns.columns["col-tier"].LinkedInActivity = true
	task := NewCustomColumnTask(newTaskService(provider), columns, activity, emitter, nil)

	payload := columnPayload(t, map[string]map[string]any{
		"e-1": {"company_name": "Acme", "linkedin_url": "https://linkedin.com/in/jo"},
	}, "e-1")

	require.NoError(t, task.Run(context.Background(), payload))
	assert.Equal(t, models.CallbackStatusCompleted, emitter.terminal(t).Status)
}
