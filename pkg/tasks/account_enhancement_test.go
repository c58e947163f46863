package tasks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadfoundry/enrich/pkg/adapters"
	"github.com/leadfoundry/enrich/pkg/models"
)

type fakeSearch struct {
	mu      sync.Mutex
	results map[string][]adapters.SearchResult
	queries []string
}

func (f *fakeSearch) Search(_ context.Context, query, _ string) ([]adapters.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	for key, results := range f.results {
		if strings.Contains(query, key) {
			return results, nil
		}
	}
	return nil, nil
}

type fakeReader struct {
	pages map[string]string
	err   error
}

func (f *fakeReader) ReadPage(_ context.Context, pageURL, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.pages[pageURL], nil
}

type fakeTech struct {
	techs map[string][]adapters.Technology
	err   error
}

func (f *fakeTech) Technologies(_ context.Context, domain, _ string) ([]adapters.Technology, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.techs[domain], nil
}

type fakeProfiles struct {
	profiles map[string]map[string]any
	checked  []string
}

func (f *fakeProfiles) CompanyProfile(_ context.Context, linkedinURL, _ string) (map[string]any, error) {
	f.checked = append(f.checked, linkedinURL)
	profile, ok := f.profiles[linkedinURL]
	if !ok {
		return nil, fmt.Errorf("company page not found")
	}
	return profile, nil
}

const acmeExtraction = `{
	"company_name": "Acme Logistics",
	"description": "freight orchestration platform",
	"industry": "Logistics",
	"employee_count": "250",
	"headquarters": "Rotterdam",
	"founded_year": "2016",
	"products_offered": ["Acme TMS"],
	"key_customers": ["Maersk", "DHL"],
	"technologies": ["React", "Postgres"],
	"linkedin_url": "https://linkedin.com/company/acme-logistics"
}`

const acmeAnalysis = `{
	"target_market": "mid-market freight forwarders",
	"analysis": "Strong EU footprint, expanding into air freight.",
	"outreach_angle": "Lead with customs automation.",
	"key_customers": ["DHL", "Kuehne+Nagel"]
}`

func enhancementPayload(t *testing.T, entities map[string]map[string]any, ids ...string) *models.TaskPayload {
	return &models.TaskPayload{
		JobID:          "job-ae-1",
		EnrichmentType: models.EnrichmentTypeCompanyInfo,
		EntityIDs:      ids,
		ContextData:    contextData(t, entities),
		TenantID:       "tenant-1",
	}
}

func TestAccountEnhancement_FullPipeline(t *testing.T) {
	provider := &scriptedProvider{replies: []scriptedReply{
		{text: acmeExtraction},
		{text: acmeAnalysis},
	}}
	search := &fakeSearch{}
	reader := &fakeReader{pages: map[string]string{"https://acme.example": "# Acme Logistics\nWe move freight."}}
	tech := &fakeTech{techs: map[string][]adapters.Technology{
		"acme.example": {{Name: "Kubernetes"}, {Name: "Snowflake"}},
	}}
	profiles := &fakeProfiles{profiles: map[string]map[string]any{
		"https://linkedin.com/company/acme-logistics": {"name": "Acme Logistics"},
	}}
	results := &fakeResults{}
	emitter := &recordingEmitter{}
	task := NewAccountEnhancementTask(newTaskService(provider), search, reader, tech, profiles, results, emitter, nil)

	payload := enhancementPayload(t, map[string]map[string]any{
		"acc-1": {"company_name": "Acme", "website": "https://acme.example"},
	}, "acc-1")

	require.NoError(t, task.Run(context.Background(), payload))

	terminal := emitter.terminal(t)
	assert.Equal(t, models.CallbackStatusCompleted, terminal.Status)
	accounts := terminal.ProcessedData["accounts"].([]*models.AccountInfo)
	require.Len(t, accounts, 1)

	info := accounts[0]
	assert.Equal(t, "acc-1", info.AccountID)
	assert.Equal(t, "Acme", info.CompanyName) // context name wins over extraction
	assert.Equal(t, "Logistics", info.Industry)
	assert.Equal(t, "250", info.EmployeeCount)
	assert.Equal(t, "2016", info.FoundedYear)
	assert.Equal(t, []string{"Acme TMS"}, info.Products)
	assert.Equal(t, "mid-market freight forwarders", info.TargetMarket)
	assert.Equal(t, "Lead with customs automation.", info.OutreachAngle)

	// Technographics provider beats the website parse.
	assert.Equal(t, []string{"Kubernetes", "Snowflake"}, info.Technologies)

	// Customer lists of both stages are merged, deduplicated, in order.
	assert.Equal(t, []string{"Maersk", "DHL", "Kuehne+Nagel"}, info.KeyCustomers)

	// The extracted LinkedIn URL was validated before being kept.
	assert.Equal(t, "https://linkedin.com/company/acme-logistics", info.LinkedInURL)
	assert.Equal(t, []string{"https://linkedin.com/company/acme-logistics"}, profiles.checked)

	// One result-store row per account.
	stored := results.all()
	require.Len(t, stored, 1)
	assert.Equal(t, "acc-1", stored[0].AccountID)
	assert.Equal(t, models.EnrichmentTypeCompanyInfo, stored[0].EnrichmentType)
	assert.Equal(t, "Logistics", stored[0].ProcessedData["industry"])
}

func TestAccountEnhancement_ProgressNeverDecreases(t *testing.T) {
	provider := &scriptedProvider{replies: []scriptedReply{
		{text: acmeExtraction},
		{text: acmeAnalysis},
	}}
	reader := &fakeReader{pages: map[string]string{"https://acme.example": "content"}}
	emitter := &recordingEmitter{}
	task := NewAccountEnhancementTask(newTaskService(provider), &fakeSearch{}, reader, nil, nil, nil, emitter, nil)

	payload := enhancementPayload(t, map[string]map[string]any{
		"acc-1": {"company_name": "Acme", "website": "https://acme.example"},
	}, "acc-1")
	require.NoError(t, task.Run(context.Background(), payload))

	last := -1.0
	for _, event := range emitter.all() {
		if event.Status != models.CallbackStatusProcessing {
			continue
		}
		assert.GreaterOrEqual(t, event.CompletionPercentage, last,
			"stage %v went backwards", event.ProcessedData["stage"])
		last = event.CompletionPercentage
	}
	assert.Greater(t, last, 0.0)
}

func TestAccountEnhancement_SearchFallbackWhenWebsiteFails(t *testing.T) {
	provider := &scriptedProvider{replies: []scriptedReply{
		{text: acmeExtraction},
		{text: acmeAnalysis},
	}}
	search := &fakeSearch{results: map[string][]adapters.SearchResult{
		"Acme company overview": {{Title: "Acme", URL: "https://acme.example", Description: "freight platform"}},
	}}
	reader := &fakeReader{err: fmt.Errorf("fetch timeout")}
	emitter := &recordingEmitter{}
	task := NewAccountEnhancementTask(newTaskService(provider), search, reader, nil, nil, nil, emitter, nil)

	payload := enhancementPayload(t, map[string]map[string]any{
		"acc-1": {"company_name": "Acme", "website": "https://acme.example"},
	}, "acc-1")
	require.NoError(t, task.Run(context.Background(), payload))

	require.NotEmpty(t, search.queries)
	assert.Contains(t, search.queries[0], "Acme company overview")
	assert.Equal(t, models.CallbackStatusCompleted, emitter.terminal(t).Status)
}

func TestAccountEnhancement_TechnographicsFallsBackToWebsiteParse(t *testing.T) {
	provider := &scriptedProvider{replies: []scriptedReply{
		{text: acmeExtraction},
		{text: acmeAnalysis},
	}}
	reader := &fakeReader{pages: map[string]string{"https://acme.example": "content"}}
	tech := &fakeTech{err: fmt.Errorf("quota exceeded")}
	emitter := &recordingEmitter{}
	task := NewAccountEnhancementTask(newTaskService(provider), &fakeSearch{}, reader, tech, nil, nil, emitter, nil)

	payload := enhancementPayload(t, map[string]map[string]any{
		"acc-1": {"company_name": "Acme", "website": "https://acme.example"},
	}, "acc-1")
	require.NoError(t, task.Run(context.Background(), payload))

	accounts := emitter.terminal(t).ProcessedData["accounts"].([]*models.AccountInfo)
	require.Len(t, accounts, 1)
	assert.Equal(t, []string{"React", "Postgres"}, accounts[0].Technologies)
}

func TestAccountEnhancement_InvalidLinkedInURLDropped(t *testing.T) {
	provider := &scriptedProvider{replies: []scriptedReply{
		{text: acmeExtraction},
		{text: acmeAnalysis},
	}}
	reader := &fakeReader{pages: map[string]string{"https://acme.example": "content"}}
	profiles := &fakeProfiles{} // every lookup fails
	emitter := &recordingEmitter{}
	task := NewAccountEnhancementTask(newTaskService(provider), &fakeSearch{}, reader, nil, profiles, nil, emitter, nil)

	payload := enhancementPayload(t, map[string]map[string]any{
		"acc-1": {"company_name": "Acme", "website": "https://acme.example"},
	}, "acc-1")
	require.NoError(t, task.Run(context.Background(), payload))

	accounts := emitter.terminal(t).ProcessedData["accounts"].([]*models.AccountInfo)
	require.Len(t, accounts, 1)
	assert.Empty(t, accounts[0].LinkedInURL)
}

func TestAccountEnhancement_PerAccountFailureIsIsolated(t *testing.T) {
	// First account succeeds (two LLM calls), second has no web presence.
	provider := &scriptedProvider{replies: []scriptedReply{
		{text: acmeExtraction},
		{text: acmeAnalysis},
	}}
	reader := &fakeReader{pages: map[string]string{"https://acme.example": "content"}}
	emitter := &recordingEmitter{}
	task := NewAccountEnhancementTask(newTaskService(provider), &fakeSearch{}, reader, nil, nil, nil, emitter, nil)

	payload := enhancementPayload(t, map[string]map[string]any{
		"acc-1": {"company_name": "Acme", "website": "https://acme.example"},
		"acc-2": {},
	}, "acc-1", "acc-2")
	payload.ConcurrentRequests = 1

	require.NoError(t, task.Run(context.Background(), payload))

	terminal := emitter.terminal(t)
	accounts := terminal.ProcessedData["accounts"].([]*models.AccountInfo)
	require.Len(t, accounts, 1)
	assert.Equal(t, "acc-1", accounts[0].AccountID)

	perAccountErrors := terminal.ProcessedData["errors"].(map[string]string)
	assert.Contains(t, perAccountErrors, "acc-2")
}

func TestAccountEnhancement_EmptyPayloadFails(t *testing.T) {
	emitter := &recordingEmitter{}
	task := NewAccountEnhancementTask(newTaskService(&scriptedProvider{}), &fakeSearch{}, &fakeReader{}, nil, nil, nil, emitter, nil)

	err := task.Run(context.Background(), &models.TaskPayload{JobID: "job-ae-2"})
	require.Error(t, err)
	assert.Equal(t, models.CallbackStatusFailed, emitter.terminal(t).Status)
}
