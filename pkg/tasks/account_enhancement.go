package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/leadfoundry/enrich/pkg/adapters"
	"github.com/leadfoundry/enrich/pkg/batch"
	"github.com/leadfoundry/enrich/pkg/llm"
	"github.com/leadfoundry/enrich/pkg/metrics"
	"github.com/leadfoundry/enrich/pkg/models"
)

// SearchClient runs a web search.
type SearchClient interface {
	Search(ctx context.Context, query, tenantID string) ([]adapters.SearchResult, error)
}

// PageReader renders a web page to markdown.
type PageReader interface {
	ReadPage(ctx context.Context, pageURL, tenantID string) (string, error)
}

// TechnographicsClient detects the technology stack of a domain.
type TechnographicsClient interface {
	Technologies(ctx context.Context, domain, tenantID string) ([]adapters.Technology, error)
}

// CompanyProfileClient resolves a LinkedIn company page.
type CompanyProfileClient interface {
	CompanyProfile(ctx context.Context, linkedinURL, tenantID string) (map[string]any, error)
}

// ResultStore persists terminal callback payloads.
type ResultStore interface {
	Store(ctx context.Context, event *models.CallbackEvent) error
}

// Stage completion percentages. Each account walks the same ladder, so
// progress never decreases within an account's stream.
const (
	pctWebProfile     = 15.0
	pctExtraction     = 30.0
	pctAnalysis       = 45.0
	pctTechnographics = 60.0
	pctCustomers      = 70.0
	pctLinkedIn       = 85.0
)

// AccountEnhancementTask builds an AccountInfo per account through a
// staged pipeline of web fetches and LLM extractions.
type AccountEnhancementTask struct {
	llm      *llm.Service
	search   SearchClient
	reader   PageReader
	tech     TechnographicsClient
	profiles CompanyProfileClient
	results  ResultStore
	emitter  Emitter
	metrics  *metrics.Metrics
}

// NewAccountEnhancementTask wires the pipeline. tech, profiles, results,
// and metrics may be nil; the corresponding stages degrade gracefully.
func NewAccountEnhancementTask(llmService *llm.Service, search SearchClient, reader PageReader, tech TechnographicsClient, profiles CompanyProfileClient, results ResultStore, emitter Emitter, m *metrics.Metrics) *AccountEnhancementTask {
	return &AccountEnhancementTask{
		llm:      llmService,
		search:   search,
		reader:   reader,
		tech:     tech,
		profiles: profiles,
		results:  results,
		emitter:  emitter,
		metrics:  m,
	}
}

// Run enhances every account in the payload and emits one terminal
// callback carrying the per-account results.
func (t *AccountEnhancementTask) Run(ctx context.Context, payload *models.TaskPayload) error {
	started := time.Now()
	payload.Normalize()

	if len(payload.EntityIDs) == 0 {
		err := Fatal("prepare", fmt.Errorf("payload carries no account ids"))
		emitFailure(ctx, t.emitter, payload, "", err, "prepare", started)
		return err
	}

	results, runMetrics, runErr := batch.Process(ctx, payload.EntityIDs, batch.Options{
		BatchSize:          payload.BatchSize,
		ConcurrentRequests: payload.ConcurrentRequests,
		ClassifyError:      classifyEntityError,
	}, func(ctx context.Context, accountID string) (*models.AccountInfo, error) {
		return t.enhanceAccount(ctx, payload, accountID)
	})
	if runErr != nil {
		err := fmt.Errorf("account enhancement cancelled: %w", runErr)
		emitFailure(ctx, t.emitter, payload, payload.EntityIDs[0], err, "enhance", started)
		return err
	}

	accounts := make([]*models.AccountInfo, 0, len(results))
	perAccountErrors := map[string]string{}
	for _, r := range results {
		if r.Err != nil {
			perAccountErrors[r.EntityID] = r.Err.Error()
			continue
		}
		accounts = append(accounts, r.Value)
	}

	if t.metrics != nil {
		t.metrics.BatchDuration.WithLabelValues(string(models.EnrichmentTypeCompanyInfo)).
			Observe(runMetrics.ProcessingTime.Seconds())
	}

	event := &models.CallbackEvent{
		JobID:                payload.JobID,
		AccountID:            payload.EntityIDs[0],
		EnrichmentType:       models.EnrichmentTypeCompanyInfo,
		Status:               models.CallbackStatusCompleted,
		Source:               "enrich-engine",
		CompletionPercentage: 100,
		ProcessedData: map[string]any{
			"accounts": accounts,
			"errors":   perAccountErrors,
			"metrics":  runMetrics,
		},
		OrchestrationData: payload.OrchestrationData,
	}

	if t.results != nil {
		t.storeAccountResults(ctx, payload, accounts)
	}

	if err := t.emitter.Emit(ctx, event); err != nil {
		return fmt.Errorf("failed to emit enhancement completion: %w", err)
	}

	slog.Info("Account enhancement completed",
		"job_id", payload.JobID,
		"accounts", runMetrics.Total,
		"failed", runMetrics.Failed,
		"duration", runMetrics.ProcessingTime)
	return nil
}

// enhanceAccount walks one account through every stage.
func (t *AccountEnhancementTask) enhanceAccount(ctx context.Context, payload *models.TaskPayload, accountID string) (*models.AccountInfo, error) {
	entityCtx := entityContext(payload, accountID)
	companyName, _ := entityCtx["company_name"].(string)
	website, _ := entityCtx["website"].(string)

	info := &models.AccountInfo{AccountID: accountID, CompanyName: companyName, Website: website}
	stage := func(pct float64, name string) {
		emitProcessing(ctx, t.emitter, payload, accountID, pct, map[string]any{"stage": name})
	}

	// Web profile.
	profile, err := t.fetchWebProfile(ctx, payload.TenantID, companyName, website)
	if err != nil {
		return nil, Fatal("web_profile", err)
	}
	stage(pctWebProfile, "web_profile")

	// Structured extraction.
	extracted, err := t.extractCompanyFacts(ctx, payload.TenantID, companyName, profile)
	if err != nil {
		return nil, Fatal("extraction", err)
	}
	fillAccountInfo(info, extracted)
	stage(pctExtraction, "extraction")

	// Analysis.
	analysis, err := t.generateAnalysis(ctx, payload.TenantID, info, profile)
	if err != nil {
		return nil, Fatal("analysis", err)
	}
	info.TargetMarket, _ = analysis["target_market"].(string)
	info.Analysis, _ = analysis["analysis"].(string)
	info.OutreachAngle, _ = analysis["outreach_angle"].(string)
	stage(pctAnalysis, "analysis")

	// Technographics, with a website-parser fallback.
	info.Technologies = t.detectTechnologies(ctx, payload.TenantID, website, profile, extracted)
	stage(pctTechnographics, "technographics")

	// Customer list merge.
	info.KeyCustomers = mergeCustomers(extracted, analysis)
	stage(pctCustomers, "customers")

	// LinkedIn discovery and validation.
	if linkedinURL := t.discoverLinkedIn(ctx, payload.TenantID, companyName, extracted); linkedinURL != "" {
		info.LinkedInURL = linkedinURL
	}
	stage(pctLinkedIn, "linkedin")

	return info, nil
}

// fetchWebProfile renders the company website, falling back to a web
// search when no website is known or the fetch fails.
func (t *AccountEnhancementTask) fetchWebProfile(ctx context.Context, tenantID, companyName, website string) (string, error) {
	if website != "" {
		page, err := t.reader.ReadPage(ctx, website, tenantID)
		if err == nil && page != "" {
			return page, nil
		}
		slog.Warn("Website fetch failed, falling back to search", "website", website, "error", err)
	}
	if companyName == "" {
		return "", fmt.Errorf("no website or company name to profile")
	}

	results, err := t.search.Search(ctx, companyName+" company overview", tenantID)
	if err != nil {
		return "", fmt.Errorf("profile search failed: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("no web presence found for %q", companyName)
	}
	var b strings.Builder
	for i, r := range results {
		if i == 5 {
			break
		}
		fmt.Fprintf(&b, "## %s\n%s\n%s\n\n", r.Title, r.URL, firstNonEmpty(r.Content, r.Description))
	}
	return b.String(), nil
}

func (t *AccountEnhancementTask) extractCompanyFacts(ctx context.Context, tenantID, companyName, profile string) (map[string]any, error) {
	prompt := llm.Prompt{
		System: `You extract structured company facts from web content. Respond with a JSON object: {"company_name", "description", "industry", "employee_count", "headquarters", "founded_year", "products_offered": [string], "key_customers": [string], "technologies": [string], "linkedin_url"}. Use null for unknown fields; never invent facts.`,
		User:   fmt.Sprintf("COMPANY: %s\n\nWEB CONTENT:\n%s", companyName, clip(profile, 24000)),
	}
	result, err := t.llm.GenerateContent(ctx, prompt, llm.GenerateOptions{
		IsJSON:       true,
		OperationTag: "account_enhancement:extract",
		TenantID:     tenantID,
	})
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

func (t *AccountEnhancementTask) generateAnalysis(ctx context.Context, tenantID string, info *models.AccountInfo, profile string) (map[string]any, error) {
	facts, _ := json.Marshal(info)
	prompt := llm.Prompt{
		System: `You are a B2B sales strategist. Given company facts and web content, respond with a JSON object: {"target_market", "analysis", "outreach_angle", "key_customers": [string]}. Ground every statement in the provided material.`,
		User:   fmt.Sprintf("COMPANY FACTS:\n%s\n\nWEB CONTENT:\n%s", facts, clip(profile, 16000)),
	}
	result, err := t.llm.GenerateContent(ctx, prompt, llm.GenerateOptions{
		IsJSON:       true,
		OperationTag: "account_enhancement:analysis",
		TenantID:     tenantID,
	})
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

// detectTechnologies asks the technographics provider first and falls
// back to the technologies the extraction stage read off the website.
func (t *AccountEnhancementTask) detectTechnologies(ctx context.Context, tenantID, website string, profile string, extracted map[string]any) []string {
	if t.tech != nil && website != "" {
		if domain := domainOf(website); domain != "" {
			techs, err := t.tech.Technologies(ctx, domain, tenantID)
			if err != nil {
				slog.Warn("Technographics lookup failed, using website parse", "domain", domain, "error", err)
			} else if len(techs) > 0 {
				names := make([]string, 0, len(techs))
				for _, tech := range techs {
					names = append(names, tech.Name)
				}
				return names
			}
		}
	}
	return stringSlice(extracted["technologies"])
}

// discoverLinkedIn prefers an extracted URL, else searches for the
// company page; either way the URL must resolve to a real profile.
func (t *AccountEnhancementTask) discoverLinkedIn(ctx context.Context, tenantID, companyName string, extracted map[string]any) string {
	candidate, _ := extracted["linkedin_url"].(string)
	if candidate == "" && companyName != "" {
		results, err := t.search.Search(ctx, companyName+" site:linkedin.com/company", tenantID)
		if err != nil {
			slog.Warn("LinkedIn discovery search failed", "company", companyName, "error", err)
			return ""
		}
		for _, r := range results {
			if strings.Contains(r.URL, "linkedin.com/company/") {
				candidate = r.URL
				break
			}
		}
	}
	if candidate == "" || !strings.Contains(candidate, "linkedin.com/company/") {
		return ""
	}
	if t.profiles != nil {
		profile, err := t.profiles.CompanyProfile(ctx, candidate, tenantID)
		if err != nil || profile == nil {
			slog.Warn("LinkedIn URL failed validation", "url", candidate, "error", err)
			return ""
		}
	}
	return candidate
}

// storeAccountResults persists one result-store row per account so the
// terminal payload can be replayed per account.
func (t *AccountEnhancementTask) storeAccountResults(ctx context.Context, payload *models.TaskPayload, accounts []*models.AccountInfo) {
	for _, info := range accounts {
		event := &models.CallbackEvent{
			JobID:                payload.JobID,
			AccountID:            info.AccountID,
			EnrichmentType:       models.EnrichmentTypeCompanyInfo,
			Status:               models.CallbackStatusCompleted,
			Source:               "enrich-engine",
			CompletionPercentage: 100,
			ProcessedData:        accountInfoPayload(info),
		}
		if err := t.results.Store(ctx, event); err != nil {
			slog.Warn("Failed to persist account result", "account_id", info.AccountID, "error", err)
		}
	}
}

// accountInfoPayload flattens an AccountInfo into the processed_data
// shape the callback handler's field mapping consumes.
func accountInfoPayload(info *models.AccountInfo) map[string]any {
	raw, err := json.Marshal(info)
	if err != nil {
		return map[string]any{}
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{}
	}
	return payload
}

func fillAccountInfo(info *models.AccountInfo, extracted map[string]any) {
	setIfEmpty(&info.CompanyName, extracted["company_name"])
	setIfEmpty(&info.Description, extracted["description"])
	setIfEmpty(&info.Industry, extracted["industry"])
	setIfEmpty(&info.EmployeeCount, extracted["employee_count"])
	setIfEmpty(&info.Headquarters, extracted["headquarters"])
	setIfEmpty(&info.FoundedYear, extracted["founded_year"])
	info.Products = stringSlice(extracted["products_offered"])
}

// mergeCustomers unions the customer lists of both LLM stages,
// preserving first-seen order.
func mergeCustomers(extracted, analysis map[string]any) []string {
	seen := map[string]struct{}{}
	var merged []string
	for _, list := range [][]string{stringSlice(extracted["key_customers"]), stringSlice(analysis["key_customers"])} {
		for _, customer := range list {
			key := strings.ToLower(strings.TrimSpace(customer))
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, strings.TrimSpace(customer))
		}
	}
	return merged
}

func setIfEmpty(dst *string, raw any) {
	if *dst != "" {
		return
	}
	switch v := raw.(type) {
	case string:
		*dst = v
	case float64:
		*dst = strings.TrimSuffix(fmt.Sprintf("%v", v), ".0")
	}
}

func stringSlice(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func domainOf(website string) string {
	if !strings.Contains(website, "://") {
		website = "https://" + website
	}
	u, err := url.Parse(website)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// clip bounds prompt material so a huge page cannot blow the context.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
