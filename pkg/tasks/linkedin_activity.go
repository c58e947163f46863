package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/leadfoundry/enrich/pkg/adapters"
	"github.com/leadfoundry/enrich/pkg/batch"
	"github.com/leadfoundry/enrich/pkg/llm"
	"github.com/leadfoundry/enrich/pkg/metrics"
	"github.com/leadfoundry/enrich/pkg/models"
)

// Activities older than this are dropped after date extraction; stale
// posts say nothing useful about a lead today.
const activityCutoff = 15 * 31 * 24 * time.Hour

// Parsed-activity cap per kind, to bound LLM fan-out per lead.
const maxActivitiesPerKind = 20

// LinkedInActivityTask researches leads through their recent LinkedIn
// activity: scrape, parse, per-activity extraction, then an insight
// synthesis over what remains.
type LinkedInActivityTask struct {
	llm      *llm.Service
	activity ActivityFetcher
	results  ResultStore
	emitter  Emitter
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewLinkedInActivityTask wires the research pipeline. results and
// metrics may be nil.
func NewLinkedInActivityTask(llmService *llm.Service, activity ActivityFetcher, results ResultStore, emitter Emitter, m *metrics.Metrics) *LinkedInActivityTask {
	return &LinkedInActivityTask{
		llm:      llmService,
		activity: activity,
		results:  results,
		emitter:  emitter,
		metrics:  m,
		now:      time.Now,
	}
}

// Run researches every lead in the payload and emits one terminal
// callback with the per-lead research results.
func (t *LinkedInActivityTask) Run(ctx context.Context, payload *models.TaskPayload) error {
	started := time.Now()
	payload.Normalize()

	if len(payload.EntityIDs) == 0 {
		err := Fatal("prepare", fmt.Errorf("payload carries no lead ids"))
		emitFailure(ctx, t.emitter, payload, accountIDOf(payload), err, "prepare", started)
		return err
	}

	accountID := accountIDOf(payload)
	results, runMetrics, runErr := batch.Process(ctx, payload.EntityIDs, batch.Options{
		BatchSize:          payload.BatchSize,
		ConcurrentRequests: payload.ConcurrentRequests,
		OnProgress: func(ctx context.Context, pct float64, processed, total int) {
			emitProcessing(ctx, t.emitter, payload, accountID, pct,
				map[string]any{"processed": processed, "total": total})
		},
		ClassifyError: classifyEntityError,
	}, func(ctx context.Context, leadID string) (*models.LinkedInResearch, error) {
		return t.researchLead(ctx, payload, leadID)
	})
	if runErr != nil {
		err := fmt.Errorf("linkedin research cancelled: %w", runErr)
		emitFailure(ctx, t.emitter, payload, accountID, err, "research", started)
		return err
	}

	research := make([]*models.LinkedInResearch, 0, len(results))
	perLeadErrors := map[string]string{}
	for _, r := range results {
		if r.Err != nil {
			perLeadErrors[r.EntityID] = r.Err.Error()
			continue
		}
		research = append(research, r.Value)
	}

	if t.metrics != nil {
		t.metrics.BatchDuration.WithLabelValues(string(models.EnrichmentTypeLeadLinkedInResearch)).
			Observe(runMetrics.ProcessingTime.Seconds())
	}

	event := &models.CallbackEvent{
		JobID:                payload.JobID,
		AccountID:            accountID,
		EnrichmentType:       models.EnrichmentTypeLeadLinkedInResearch,
		Status:               models.CallbackStatusCompleted,
		Source:               "enrich-engine",
		CompletionPercentage: 100,
		ProcessedData: map[string]any{
			"research": research,
			"errors":   perLeadErrors,
			"metrics":  runMetrics,
		},
		OrchestrationData: payload.OrchestrationData,
	}

	if t.results != nil {
		t.storeLeadResults(ctx, payload, accountID, research)
	}

	if err := t.emitter.Emit(ctx, event); err != nil {
		return fmt.Errorf("failed to emit research completion: %w", err)
	}

	slog.Info("LinkedIn research completed",
		"job_id", payload.JobID,
		"leads", runMetrics.Total,
		"failed", runMetrics.Failed,
		"duration", runMetrics.ProcessingTime)
	return nil
}

// researchLead runs the full pipeline for one lead.
func (t *LinkedInActivityTask) researchLead(ctx context.Context, payload *models.TaskPayload, leadID string) (*models.LinkedInResearch, error) {
	entityCtx := entityContext(payload, leadID)
	linkedinURL, _ := entityCtx["linkedin_url"].(string)
	if linkedinURL == "" {
		return nil, Fatal("prepare", fmt.Errorf("lead %s has no linkedin_url in context", leadID))
	}

	raw, err := t.activity.RecentActivity(ctx, linkedinURL, payload.TenantID)
	if err != nil {
		return nil, fmt.Errorf("activity fetch failed: %w", err)
	}

	parsed := parseActivityPayload(raw)
	if len(parsed) == 0 {
		return &models.LinkedInResearch{LeadID: leadID, Activities: []models.LinkedInActivity{}}, nil
	}

	cutoff := t.now().Add(-activityCutoff)
	activities := make([]models.LinkedInActivity, 0, len(parsed))
	for _, activity := range parsed {
		enriched, err := t.extractActivity(ctx, payload.TenantID, activity)
		if err != nil {
			slog.Warn("Activity extraction failed, keeping raw record",
				"lead_id", leadID, "kind", activity.Kind, "error", err)
			activities = append(activities, activity)
			continue
		}
		if published, ok := parseActivityDate(enriched.PublishDate); ok && published.Before(cutoff) {
			continue
		}
		activities = append(activities, *enriched)
	}

	research := &models.LinkedInResearch{LeadID: leadID, Activities: activities}
	if len(activities) > 0 {
		insights, err := t.generateInsights(ctx, payload.TenantID, entityCtx, activities)
		if err != nil {
			slog.Warn("Insight generation failed", "lead_id", leadID, "error", err)
		} else {
			research.Insights = insights
		}
	}
	return research, nil
}

// extractActivity asks the LLM to structure one raw feed item.
func (t *LinkedInActivityTask) extractActivity(ctx context.Context, tenantID string, activity models.LinkedInActivity) (*models.LinkedInActivity, error) {
	prompt := llm.Prompt{
		System: `You structure raw LinkedIn feed items. Respond with a JSON object: {"publish_date": "YYYY-MM-DD or null", "summary", "category", "company_focused": bool, "mentioned_people": [string], "mentioned_products": [string], "metadata": {}}. Relative dates ("3mo", "2w") are relative to today. Only report what the text supports.`,
		User:   fmt.Sprintf("ACTIVITY KIND: %s\nTODAY: %s\n\nACTIVITY TEXT:\n%s", activity.Kind, t.now().Format("2006-01-02"), clip(activity.Text, 8000)),
	}
	result, err := t.llm.GenerateContent(ctx, prompt, llm.GenerateOptions{
		IsJSON:       true,
		OperationTag: "linkedin_activity:extract",
		TenantID:     tenantID,
	})
	if err != nil {
		return nil, err
	}

	enriched := activity
	enriched.PublishDate = stringify(result.Data["publish_date"])
	if enriched.PublishDate == "null" {
		enriched.PublishDate = ""
	}
	enriched.Summary = stringify(result.Data["summary"])
	enriched.Category = stringify(result.Data["category"])
	enriched.CompanyFocused, _ = result.Data["company_focused"].(bool)
	enriched.MentionedPeople = stringSlice(result.Data["mentioned_people"])
	enriched.MentionedProducts = stringSlice(result.Data["mentioned_products"])
	if meta, ok := result.Data["metadata"].(map[string]any); ok {
		enriched.Metadata = meta
	}
	return &enriched, nil
}

// generateInsights synthesises outreach guidance from the surviving
// activities.
func (t *LinkedInActivityTask) generateInsights(ctx context.Context, tenantID string, entityCtx map[string]any, activities []models.LinkedInActivity) (*models.LinkedInInsights, error) {
	var b strings.Builder
	for _, a := range activities {
		fmt.Fprintf(&b, "- [%s] %s", a.Kind, firstNonEmpty(a.Summary, clip(a.Text, 300)))
		if a.PublishDate != "" {
			fmt.Fprintf(&b, " (%s)", a.PublishDate)
		}
		b.WriteString("\n")
	}
	name, _ := entityCtx["name"].(string)
	title, _ := entityCtx["title"].(string)

	prompt := llm.Prompt{
		System: `You are a B2B outreach strategist analysing a lead's LinkedIn activity. Respond with a JSON object: {"personality", "areas_of_interest": [string], "engaged_colleagues": [string], "engaged_products": [string], "outreach_recommendation", "personalization_signals": [string]}. Ground every claim in the listed activity.`,
		User:   fmt.Sprintf("LEAD: %s (%s)\n\nRECENT ACTIVITY:\n%s", name, title, b.String()),
	}
	result, err := t.llm.GenerateContent(ctx, prompt, llm.GenerateOptions{
		IsJSON:       true,
		OperationTag: "linkedin_activity:insights",
		TenantID:     tenantID,
	})
	if err != nil {
		return nil, err
	}
	return &models.LinkedInInsights{
		Personality:            stringify(result.Data["personality"]),
		AreasOfInterest:        stringSlice(result.Data["areas_of_interest"]),
		EngagedColleagues:      stringSlice(result.Data["engaged_colleagues"]),
		EngagedProducts:        stringSlice(result.Data["engaged_products"]),
		OutreachRecommendation: stringify(result.Data["outreach_recommendation"]),
		PersonalizationSignals: stringSlice(result.Data["personalization_signals"]),
	}, nil
}

// storeLeadResults persists one result row per lead under the lead's id.
func (t *LinkedInActivityTask) storeLeadResults(ctx context.Context, payload *models.TaskPayload, accountID string, research []*models.LinkedInResearch) {
	for _, r := range research {
		event := &models.CallbackEvent{
			JobID:                payload.JobID,
			AccountID:            accountID,
			LeadID:               r.LeadID,
			EnrichmentType:       models.EnrichmentTypeLeadLinkedInResearch,
			Status:               models.CallbackStatusCompleted,
			Source:               "enrich-engine",
			CompletionPercentage: 100,
			ProcessedData: map[string]any{
				"activities": r.Activities,
				"insights":   r.Insights,
			},
		}
		if err := t.results.Store(ctx, event); err != nil {
			slog.Warn("Failed to persist lead research", "lead_id", r.LeadID, "error", err)
		}
	}
}

// parseActivityPayload turns the scraper's three HTML documents into raw
// activity records.
func parseActivityPayload(payload *adapters.ActivityPayload) []models.LinkedInActivity {
	if payload == nil {
		return nil
	}
	var out []models.LinkedInActivity
	out = append(out, parseActivityHTML(payload.PostsHTML, models.ActivityKindPost)...)
	out = append(out, parseActivityHTML(payload.CommentsHTML, models.ActivityKindComment)...)
	out = append(out, parseActivityHTML(payload.ReactionsHTML, models.ActivityKindReaction)...)
	return out
}

// parseActivityHTML extracts one record per feed item. Items are the
// list entries of the scraped fragment; a fragment with no list
// structure collapses into a single record.
func parseActivityHTML(fragment string, kind models.LinkedInActivityKind) []models.LinkedInActivity {
	if strings.TrimSpace(fragment) == "" {
		return nil
	}
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		slog.Warn("Unparseable activity HTML", "kind", kind, "error", err)
		return nil
	}

	var items []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && isActivityItem(n) {
			items = append(items, n)
			return // nested items collapse into their outermost container
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(items) == 0 {
		text := collapseText(doc)
		if text == "" {
			return nil
		}
		return []models.LinkedInActivity{{Kind: kind, Text: text, ActivityURL: firstActivityLink(doc)}}
	}

	out := make([]models.LinkedInActivity, 0, len(items))
	for _, item := range items {
		if len(out) == maxActivitiesPerKind {
			break
		}
		text := collapseText(item)
		if text == "" {
			continue
		}
		out = append(out, models.LinkedInActivity{
			Kind:        kind,
			Text:        text,
			ActivityURL: firstActivityLink(item),
		})
	}
	return out
}

// isActivityItem recognises one feed entry: an <li>, or a container the
// scraper tagged as an update via class or data-urn.
func isActivityItem(n *html.Node) bool {
	if n.Data == "li" {
		return true
	}
	for _, attr := range n.Attr {
		switch attr.Key {
		case "class":
			if strings.Contains(attr.Val, "feed-shared-update") || strings.Contains(attr.Val, "occludable-update") {
				return true
			}
		case "data-urn":
			if strings.Contains(attr.Val, "activity") {
				return true
			}
		}
	}
	return false
}

// collapseText flattens a node's text content, normalising whitespace.
func collapseText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// firstActivityLink finds the first LinkedIn href under a node.
func firstActivityLink(n *html.Node) string {
	var found string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" && strings.Contains(attr.Val, "linkedin.com") {
					found = attr.Val
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return found
}

// Accepted publish-date layouts, most specific first.
var activityDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"January 2, 2006",
	"Jan 2, 2006",
	"2006-01",
}

// parseActivityDate parses the extraction stage's publish date. An
// unparseable date keeps the activity: staleness must be proven.
func parseActivityDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range activityDateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
