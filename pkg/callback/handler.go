package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadfoundry/enrich/pkg/models"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrLeadNotFound    = errors.New("lead not found")
)

// StatusStore guards the per-(account, enrichment_type) stream state. The
// implementation runs apply under a row-level write lock and persists the
// mutated status when apply returns nil.
type StatusStore interface {
	WithLock(ctx context.Context, accountID string, enrichmentType models.EnrichmentType, apply func(*models.AccountEnrichmentStatus) error) error
}

// AccountStore is the handler's view of account state.
type AccountStore interface {
	Exists(ctx context.Context, accountID string) (bool, error)
	ApplyCompanyInfo(ctx context.Context, accountID string, fields map[string]any) error
	SetLeadGenerationSummary(ctx context.Context, accountID string, summary models.LeadGenerationSummary) error
}

// LeadStore is the handler's view of lead state. Upsert keys on
// (account_id, linkedin_url).
type LeadStore interface {
	Exists(ctx context.Context, leadID string) (bool, error)
	Upsert(ctx context.Context, accountID string, lead map[string]any) error
	ApplyResearch(ctx context.Context, leadID string, fields map[string]any) error
}

// ColumnCompletionHandler continues an orchestrated column run after a
// custom-column task reports in, and regenerates account columns after a
// company enrichment completes.
type ColumnCompletionHandler interface {
	HandleColumnCompletion(ctx context.Context, event *models.CallbackEvent) error
	GenerateForAccount(ctx context.Context, tenantID, accountID string) error
}

// errSkip aborts the locked update without persisting anything.
var errSkip = errors.New("callback skipped")

// Handler merges inbound enrichment callbacks into account and lead
// state. Pages of one stream may arrive out of order and may be
// replayed; replays are answered with an explicit skipped result.
type Handler struct {
	statuses StatusStore
	accounts AccountStore
	leads    LeadStore
	columns  ColumnCompletionHandler
}

// NewHandler wires the inbound callback handler. columns may be nil when
// column orchestration is disabled.
func NewHandler(statuses StatusStore, accounts AccountStore, leads LeadStore, columns ColumnCompletionHandler) *Handler {
	return &Handler{statuses: statuses, accounts: accounts, leads: leads, columns: columns}
}

// Handle processes one inbound callback event and reports the outcome.
// The handler never retries internally; callers may retry on error and
// rely on the skip policy for idempotence.
func (h *Handler) Handle(ctx context.Context, event *models.CallbackEvent) (*models.CallbackResult, error) {
	if !event.EnrichmentType.IsValid() {
		return nil, fmt.Errorf("unknown enrichment type %q", event.EnrichmentType)
	}

	// Custom-column callbacks are not status-gated: each run recomputes
	// its values, so there is no stream state to guard.
	if event.EnrichmentType == models.EnrichmentTypeCustomColumn {
		return h.handleCustomColumn(ctx, event)
	}

	exists, err := h.accounts.Exists(ctx, event.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up account %s: %w", event.AccountID, err)
	}
	if !exists {
		return nil, ErrAccountNotFound
	}

	var skipReason string
	err = h.statuses.WithLock(ctx, event.AccountID, event.EnrichmentType, func(status *models.AccountEnrichmentStatus) error {
		if reason := skipDecision(status, event); reason != "" {
			skipReason = reason
			return errSkip
		}
		mergeEvent(status, event)
		return nil
	})
	if errors.Is(err, errSkip) {
		slog.Info("Skipping enrichment callback",
			"job_id", event.JobID,
			"account_id", event.AccountID,
			"enrichment_type", event.EnrichmentType,
			"reason", skipReason)
		return &models.CallbackResult{Status: models.CallbackResultSkipped, Reason: skipReason}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update enrichment status: %w", err)
	}

	if err := h.dispatch(ctx, event); err != nil {
		return nil, err
	}

	// Completed company enrichment refreshes the account's custom
	// columns. Best effort: the callback response never waits on it.
	if h.columns != nil &&
		event.EnrichmentType == models.EnrichmentTypeCompanyInfo &&
		event.Status == models.CallbackStatusCompleted {
		go func(tenantID, accountID string) {
			if err := h.columns.GenerateForAccount(context.Background(), tenantID, accountID); err != nil {
				slog.Warn("Post-enrichment column generation failed",
					"account_id", accountID, "error", err)
			}
		}(event.TenantID, event.AccountID)
	}

	result := &models.CallbackResult{Status: models.CallbackResultSuccess}
	if event.Pagination != nil {
		result.Page = event.Pagination.Page
		result.TotalPages = event.Pagination.TotalPages
		if !event.Pagination.IsFinal() {
			result.Status = models.CallbackResultProcessing
		}
	}
	return result, nil
}

// skipDecision implements the skip policy. Page replays are checked
// before the failed-status gate, so a replayed page on a failed stream is
// still reported as a replay.
func skipDecision(status *models.AccountEnrichmentStatus, event *models.CallbackEvent) string {
	if event.Pagination != nil {
		if status.Metadata.HasPage(event.Pagination.Page) {
			return fmt.Sprintf("Page %d already processed", event.Pagination.Page)
		}
	} else if status.Status == models.EnrichmentStatusCompleted {
		return "enrichment already completed"
	}
	if status.Status == models.EnrichmentStatusFailed && event.Status != models.CallbackStatusCompleted {
		return "previous run failed; awaiting a completed result"
	}
	return ""
}

// mergeEvent folds the event into the locked status row.
func mergeEvent(status *models.AccountEnrichmentStatus, event *models.CallbackEvent) {
	now := time.Now().UTC()
	status.LastAttemptedRun = &now
	if event.Source != "" {
		status.Source = event.Source
	}
	if event.CompletionPercentage > 0 {
		status.CompletionPercent = event.CompletionPercentage
	}

	switch {
	case event.Status == models.CallbackStatusFailed:
		status.Status = models.EnrichmentStatusFailed
		status.FailureCount++
		status.ErrorDetails = event.ErrorDetails
	case event.Pagination != nil:
		status.Metadata.AddPage(event.Pagination.Page, event.Pagination.TotalPages)
		if event.Pagination.IsFinal() && event.Status == models.CallbackStatusCompleted {
			status.Status = models.EnrichmentStatusCompleted
			status.LastSuccessfulRun = &now
			status.CompletionPercent = 100
			status.ErrorDetails = nil
		} else {
			status.Status = models.EnrichmentStatusInProgress
		}
	case event.Status == models.CallbackStatusCompleted:
		status.Status = models.EnrichmentStatusCompleted
		status.LastSuccessfulRun = &now
		status.CompletionPercent = 100
		status.ErrorDetails = nil
	default:
		status.Status = models.EnrichmentStatusInProgress
	}
}

// dispatch applies the event's payload to account/lead state after the
// stream state has been committed.
func (h *Handler) dispatch(ctx context.Context, event *models.CallbackEvent) error {
	if event.Status == models.CallbackStatusFailed {
		return nil
	}
	switch event.EnrichmentType {
	case models.EnrichmentTypeGenerateLeads:
		return h.applyLeadPage(ctx, event)
	case models.EnrichmentTypeCompanyInfo:
		return h.applyCompanyInfo(ctx, event)
	case models.EnrichmentTypeLeadLinkedInResearch:
		return h.applyLeadResearch(ctx, event)
	}
	return nil
}

// applyLeadPage upserts the leads of one stream page and, on the final
// page only, writes the account's lead-generation summary.
func (h *Handler) applyLeadPage(ctx context.Context, event *models.CallbackEvent) error {
	leads := extractLeads(event.ProcessedData)
	for _, lead := range leads {
		if err := h.leads.Upsert(ctx, event.AccountID, lead); err != nil {
			return fmt.Errorf("failed to upsert lead for account %s: %w", event.AccountID, err)
		}
	}

	final := event.Pagination == nil || event.Pagination.IsFinal()
	if !final || event.Status != models.CallbackStatusCompleted {
		return nil
	}

	summary := buildLeadSummary(event.ProcessedData, len(leads))
	if err := h.accounts.SetLeadGenerationSummary(ctx, event.AccountID, summary); err != nil {
		return fmt.Errorf("failed to record lead generation summary: %w", err)
	}
	slog.Info("Lead generation stream completed",
		"job_id", event.JobID,
		"account_id", event.AccountID,
		"leads_found", summary.LeadsFound,
		"qualified_leads", summary.QualifiedLeads)
	return nil
}

// companyInfoFields maps payload keys onto account fields.
var companyInfoFields = map[string]string{
	"company_name":     "name",
	"description":      "description",
	"industry":         "industry",
	"employee_count":   "employee_count",
	"revenue_range":    "revenue_range",
	"headquarters":     "headquarters",
	"founded_year":     "founded_year",
	"website":          "website",
	"linkedin_url":     "linkedin_url",
	"technologies":     "technologies",
	"key_customers":    "key_customers",
	"funding_summary":  "funding_summary",
	"recent_news":      "recent_news",
	"social_presence":  "social_presence",
	"target_market":    "target_market",
	"products_offered": "products_offered",
}

func (h *Handler) applyCompanyInfo(ctx context.Context, event *models.CallbackEvent) error {
	fields := map[string]any{}
	for payloadKey, field := range companyInfoFields {
		if value, ok := event.ProcessedData[payloadKey]; ok && value != nil {
			fields[field] = value
		}
	}
	if len(fields) == 0 {
		return nil
	}
	if err := h.accounts.ApplyCompanyInfo(ctx, event.AccountID, fields); err != nil {
		return fmt.Errorf("failed to apply company info: %w", err)
	}
	return nil
}

func (h *Handler) applyLeadResearch(ctx context.Context, event *models.CallbackEvent) error {
	if event.LeadID == "" {
		return fmt.Errorf("lead research callback without lead_id for job %s", event.JobID)
	}
	exists, err := h.leads.Exists(ctx, event.LeadID)
	if err != nil {
		return fmt.Errorf("failed to look up lead %s: %w", event.LeadID, err)
	}
	if !exists {
		return ErrLeadNotFound
	}
	if err := h.leads.ApplyResearch(ctx, event.LeadID, event.ProcessedData); err != nil {
		return fmt.Errorf("failed to apply lead research: %w", err)
	}
	return nil
}

func (h *Handler) handleCustomColumn(ctx context.Context, event *models.CallbackEvent) (*models.CallbackResult, error) {
	if h.columns != nil {
		if err := h.columns.HandleColumnCompletion(ctx, event); err != nil {
			return nil, fmt.Errorf("failed to continue column orchestration for job %s: %w", event.JobID, err)
		}
	}
	return &models.CallbackResult{Status: models.CallbackResultSuccess}, nil
}

// extractLeads pulls the lead array out of a page payload.
func extractLeads(processedData map[string]any) []map[string]any {
	for _, key := range []string{"structured_leads", "leads"} {
		raw, ok := processedData[key].([]any)
		if !ok {
			continue
		}
		leads := make([]map[string]any, 0, len(raw))
		for _, item := range raw {
			if lead, ok := item.(map[string]any); ok {
				leads = append(leads, lead)
			}
		}
		return leads
	}
	return nil
}

// buildLeadSummary derives the account-level summary from the final page
// payload, falling back to page-local counts when the worker sent none.
func buildLeadSummary(processedData map[string]any, pageLeads int) models.LeadGenerationSummary {
	summary := models.LeadGenerationSummary{LastRun: time.Now().UTC(), LeadsFound: pageLeads}
	raw, ok := processedData["summary"].(map[string]any)
	if !ok {
		return summary
	}
	if v, ok := asInt(raw["leads_found"]); ok {
		summary.LeadsFound = v
	}
	if v, ok := asInt(raw["qualified_leads"]); ok {
		summary.QualifiedLeads = v
	}
	if dist, ok := raw["score_distribution"].(map[string]any); ok {
		summary.ScoreDistribution = map[string]int{}
		for bucket, count := range dist {
			if v, ok := asInt(count); ok {
				summary.ScoreDistribution[bucket] = v
			}
		}
	}
	return summary
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
