package models

import "time"

// EnrichmentStatus is the account-level state of one enrichment type.
type EnrichmentStatus string

// Enrichment statuses.
const (
	EnrichmentStatusPending    EnrichmentStatus = "pending"
	EnrichmentStatusInProgress EnrichmentStatus = "in_progress"
	EnrichmentStatusCompleted  EnrichmentStatus = "completed"
	EnrichmentStatusFailed     EnrichmentStatus = "failed"
)

// StatusMetadata is the mutable page-tracking state merged by the paginated
// callback handler.
type StatusMetadata struct {
	ProcessedPages    []int `json:"processed_pages,omitempty"`
	TotalPages        int   `json:"total_pages,omitempty"`
	LastProcessedPage int   `json:"last_processed_page,omitempty"`
}

// HasPage reports whether the page was already merged.
func (m *StatusMetadata) HasPage(page int) bool {
	for _, p := range m.ProcessedPages {
		if p == page {
			return true
		}
	}
	return false
}

// AddPage records a processed page, keeping the set duplicate-free.
func (m *StatusMetadata) AddPage(page, totalPages int) {
	if !m.HasPage(page) {
		m.ProcessedPages = append(m.ProcessedPages, page)
	}
	if totalPages > 0 {
		m.TotalPages = totalPages
	}
	m.LastProcessedPage = page
}

// AccountEnrichmentStatus tracks one (account, enrichment_type) stream.
// The control plane owns the row; the engine's callback handler is the
// sole writer during a stream.
type AccountEnrichmentStatus struct {
	AccountID         string           `json:"account_id"`
	EnrichmentType    EnrichmentType   `json:"enrichment_type"`
	Status            EnrichmentStatus `json:"status"`
	Metadata          StatusMetadata   `json:"metadata"`
	FailureCount      int              `json:"failure_count"`
	LastAttemptedRun  *time.Time       `json:"last_attempted_run,omitempty"`
	LastSuccessfulRun *time.Time       `json:"last_successful_run,omitempty"`
	CompletionPercent float64          `json:"completion_percent,omitempty"`
	Source            string           `json:"source,omitempty"`
	ErrorDetails      map[string]any   `json:"error_details,omitempty"`
	DataQualityScore  *float64         `json:"data_quality_score,omitempty"`
}

// LeadGenerationSummary is written to the account's enrichment sources
// exactly once, on the final page of a lead-generation stream.
type LeadGenerationSummary struct {
	LastRun           time.Time      `json:"last_run"`
	LeadsFound        int            `json:"leads_found"`
	QualifiedLeads    int            `json:"qualified_leads"`
	ScoreDistribution map[string]int `json:"score_distribution,omitempty"`
}
