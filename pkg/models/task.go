package models

import "encoding/json"

// EntityKind distinguishes the two enrichment targets.
type EntityKind string

// Entity kinds.
const (
	EntityKindAccount EntityKind = "account"
	EntityKindLead    EntityKind = "lead"
)

// EntityRef identifies an enrichment target. IDs are opaque to the engine;
// the control plane owns their meaning.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// EnrichmentType is the closed set of enrichment kinds the engine runs.
type EnrichmentType string

// Enrichment types.
const (
	EnrichmentTypeCompanyInfo          EnrichmentType = "company_info"
	EnrichmentTypeGenerateLeads        EnrichmentType = "generate_leads"
	EnrichmentTypeLeadLinkedInResearch EnrichmentType = "lead_linkedin_research"
	EnrichmentTypeCustomColumn         EnrichmentType = "custom_column"
)

// IsValid checks whether the enrichment type is part of the closed set.
func (t EnrichmentType) IsValid() bool {
	switch t {
	case EnrichmentTypeCompanyInfo,
		EnrichmentTypeGenerateLeads,
		EnrichmentTypeLeadLinkedInResearch,
		EnrichmentTypeCustomColumn:
		return true
	default:
		return false
	}
}

// ThinkingBudget is a per-call hint limiting a provider's internal
// reasoning tokens.
type ThinkingBudget string

// Thinking budgets.
const (
	ThinkingBudgetZero   ThinkingBudget = "zero"
	ThinkingBudgetLow    ThinkingBudget = "low"
	ThinkingBudgetMedium ThinkingBudget = "medium"
	ThinkingBudgetHigh   ThinkingBudget = "high"
)

// SearchContextSize controls the breadth of web evidence gathered by
// search-grounded generation.
type SearchContextSize string

// Search context sizes.
const (
	SearchContextLow    SearchContextSize = "low"
	SearchContextMedium SearchContextSize = "medium"
	SearchContextHigh   SearchContextSize = "high"
)

// AIConfig carries the per-task LLM settings supplied by the control plane.
type AIConfig struct {
	Provider       string          `json:"provider,omitempty"`
	Model          string          `json:"model,omitempty"`
	Temperature    *float32        `json:"temperature,omitempty"`
	ThinkingBudget *ThinkingBudget `json:"thinking_budget,omitempty"`
	UseInternet    bool            `json:"use_internet,omitempty"`
	Unstructured   bool            `json:"unstructured,omitempty"`
}

// OrchestrationData carries column-generation continuation state across
// task boundaries. When a custom-column task completes with a nonempty
// NextColumns, the callback handler submits a task for its head.
type OrchestrationData struct {
	NextColumns []string `json:"next_columns,omitempty"`
	EntityIDs   []string `json:"entity_ids,omitempty"`
	BatchSize   int      `json:"batch_size,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
}

// TaskPayload is the input to one task run.
type TaskPayload struct {
	JobID              string                     `json:"job_id"`
	EnrichmentType     EnrichmentType             `json:"enrichment_type"`
	EntityIDs          []string                   `json:"entity_ids"`
	ContextData        map[string]json.RawMessage `json:"context_data,omitempty"`
	TenantID           string                     `json:"tenant_id,omitempty"`
	BatchSize          int                        `json:"batch_size,omitempty"`
	ConcurrentRequests int                        `json:"concurrent_requests,omitempty"`
	AIConfig           *AIConfig                  `json:"ai_config,omitempty"`
	ColumnID           string                     `json:"column_id,omitempty"`
	OrchestrationData  *OrchestrationData         `json:"orchestration_data,omitempty"`
	AttemptNumber      int                        `json:"attempt_number,omitempty"`
	MaxRetries         int                        `json:"max_retries,omitempty"`
}

// Task payload defaults applied by Normalize.
const (
	DefaultBatchSize          = 10
	DefaultConcurrentRequests = 5
	MaxConcurrentRequests     = 10
)

// Normalize fills in defaults and clamps concurrency the way every task
// consumes the payload.
func (p *TaskPayload) Normalize() {
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.ConcurrentRequests <= 0 {
		p.ConcurrentRequests = DefaultConcurrentRequests
	}
	if p.ConcurrentRequests > MaxConcurrentRequests {
		p.ConcurrentRequests = MaxConcurrentRequests
	}
}
