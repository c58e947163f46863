package models

import "encoding/json"

// CallbackStatus is the lifecycle status carried on a callback event.
type CallbackStatus string

// Callback statuses.
const (
	CallbackStatusProcessing CallbackStatus = "processing"
	CallbackStatusPartial    CallbackStatus = "partial"
	CallbackStatusCompleted  CallbackStatus = "completed"
	CallbackStatusFailed     CallbackStatus = "failed"
	CallbackStatusSkipped    CallbackStatus = "skipped"
	CallbackStatusBatch      CallbackStatus = "batch"
)

// IsTerminal reports whether the status ends a task run.
func (s CallbackStatus) IsTerminal() bool {
	return s == CallbackStatusCompleted || s == CallbackStatusFailed
}

// Pagination addresses one page of a paginated enrichment stream.
type Pagination struct {
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
}

// IsFinal reports whether this page is the last one of the stream.
func (p Pagination) IsFinal() bool {
	return p.TotalPages > 0 && p.Page == p.TotalPages
}

// CallbackEvent is the unit of progress and result reporting between the
// engine and the control plane. Terminal events (completed/failed) carry
// the full processed data of the run.
type CallbackEvent struct {
	JobID                string             `json:"job_id"`
	TenantID             string             `json:"tenant_id,omitempty"`
	AccountID            string             `json:"account_id"`
	LeadID               string             `json:"lead_id,omitempty"`
	EnrichmentType       EnrichmentType     `json:"enrichment_type"`
	Status               CallbackStatus     `json:"status"`
	Source               string             `json:"source,omitempty"`
	CompletionPercentage float64            `json:"completion_percentage,omitempty"`
	ProcessedData        map[string]any     `json:"processed_data,omitempty"`
	ErrorDetails         map[string]any     `json:"error_details,omitempty"`
	Pagination           *Pagination        `json:"pagination,omitempty"`
	OrchestrationData    *OrchestrationData `json:"orchestration_data,omitempty"`
}

// CallbackResult is what the paginated callback handler reports back to
// its HTTP caller. Status is one of success, skipped, processing.
type CallbackResult struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Page       int    `json:"page,omitempty"`
	TotalPages int    `json:"total_pages,omitempty"`
}

// Callback result statuses.
const (
	CallbackResultSuccess    = "success"
	CallbackResultSkipped    = "skipped"
	CallbackResultProcessing = "processing"
)

// RawPayload round-trips the event through JSON into a generic tree,
// which is how the result store persists terminal payloads.
func (e *CallbackEvent) RawPayload() (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
