package models

import "time"

// ResponseType declares the shape of a custom-column answer.
type ResponseType string

// Response types.
const (
	ResponseTypeString     ResponseType = "string"
	ResponseTypeJSONObject ResponseType = "json_object"
	ResponseTypeBoolean    ResponseType = "boolean"
	ResponseTypeNumber     ResponseType = "number"
	ResponseTypeEnum       ResponseType = "enum"
)

// IsValid checks whether the response type is known.
func (t ResponseType) IsValid() bool {
	switch t {
	case ResponseTypeString, ResponseTypeJSONObject, ResponseTypeBoolean,
		ResponseTypeNumber, ResponseTypeEnum:
		return true
	default:
		return false
	}
}

// ResponseConfig refines how a column's answer is requested and validated.
type ResponseConfig struct {
	AllowedValues   []string `json:"allowed_values,omitempty"`
	Examples        []string `json:"examples,omitempty"`
	ValidationRules []string `json:"validation_rules,omitempty"`
}

// Column is a tenant-defined question applied to many entities. The engine
// consumes columns; the control plane owns their storage.
type Column struct {
	ID               string          `json:"id"`
	EntityType       EntityKind      `json:"entity_type"`
	ResponseType     ResponseType    `json:"response_type"`
	ResponseConfig   *ResponseConfig `json:"response_config,omitempty"`
	Question         string          `json:"question"`
	Description      string          `json:"description,omitempty"`
	AIConfig         *AIConfig       `json:"ai_config,omitempty"`
	LinkedInActivity bool            `json:"linkedin_activity,omitempty"`
	Active           bool            `json:"active"`
	LastRefresh      *time.Time      `json:"last_refresh,omitempty"`
}

// ColumnDependency is a directed edge: Dependent requires Required to be
// generated first. Both columns share an entity type.
type ColumnDependency struct {
	DependentID string `json:"dependent_id"`
	RequiredID  string `json:"required_id"`
	Active      bool   `json:"active"`
}

// ColumnValueStatus is the per-entity generation outcome.
type ColumnValueStatus string

// Column value statuses.
const (
	ColumnValueStatusPending   ColumnValueStatus = "pending"
	ColumnValueStatusCompleted ColumnValueStatus = "completed"
	ColumnValueStatusError     ColumnValueStatus = "error"
)

// CustomColumnValue is the result of one (column, entity) pair. Exactly one
// Value* field is populated according to the column's response type.
type CustomColumnValue struct {
	ColumnID        string            `json:"column_id"`
	EntityID        string            `json:"entity_id"`
	ValueString     *string           `json:"value_string,omitempty"`
	ValueJSON       any               `json:"value_json,omitempty"`
	ValueBoolean    *bool             `json:"value_boolean,omitempty"`
	ValueNumber     *float64          `json:"value_number,omitempty"`
	ValueEnum       *string           `json:"value_enum,omitempty"`
	ConfidenceScore float64           `json:"confidence_score"`
	Rationale       string            `json:"rationale,omitempty"`
	Sources         []string          `json:"sources,omitempty"`
	Status          ColumnValueStatus `json:"status"`
	ErrorDetails    map[string]any    `json:"error_details,omitempty"`
	GeneratedAt     time.Time         `json:"generated_at"`
}
