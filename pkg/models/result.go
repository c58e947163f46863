package models

import "time"

// BatchDataType describes how one large array inside a batched payload was
// split. Kept on the master row, keyed by array name.
type BatchDataType struct {
	Count     int `json:"count"`
	Batches   int `json:"batches"`
	BatchSize int `json:"batch_size"`
}

// BatchInfo describes either the master row of a batched result or one of
// its child chunks.
type BatchInfo struct {
	IsMaster  bool   `json:"is_master"`
	JobID     string `json:"job_id"`
	CreatedAt string `json:"created_at,omitempty"`

	// Master row only: how each large array was split.
	DataTypes map[string]BatchDataType `json:"data_types,omitempty"`

	// Child rows only: placement of this chunk within its array.
	DataType     string `json:"data_type,omitempty"`
	BatchIndex   int    `json:"batch_index,omitempty"`
	TotalBatches int    `json:"total_batches,omitempty"`
	StartIndex   int    `json:"start_index,omitempty"`
	EndIndex     int    `json:"end_index,omitempty"`
	ItemsCount   int    `json:"items_count,omitempty"`
}

// ResultRecord is one row of the append-only result store. Reads take the
// most recent row for (account_id, enrichment_type, lead_id?).
type ResultRecord struct {
	ID              int64          `json:"id"`
	AccountID       string         `json:"account_id"`
	LeadID          *string        `json:"lead_id,omitempty"`
	EnrichmentType  string         `json:"enrichment_type"`
	Status          string         `json:"status"`
	CallbackPayload map[string]any `json:"callback_payload"`
	IsBatched       bool           `json:"is_batched"`
	BatchInfo       *BatchInfo     `json:"batch_info,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
