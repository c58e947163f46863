// Package results persists terminal callback payloads for replay. Large
// lead arrays are transparently split across child rows on write and
// reassembled on read, so callers always see the original payload.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leadfoundry/enrich/pkg/models"
)

// ErrNotFound is returned by Get when no result row exists for the key.
var ErrNotFound = errors.New("result not found")

// batchableArrays are the processed_data keys eligible for splitting.
var batchableArrays = []string{"structured_leads", "qualified_leads", "all_leads"}

// Config tunes the batching behaviour of the store.
type Config struct {
	EnableBatching bool
	BatchThreshold int           // arrays at or above this length trigger batching
	BatchSize      int           // items per child row
	MaxConcurrent  int           // parallel child inserts
	InsertDelay    time.Duration // pause between child insert submissions
}

// DefaultConfig matches the production defaults.
var DefaultConfig = Config{
	EnableBatching: true,
	BatchThreshold: 50,
	BatchSize:      100,
	MaxConcurrent:  4,
	InsertDelay:    10 * time.Millisecond,
}

// Store is the append-only result store over enrichment_callbacks.
type Store struct {
	db  *sql.DB
	cfg Config
}

// NewStore creates a Store, filling zero config fields from defaults.
func NewStore(db *sql.DB, cfg Config) *Store {
	if cfg.BatchThreshold <= 0 {
		cfg.BatchThreshold = DefaultConfig.BatchThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig.MaxConcurrent
	}
	return &Store{db: db, cfg: cfg}
}

// Store persists a terminal callback payload. Non-completed events are
// ignored. When batching is enabled and any lead array reaches the
// threshold, the payload is split into a master row plus child rows.
func (s *Store) Store(ctx context.Context, event *models.CallbackEvent) error {
	if event.Status != models.CallbackStatusCompleted {
		return nil
	}

	payload, err := event.RawPayload()
	if err != nil {
		return fmt.Errorf("failed to serialize callback payload: %w", err)
	}

	arrays := extractArrays(payload)
	longest := 0
	for _, items := range arrays {
		if len(items) > longest {
			longest = len(items)
		}
	}

	if !s.cfg.EnableBatching || longest < s.cfg.BatchThreshold {
		return s.insertRow(ctx, event.AccountID, event.LeadID, string(event.EnrichmentType),
			string(event.Status), payload, false, nil)
	}
	return s.storeBatched(ctx, event, payload, arrays)
}

func (s *Store) storeBatched(ctx context.Context, event *models.CallbackEvent, payload map[string]any, arrays map[string][]any) error {
	enrichmentType := string(event.EnrichmentType)

	master := map[string]any{}
	for k, v := range payload {
		master[k] = v
	}
	if pd, ok := payload["processed_data"].(map[string]any); ok {
		stripped := map[string]any{}
		for k, v := range pd {
			stripped[k] = v
		}
		for name := range arrays {
			delete(stripped, name)
		}
		master["processed_data"] = stripped
	}

	info := &models.BatchInfo{
		IsMaster:  true,
		JobID:     event.JobID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		DataTypes: map[string]models.BatchDataType{},
	}
	for name, items := range arrays {
		info.DataTypes[name] = models.BatchDataType{
			Count:     len(items),
			Batches:   (len(items) + s.cfg.BatchSize - 1) / s.cfg.BatchSize,
			BatchSize: s.cfg.BatchSize,
		}
	}

	if err := s.insertRow(ctx, event.AccountID, event.LeadID, enrichmentType,
		string(event.Status), master, true, info); err != nil {
		return fmt.Errorf("failed to store master row: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, name := range sortedKeys(arrays) {
		items := arrays[name]
		total := (len(items) + s.cfg.BatchSize - 1) / s.cfg.BatchSize
		for idx := 0; idx < total; idx++ {
			start := idx * s.cfg.BatchSize
			end := start + s.cfg.BatchSize
			if end > len(items) {
				end = len(items)
			}
			chunk := items[start:end]
			childType := fmt.Sprintf("%s_%s_batch_%d", enrichmentType, name, idx)
			childInfo := &models.BatchInfo{
				JobID:        event.JobID,
				DataType:     name,
				BatchIndex:   idx,
				TotalBatches: total,
				StartIndex:   start,
				EndIndex:     end,
				ItemsCount:   len(chunk),
			}
			g.Go(func() error {
				return s.insertRow(gctx, event.AccountID, event.LeadID, childType,
					string(models.CallbackStatusBatch), map[string]any{"items": chunk}, true, childInfo)
			})
			// Stagger submissions so a wide payload does not slam the
			// backend with a burst of inserts.
			if s.cfg.InsertDelay > 0 {
				select {
				case <-gctx.Done():
				case <-time.After(s.cfg.InsertDelay):
				}
			}
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to store batch rows: %w", err)
	}

	slog.Info("Stored batched result",
		"job_id", event.JobID,
		"account_id", event.AccountID,
		"enrichment_type", enrichmentType,
		"data_types", len(arrays))
	return nil
}

func (s *Store) insertRow(ctx context.Context, accountID string, leadID string, enrichmentType, status string, payload map[string]any, isBatched bool, info *models.BatchInfo) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}
	var infoJSON any
	if info != nil {
		raw, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("failed to serialize batch info: %w", err)
		}
		infoJSON = raw
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrichment_callbacks
		   (account_id, lead_id, enrichment_type, status, callback_payload, is_batched, batch_info, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`,
		accountID, nullable(leadID), enrichmentType, status, payloadJSON, isBatched, infoJSON)
	if err != nil {
		return fmt.Errorf("failed to insert result row: %w", err)
	}
	return nil
}

// Get returns the latest stored payload for the key, reassembling split
// arrays back into processed_data. leadID may be empty for account-level
// results.
func (s *Store) Get(ctx context.Context, enrichmentType, accountID, leadID string) (map[string]any, error) {
	query := `SELECT callback_payload, is_batched, batch_info
	          FROM enrichment_callbacks
	          WHERE account_id = $1 AND enrichment_type = $2 AND lead_id `
	args := []any{accountID, enrichmentType}
	if leadID == "" {
		query += `IS NULL`
	} else {
		query += `= $3`
		args = append(args, leadID)
	}
	query += ` ORDER BY updated_at DESC LIMIT 1`

	var (
		payloadJSON []byte
		isBatched   bool
		infoJSON    []byte
	)
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&payloadJSON, &isBatched, &infoJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read result: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse stored payload: %w", err)
	}
	if !isBatched {
		return payload, nil
	}

	var info models.BatchInfo
	if err := json.Unmarshal(infoJSON, &info); err != nil {
		return nil, fmt.Errorf("failed to parse batch info: %w", err)
	}

	pd, ok := payload["processed_data"].(map[string]any)
	if !ok {
		pd = map[string]any{}
		payload["processed_data"] = pd
	}
	for _, name := range sortedDataTypes(info.DataTypes) {
		items, err := s.readChunks(ctx, accountID, leadID, enrichmentType, name, info.JobID)
		if err != nil {
			return nil, err
		}
		expected := info.DataTypes[name].Count
		if len(items) != expected {
			slog.Warn("Reassembled array shorter than recorded count",
				"enrichment_type", enrichmentType,
				"data_type", name,
				"expected", expected,
				"got", len(items))
		}
		pd[name] = items
	}
	return payload, nil
}

// readChunks loads every child row of one split array in batch order and
// concatenates the items.
func (s *Store) readChunks(ctx context.Context, accountID, leadID, enrichmentType, dataType, jobID string) ([]any, error) {
	query := `SELECT callback_payload
	          FROM enrichment_callbacks
	          WHERE account_id = $1
	            AND enrichment_type LIKE $2
	            AND batch_info->>'job_id' = $3
	            AND batch_info->>'data_type' = $4
	            AND lead_id `
	args := []any{accountID, fmt.Sprintf("%s_%s_batch_%%", enrichmentType, dataType), jobID, dataType}
	if leadID == "" {
		query += `IS NULL`
	} else {
		query += `= $5`
		args = append(args, leadID)
	}
	query += ` ORDER BY (batch_info->>'batch_index')::int ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch rows for %s: %w", dataType, err)
	}
	defer func() { _ = rows.Close() }()

	var items []any
	for rows.Next() {
		var chunkJSON []byte
		if err := rows.Scan(&chunkJSON); err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		var chunk struct {
			Items []any `json:"items"`
		}
		if err := json.Unmarshal(chunkJSON, &chunk); err != nil {
			return nil, fmt.Errorf("failed to parse batch row: %w", err)
		}
		items = append(items, chunk.Items...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batch rows: %w", err)
	}
	return items, nil
}

// Emitter re-delivers a callback event to the control plane.
type Emitter interface {
	Emit(ctx context.Context, event *models.CallbackEvent) error
}

// Resend reconstructs the stored terminal callback for the key and
// re-emits it, enabling replay without recomputation.
func (s *Store) Resend(ctx context.Context, emitter Emitter, enrichmentType, accountID, leadID string) error {
	payload, err := s.Get(ctx, enrichmentType, accountID, leadID)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize stored payload: %w", err)
	}
	var event models.CallbackEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return fmt.Errorf("failed to reconstruct callback event: %w", err)
	}

	slog.Info("Resending stored callback",
		"job_id", event.JobID,
		"account_id", accountID,
		"enrichment_type", enrichmentType)
	return emitter.Emit(ctx, &event)
}

// extractArrays pulls the batchable lead arrays out of processed_data.
func extractArrays(payload map[string]any) map[string][]any {
	out := map[string][]any{}
	pd, ok := payload["processed_data"].(map[string]any)
	if !ok {
		return out
	}
	for _, name := range batchableArrays {
		if items, ok := pd[name].([]any); ok && len(items) > 0 {
			out[name] = items
		}
	}
	return out
}

func sortedKeys(m map[string][]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedDataTypes(m map[string]models.BatchDataType) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
