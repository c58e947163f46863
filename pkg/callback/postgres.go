package callback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/leadfoundry/enrich/pkg/models"
)

// PostgresStatusStore keeps stream state in account_enrichment_status,
// one row per (account, enrichment_type), mutated under a row lock.
type PostgresStatusStore struct {
	db *sql.DB
}

// NewPostgresStatusStore creates the store over the given handle.
func NewPostgresStatusStore(db *sql.DB) *PostgresStatusStore {
	return &PostgresStatusStore{db: db}
}

// WithLock loads (creating if absent) the status row under FOR UPDATE,
// runs apply, and persists the result when apply returns nil. Any error
// from apply rolls the transaction back.
func (s *PostgresStatusStore) WithLock(ctx context.Context, accountID string, enrichmentType models.EnrichmentType, apply func(*models.AccountEnrichmentStatus) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin status transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO account_enrichment_status
		   (account_id, enrichment_type, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, 'pending', '{}', NOW(), NOW())
		 ON CONFLICT (account_id, enrichment_type) DO NOTHING`,
		accountID, string(enrichmentType))
	if err != nil {
		return fmt.Errorf("failed to ensure status row: %w", err)
	}

	var (
		status       models.AccountEnrichmentStatus
		metadataJSON []byte
		errorsJSON   []byte
		attempted    sql.NullTime
		succeeded    sql.NullTime
		source       sql.NullString
	)
	row := tx.QueryRowContext(ctx,
		`SELECT status, metadata, failure_count, last_attempted_run, last_successful_run,
		        completion_percent, source, error_details
		 FROM account_enrichment_status
		 WHERE account_id = $1 AND enrichment_type = $2
		 FOR UPDATE`, accountID, string(enrichmentType))
	if err := row.Scan(&status.Status, &metadataJSON, &status.FailureCount,
		&attempted, &succeeded, &status.CompletionPercent, &source, &errorsJSON); err != nil {
		return fmt.Errorf("failed to lock status row: %w", err)
	}

	status.AccountID = accountID
	status.EnrichmentType = enrichmentType
	if attempted.Valid {
		status.LastAttemptedRun = &attempted.Time
	}
	if succeeded.Valid {
		status.LastSuccessfulRun = &succeeded.Time
	}
	status.Source = source.String
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &status.Metadata); err != nil {
			return fmt.Errorf("failed to parse status metadata: %w", err)
		}
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &status.ErrorDetails); err != nil {
			return fmt.Errorf("failed to parse status error details: %w", err)
		}
	}

	if err := apply(&status); err != nil {
		return err
	}

	newMetadata, err := json.Marshal(status.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize status metadata: %w", err)
	}
	var newErrors any
	if status.ErrorDetails != nil {
		raw, err := json.Marshal(status.ErrorDetails)
		if err != nil {
			return fmt.Errorf("failed to serialize status error details: %w", err)
		}
		newErrors = raw
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE account_enrichment_status SET
		   status = $3, metadata = $4, failure_count = $5,
		   last_attempted_run = $6, last_successful_run = $7,
		   completion_percent = $8, source = $9, error_details = $10,
		   updated_at = NOW()
		 WHERE account_id = $1 AND enrichment_type = $2`,
		accountID, string(enrichmentType),
		string(status.Status), newMetadata, status.FailureCount,
		status.LastAttemptedRun, status.LastSuccessfulRun,
		status.CompletionPercent, nullIfEmpty(status.Source), newErrors)
	if err != nil {
		return fmt.Errorf("failed to persist status row: %w", err)
	}
	return tx.Commit()
}

// PostgresAccountStore applies enrichment output to the accounts table.
// Enriched fields live in a JSONB document rather than dedicated columns,
// so the engine stays decoupled from the control plane's schema.
type PostgresAccountStore struct {
	db *sql.DB
}

// NewPostgresAccountStore creates the store over the given handle.
func NewPostgresAccountStore(db *sql.DB) *PostgresAccountStore {
	return &PostgresAccountStore{db: db}
}

func (s *PostgresAccountStore) Exists(ctx context.Context, accountID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = $1`, accountID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up account: %w", err)
	}
	return true, nil
}

func (s *PostgresAccountStore) ApplyCompanyInfo(ctx context.Context, accountID string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to serialize company info: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET data = COALESCE(data, '{}'::jsonb) || $2::jsonb, updated_at = NOW()
		 WHERE id = $1`, accountID, raw)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresAccountStore) SetLeadGenerationSummary(ctx context.Context, accountID string, summary models.LeadGenerationSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to serialize lead generation summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET
		   enrichment_sources = jsonb_set(COALESCE(enrichment_sources, '{}'::jsonb), '{lead_generation}', $2::jsonb),
		   updated_at = NOW()
		 WHERE id = $1`, accountID, raw)
	if err != nil {
		return fmt.Errorf("failed to record lead generation summary: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// PostgresLeadStore persists generated and researched leads.
type PostgresLeadStore struct {
	db *sql.DB
}

// NewPostgresLeadStore creates the store over the given handle.
func NewPostgresLeadStore(db *sql.DB) *PostgresLeadStore {
	return &PostgresLeadStore{db: db}
}

func (s *PostgresLeadStore) Exists(ctx context.Context, leadID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM leads WHERE id = $1`, leadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up lead: %w", err)
	}
	return true, nil
}

// Upsert creates or refreshes a lead keyed by (account_id, linkedin_url).
// Leads without a LinkedIn URL always insert, since no natural key exists
// to dedupe them on.
func (s *PostgresLeadStore) Upsert(ctx context.Context, accountID string, lead map[string]any) error {
	raw, err := json.Marshal(lead)
	if err != nil {
		return fmt.Errorf("failed to serialize lead: %w", err)
	}
	linkedinURL, _ := lead["linkedin_url"].(string)

	if linkedinURL == "" {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO leads (id, account_id, linkedin_url, data, created_at, updated_at)
			 VALUES ($1, $2, NULL, $3, NOW(), NOW())`,
			uuid.NewString(), accountID, raw)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO leads (id, account_id, linkedin_url, data, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, NOW(), NOW())
			 ON CONFLICT (account_id, linkedin_url) DO UPDATE SET
			   data = COALESCE(leads.data, '{}'::jsonb) || EXCLUDED.data,
			   updated_at = NOW()`,
			uuid.NewString(), accountID, linkedinURL, raw)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert lead: %w", err)
	}
	return nil
}

func (s *PostgresLeadStore) ApplyResearch(ctx context.Context, leadID string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to serialize lead research: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET data = COALESCE(data, '{}'::jsonb) || $2::jsonb, updated_at = NOW()
		 WHERE id = $1`, leadID, raw)
	if err != nil {
		return fmt.Errorf("failed to update lead: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrLeadNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
