package database

import (
	"context"
	"database/sql"
	"fmt"
)

// createExpressionIndexes creates the JSONB expression indexes the result
// store's batch reassembly depends on. Expression indexes over casts are
// kept out of the migration files so a schema diff tool never tries to
// rewrite them.
func createExpressionIndexes(ctx context.Context, db *sql.DB) error {
	// Batch children are looked up by the job id buried in batch_info.
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_enrichment_callbacks_batch_job
		ON enrichment_callbacks ((batch_info->>'job_id'))
		WHERE batch_info IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("failed to create batch job index: %w", err)
	}

	// Payload containment queries during replay and debugging.
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_enrichment_callbacks_payload_gin
		ON enrichment_callbacks USING gin(callback_payload jsonb_path_ops)`)
	if err != nil {
		return fmt.Errorf("failed to create callback payload GIN index: %w", err)
	}

	return nil
}
