package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/leadfoundry/enrich/pkg/models"
)

// TaskStore persists queue tasks in the enrichment_tasks table.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a task store backed by db.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Enqueue inserts a new pending task. The payload's job ID is the
// queue key; enqueueing the same job twice is a no-op.
func (s *TaskStore) Enqueue(ctx context.Context, payload *models.TaskPayload) error {
	payload.Normalize()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO enrichment_tasks (job_id, enrichment_type, payload, status, attempt_number, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, NOW(), NOW())
		ON CONFLICT (job_id) DO NOTHING`,
		payload.JobID, string(payload.EnrichmentType), raw, payload.AttemptNumber, payload.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// CountRunning returns the number of tasks currently running across all pods.
func (s *TaskStore) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrichment_tasks WHERE status = 'running'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running tasks: %w", err)
	}
	return n, nil
}

// QueueDepth returns the number of pending tasks.
func (s *TaskStore) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrichment_tasks WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	return n, nil
}

// CountRunningOnPod returns the number of tasks claimed by the given pod.
func (s *TaskStore) CountRunningOnPod(ctx context.Context, podID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrichment_tasks WHERE status = 'running' AND claimed_by = $1`, podID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pod tasks: %w", err)
	}
	return n, nil
}

// ClaimNext atomically claims the oldest pending task using
// FOR UPDATE SKIP LOCKED, so concurrent workers never double-claim.
func (s *TaskStore) ClaimNext(ctx context.Context, podID string) (*TaskRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		jobID    string
		taskType string
		raw      []byte
		attempt  int
		retries  int
		created  time.Time
	)
	err = tx.QueryRowContext(ctx, `
		SELECT job_id, enrichment_type, payload, attempt_number, max_retries, created_at
		FROM enrichment_tasks
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&jobID, &taskType, &raw, &attempt, &retries, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoTasksAvailable
		}
		return nil, fmt.Errorf("failed to query pending task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE enrichment_tasks
		SET status = 'running', claimed_by = $2, claimed_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
		WHERE job_id = $1`, jobID, podID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	var payload models.TaskPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		// The row is claimed; fail it so it does not wedge the queue.
		_ = s.Finish(ctx, jobID, TaskStatusFailed, fmt.Errorf("corrupt payload: %w", err))
		return nil, fmt.Errorf("failed to decode task payload for job %s: %w", jobID, err)
	}
	payload.AttemptNumber = attempt
	payload.MaxRetries = retries

	return &TaskRecord{
		JobID:          jobID,
		EnrichmentType: models.EnrichmentType(taskType),
		Payload:        &payload,
		AttemptNumber:  attempt,
		MaxRetries:     retries,
		CreatedAt:      created,
	}, nil
}

// Heartbeat refreshes the claim timestamp for orphan detection.
func (s *TaskStore) Heartbeat(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE enrichment_tasks SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE job_id = $1 AND status = 'running'`, jobID)
	return err
}

// Finish writes the terminal status for a task.
func (s *TaskStore) Finish(ctx context.Context, jobID string, status TaskStatus, taskErr error) error {
	var lastError sql.NullString
	if taskErr != nil {
		lastError = sql.NullString{String: taskErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE enrichment_tasks SET status = $2, last_error = $3, updated_at = NOW()
		WHERE job_id = $1`, jobID, string(status), lastError)
	if err != nil {
		return fmt.Errorf("failed to finish task %s: %w", jobID, err)
	}
	return nil
}

// Requeue returns a task to the pending state with an incremented
// attempt counter, releasing the pod claim.
func (s *TaskStore) Requeue(ctx context.Context, jobID string, taskErr error) error {
	var lastError sql.NullString
	if taskErr != nil {
		lastError = sql.NullString{String: taskErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE enrichment_tasks
		SET status = 'pending', attempt_number = attempt_number + 1,
		    claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL,
		    last_error = $2, updated_at = NOW()
		WHERE job_id = $1`, jobID, lastError)
	if err != nil {
		return fmt.Errorf("failed to requeue task %s: %w", jobID, err)
	}
	return nil
}

// CancelPending cancels a task that has not been claimed yet. Returns
// ErrTaskNotFound when no pending row matched.
func (s *TaskStore) CancelPending(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrichment_tasks SET status = 'cancelled', updated_at = NOW()
		WHERE job_id = $1 AND status = 'pending'`, jobID)
	if err != nil {
		return fmt.Errorf("failed to cancel task %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// StaleRunning returns running tasks whose heartbeat is older than the
// threshold, with their retry budget, for orphan recovery.
func (s *TaskStore) StaleRunning(ctx context.Context, threshold time.Time) ([]StaleTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, claimed_by, heartbeat_at, attempt_number, max_retries
		FROM enrichment_tasks
		WHERE status = 'running' AND heartbeat_at < $1`, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale tasks: %w", err)
	}
	defer rows.Close()

	var stale []StaleTask
	for rows.Next() {
		var (
			t         StaleTask
			claimedBy sql.NullString
			heartbeat sql.NullTime
		)
		if err := rows.Scan(&t.JobID, &claimedBy, &heartbeat, &t.AttemptNumber, &t.MaxRetries); err != nil {
			return nil, fmt.Errorf("failed to scan stale task: %w", err)
		}
		t.ClaimedBy = claimedBy.String
		if heartbeat.Valid {
			t.HeartbeatAt = heartbeat.Time
		}
		stale = append(stale, t)
	}
	return stale, rows.Err()
}

// StaleTask is a running task with a lapsed heartbeat.
type StaleTask struct {
	JobID         string
	ClaimedBy     string
	HeartbeatAt   time.Time
	AttemptNumber int
	MaxRetries    int
}
