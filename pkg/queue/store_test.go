package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadfoundry/enrich/pkg/models"
)

func newMockStore(t *testing.T) (*TaskStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewTaskStore(db), mock
}

func taskJSON(t *testing.T, payload *models.TaskPayload) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func TestEnqueue(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO enrichment_tasks`).
		WithArgs("job-1", "company_info", sqlmock.AnyArg(), 0, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Enqueue(context.Background(), &models.TaskPayload{
		JobID:          "job-1",
		EnrichmentType: models.EnrichmentTypeCompanyInfo,
		EntityIDs:      []string{"acc-1"},
		MaxRetries:     3,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNext(t *testing.T) {
	store, mock := newMockStore(t)

	payload := &models.TaskPayload{
		JobID:          "job-1",
		EnrichmentType: models.EnrichmentTypeCompanyInfo,
		EntityIDs:      []string{"acc-1", "acc-2"},
		MaxRetries:     3,
	}
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT job_id, enrichment_type, payload.*FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"job_id", "enrichment_type", "payload", "attempt_number", "max_retries", "created_at"}).
			AddRow("job-1", "company_info", taskJSON(t, payload), 1, 3, created))
	mock.ExpectExec(`UPDATE enrichment_tasks\s+SET status = 'running'`).
		WithArgs("job-1", "pod-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	task, err := store.ClaimNext(context.Background(), "pod-a")
	require.NoError(t, err)

	assert.Equal(t, "job-1", task.JobID)
	assert.Equal(t, models.EnrichmentTypeCompanyInfo, task.EnrichmentType)
	assert.Equal(t, []string{"acc-1", "acc-2"}, task.Payload.EntityIDs)
	assert.Equal(t, 1, task.AttemptNumber)
	assert.Equal(t, 1, task.Payload.AttemptNumber)
	assert.Equal(t, created, task.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNext_Empty(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT job_id, enrichment_type, payload`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"job_id", "enrichment_type", "payload", "attempt_number", "max_retries", "created_at"}))
	mock.ExpectRollback()

	_, err := store.ClaimNext(context.Background(), "pod-a")
	assert.ErrorIs(t, err, ErrNoTasksAvailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeue(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE enrichment_tasks\s+SET status = 'pending', attempt_number = attempt_number \+ 1`).
		WithArgs("job-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Requeue(context.Background(), "job-1", assert.AnError))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelPending(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE enrichment_tasks SET status = 'cancelled'`).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.CancelPending(context.Background(), "job-1"))

	mock.ExpectExec(`UPDATE enrichment_tasks SET status = 'cancelled'`).
		WithArgs("job-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.CancelPending(context.Background(), "job-2"), ErrTaskNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStaleRunning(t *testing.T) {
	store, mock := newMockStore(t)

	heartbeat := time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT job_id, claimed_by, heartbeat_at`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"job_id", "claimed_by", "heartbeat_at", "attempt_number", "max_retries"}).
			AddRow("job-1", "pod-dead", heartbeat, 0, 3).
			AddRow("job-2", "pod-dead", heartbeat, 2, 3))

	stale, err := store.StaleRunning(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "job-1", stale[0].JobID)
	assert.Equal(t, "pod-dead", stale[0].ClaimedBy)
	assert.Equal(t, 2, stale[1].AttemptNumber)
	require.NoError(t, mock.ExpectationsWereMet())
}
