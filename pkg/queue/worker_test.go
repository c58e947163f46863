package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadfoundry/enrich/pkg/config"
	"github.com/leadfoundry/enrich/pkg/models"
)

type stubExecutor struct {
	result *ExecutionResult
	tasks  []*TaskRecord
}

func (e *stubExecutor) Execute(_ context.Context, task *TaskRecord) *ExecutionResult {
	e.tasks = append(e.tasks, task)
	return e.result
}

type noopRegistry struct{}

func (noopRegistry) RegisterTask(string, context.CancelFunc) {}
func (noopRegistry) UnregisterTask(string)                   {}

func testQueueConfig() *config.QueueConfig {
	cfg := config.DefaultQueueConfig()
	cfg.HeartbeatInterval = time.Minute
	cfg.TaskTimeout = time.Minute
	return &cfg
}

func expectClaim(t *testing.T, mock sqlmock.Sqlmock, jobID string, attempt, maxRetries int) {
	t.Helper()
	payload := &models.TaskPayload{
		JobID:          jobID,
		EnrichmentType: models.EnrichmentTypeCompanyInfo,
		EntityIDs:      []string{"acc-1"},
	}
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM enrichment_tasks WHERE status = 'running'`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"job_id", "enrichment_type", "payload", "attempt_number", "max_retries", "created_at"}).
			AddRow(jobID, "company_info", taskJSON(t, payload), attempt, maxRetries, time.Now()))
	mock.ExpectExec(`SET status = 'running'`).
		WithArgs(jobID, "pod-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestPollAndProcess_Completed(t *testing.T) {
	store, mock := newMockStore(t)
	executor := &stubExecutor{result: &ExecutionResult{Status: TaskStatusCompleted}}
	worker := NewWorker("w-0", "pod-a", store, testQueueConfig(), executor, noopRegistry{})

	expectClaim(t, mock, "job-1", 0, 3)
	mock.ExpectExec(`UPDATE enrichment_tasks SET status = \$2`).
		WithArgs("job-1", "completed", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, worker.pollAndProcess(context.Background()))
	require.Len(t, executor.tasks, 1)
	assert.Equal(t, "job-1", executor.tasks[0].JobID)
	assert.Equal(t, 1, worker.Health().TasksProcessed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPollAndProcess_FailedWithRetryBudgetRequeues(t *testing.T) {
	store, mock := newMockStore(t)
	executor := &stubExecutor{result: &ExecutionResult{
		Status: TaskStatusFailed,
		Error:  errors.New("provider unavailable"),
	}}
	worker := NewWorker("w-0", "pod-a", store, testQueueConfig(), executor, noopRegistry{})

	expectClaim(t, mock, "job-1", 0, 3)
	mock.ExpectExec(`SET status = 'pending', attempt_number = attempt_number \+ 1`).
		WithArgs("job-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, worker.pollAndProcess(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPollAndProcess_FailedOnLastAttemptIsTerminal(t *testing.T) {
	store, mock := newMockStore(t)
	executor := &stubExecutor{result: &ExecutionResult{
		Status: TaskStatusFailed,
		Error:  errors.New("provider unavailable"),
	}}
	worker := NewWorker("w-0", "pod-a", store, testQueueConfig(), executor, noopRegistry{})

	expectClaim(t, mock, "job-1", 2, 3)
	mock.ExpectExec(`UPDATE enrichment_tasks SET status = \$2`).
		WithArgs("job-1", "failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, worker.pollAndProcess(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPollAndProcess_NilResultSynthesizesFailure(t *testing.T) {
	store, mock := newMockStore(t)
	executor := &stubExecutor{result: nil}
	worker := NewWorker("w-0", "pod-a", store, testQueueConfig(), executor, noopRegistry{})

	expectClaim(t, mock, "job-1", 2, 3)
	mock.ExpectExec(`UPDATE enrichment_tasks SET status = \$2`).
		WithArgs("job-1", "failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, worker.pollAndProcess(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPollAndProcess_AtCapacity(t *testing.T) {
	store, mock := newMockStore(t)
	cfg := testQueueConfig()
	cfg.MaxConcurrentTasks = 2
	worker := NewWorker("w-0", "pod-a", store, cfg, &stubExecutor{}, noopRegistry{})

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM enrichment_tasks WHERE status = 'running'`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	assert.ErrorIs(t, worker.pollAndProcess(context.Background()), ErrAtCapacity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPollInterval_Jitter(t *testing.T) {
	cfg := testQueueConfig()
	cfg.PollInterval = time.Second
	cfg.PollIntervalJitter = 200 * time.Millisecond
	worker := NewWorker("w-0", "pod-a", nil, cfg, &stubExecutor{}, noopRegistry{})

	for range 50 {
		d := worker.pollInterval()
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}
