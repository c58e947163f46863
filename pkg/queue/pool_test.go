package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelTask(t *testing.T) {
	pool := NewWorkerPool("pod-a", nil, testQueueConfig(), &stubExecutor{})

	cancelled := false
	pool.RegisterTask("job-1", func() { cancelled = true })

	assert.False(t, pool.CancelTask("job-absent"))
	assert.True(t, pool.CancelTask("job-1"))
	assert.True(t, cancelled)

	pool.UnregisterTask("job-1")
	assert.False(t, pool.CancelTask("job-1"))
}

func TestPoolHealth(t *testing.T) {
	store, mock := newMockStore(t)
	pool := NewWorkerPool("pod-a", store, testQueueConfig(), &stubExecutor{})
	pool.workers = append(pool.workers,
		NewWorker("pod-a-worker-0", "pod-a", store, pool.config, pool.executor, pool))

	mock.ExpectQuery(`WHERE status = 'pending'`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectQuery(`WHERE status = 'running' AND claimed_by = \$1`).
		WithArgs("pod-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.True(t, health.DBReachable)
	assert.Equal(t, 4, health.QueueDepth)
	assert.Equal(t, 1, health.RunningTasks)
	assert.Equal(t, 1, health.TotalWorkers)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolHealth_DBUnreachable(t *testing.T) {
	store, mock := newMockStore(t)
	pool := NewWorkerPool("pod-a", store, testQueueConfig(), &stubExecutor{})
	pool.workers = append(pool.workers,
		NewWorker("pod-a-worker-0", "pod-a", store, pool.config, pool.executor, pool))

	mock.ExpectQuery(`WHERE status = 'pending'`).WillReturnError(assert.AnError)
	mock.ExpectQuery(`WHERE status = 'running' AND claimed_by = \$1`).
		WithArgs("pod-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	health := pool.Health()
	assert.False(t, health.IsHealthy)
	assert.False(t, health.DBReachable)
	assert.NotEmpty(t, health.DBError)
}

func TestDetectAndRecoverOrphans(t *testing.T) {
	store, mock := newMockStore(t)
	pool := NewWorkerPool("pod-a", store, testQueueConfig(), &stubExecutor{})

	heartbeat := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`WHERE status = 'running' AND heartbeat_at < \$1`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"job_id", "claimed_by", "heartbeat_at", "attempt_number", "max_retries"}).
			AddRow("job-retry", "pod-dead", heartbeat, 0, 3).
			AddRow("job-spent", "pod-dead", heartbeat, 2, 3))

	// job-retry has budget left: back to pending.
	mock.ExpectExec(`SET status = 'pending', attempt_number = attempt_number \+ 1`).
		WithArgs("job-retry", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// job-spent is out of retries: terminal failure.
	mock.ExpectExec(`UPDATE enrichment_tasks SET status = \$2`).
		WithArgs("job-spent", "failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, pool.detectAndRecoverOrphans(context.Background()))

	pool.orphans.mu.Lock()
	defer pool.orphans.mu.Unlock()
	assert.Equal(t, 2, pool.orphans.orphansRecovered)
	assert.False(t, pool.orphans.lastOrphanScan.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStartupOrphans_OnlyThisPod(t *testing.T) {
	store, mock := newMockStore(t)

	heartbeat := time.Now().Add(-time.Minute)
	mock.ExpectQuery(`WHERE status = 'running' AND heartbeat_at < \$1`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"job_id", "claimed_by", "heartbeat_at", "attempt_number", "max_retries"}).
			AddRow("job-mine", "pod-a", heartbeat, 0, 3).
			AddRow("job-other", "pod-b", heartbeat, 0, 3))

	// Only pod-a's task is touched; pod-b's claim may still be live.
	mock.ExpectExec(`SET status = 'pending', attempt_number = attempt_number \+ 1`).
		WithArgs("job-mine", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, RecoverStartupOrphans(context.Background(), store, "pod-a"))
	require.NoError(t, mock.ExpectationsWereMet())
}
