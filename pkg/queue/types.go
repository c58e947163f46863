// Package queue provides the database-backed task queue: enqueueing,
// claiming with row locks, heartbeats, retries, and orphan recovery.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/leadfoundry/enrich/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoTasksAvailable indicates no pending tasks are in the queue.
	ErrNoTasksAvailable = errors.New("no tasks available")

	// ErrAtCapacity indicates the global concurrent task limit has been reached.
	ErrAtCapacity = errors.New("at capacity")

	// ErrTaskNotFound indicates the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskRecord is a claimed task handed to an executor.
type TaskRecord struct {
	JobID          string
	EnrichmentType models.EnrichmentType
	Payload        *models.TaskPayload
	AttemptNumber  int
	MaxRetries     int
	CreatedAt      time.Time
}

// TaskExecutor runs a claimed task to completion. The executor emits
// progress and terminal callbacks itself; the worker only handles
// claiming, heartbeats, retries, and the terminal queue-status update.
type TaskExecutor interface {
	Execute(ctx context.Context, task *TaskRecord) *ExecutionResult
}

// ExecutionResult is just the terminal state. Intermediate results were
// already delivered through callbacks and the result store.
type ExecutionResult struct {
	Status TaskStatus // completed, failed, cancelled
	Error  error      // error details (if failed)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	RunningTasks     int            `json:"running_tasks"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"` // "idle" or "working"
	CurrentJobID   string    `json:"current_job_id,omitempty"`
	TasksProcessed int       `json:"tasks_processed"`
	LastActivity   time.Time `json:"last_activity"`
}
