package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/leadfoundry/enrich/pkg/config"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// TaskRegistry is the subset of WorkerPool used by Worker for
// cancellation bookkeeping.
type TaskRegistry interface {
	RegisterTask(jobID string, cancel context.CancelFunc)
	UnregisterTask(jobID string)
}

// Worker is a single queue worker that polls for and processes tasks.
type Worker struct {
	id       string
	podID    string
	store    *TaskStore
	config   *config.QueueConfig
	executor TaskExecutor
	pool     TaskRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu             sync.RWMutex
	status         WorkerStatus
	currentJobID   string
	tasksProcessed int
	lastActivity   time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, store *TaskStore, cfg *config.QueueConfig, executor TaskExecutor, pool TaskRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        store,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         string(w.status),
		CurrentJobID:   w.currentJobID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoTasksAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing task", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a task, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers but
	//    bounded by WorkerCount and mitigated by poll jitter).
	running, err := w.store.CountRunning(ctx)
	if err != nil {
		return fmt.Errorf("checking running tasks: %w", err)
	}
	if running >= w.config.MaxConcurrentTasks {
		return ErrAtCapacity
	}

	// 2. Claim next task
	task, err := w.store.ClaimNext(ctx, w.podID)
	if err != nil {
		return err
	}

	log := slog.With("job_id", task.JobID, "worker_id", w.id,
		"enrichment_type", string(task.EnrichmentType), "attempt", task.AttemptNumber)
	log.Info("Task claimed")

	w.setStatus(WorkerStatusWorking, task.JobID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 3. Create task context with timeout
	taskCtx, cancelTask := context.WithTimeout(ctx, w.config.TaskTimeout)
	defer cancelTask()

	// 4. Register cancel function for API-triggered cancellation
	w.pool.RegisterTask(task.JobID, cancelTask)
	defer w.pool.UnregisterTask(task.JobID)

	// 5. Start heartbeat
	heartbeatCtx, cancelHeartbeat := context.WithCancel(taskCtx)
	go w.runHeartbeat(heartbeatCtx, task.JobID)

	// 6. Execute task
	result := w.executor.Execute(taskCtx, task)

	// Synthesize a result when the executor returned nothing useful.
	if result == nil || result.Status == "" {
		switch {
		case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
			result = &ExecutionResult{
				Status: TaskStatusFailed,
				Error:  fmt.Errorf("task timed out after %v", w.config.TaskTimeout),
			}
		case errors.Is(taskCtx.Err(), context.Canceled):
			result = &ExecutionResult{
				Status: TaskStatusCancelled,
				Error:  context.Canceled,
			}
		default:
			result = &ExecutionResult{
				Status: TaskStatusFailed,
				Error:  errors.New("executor returned no result"),
			}
		}
	}

	// 7. Stop heartbeat
	cancelHeartbeat()

	// 8. Write terminal status (background context — task ctx may be cancelled).
	// Failed tasks with remaining retry budget go back to pending.
	if err := w.finishTask(context.Background(), task, result); err != nil {
		log.Error("Failed to update task terminal status", "error", err)
		return err
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()

	log.Info("Task processing complete", "status", string(result.Status))
	return nil
}

// finishTask records the terminal state, requeueing failed tasks that
// still have retry budget. Cancelled tasks are never retried.
func (w *Worker) finishTask(ctx context.Context, task *TaskRecord, result *ExecutionResult) error {
	if result.Status == TaskStatusFailed && task.AttemptNumber+1 < task.MaxRetries {
		slog.Info("Requeueing failed task",
			"job_id", task.JobID,
			"attempt", task.AttemptNumber,
			"max_retries", task.MaxRetries,
			"error", result.Error)
		return w.store.Requeue(ctx, task.JobID, result.Error)
	}
	return w.store.Finish(ctx, task.JobID, result.Status, result.Error)
}

// runHeartbeat periodically refreshes heartbeat_at for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, jobID); err != nil {
				slog.Warn("Heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
