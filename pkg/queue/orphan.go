package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically scans for orphaned tasks.
// All pods run this independently — operations are idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans finds running tasks with stale heartbeats and
// requeues them when retry budget remains, failing them otherwise.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	threshold := time.Now().Add(-p.config.OrphanThreshold)

	orphans, err := p.store.StaleRunning(ctx, threshold)
	if err != nil {
		return err
	}

	recovered := 0
	if len(orphans) > 0 {
		slog.Warn("Detected orphaned tasks", "count", len(orphans))
		for _, task := range orphans {
			if err := p.recoverOrphanedTask(ctx, task); err != nil {
				slog.Error("Failed to recover orphaned task",
					"job_id", task.JobID, "error", err)
				continue
			}
			recovered++
		}
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	return nil
}

// recoverOrphanedTask requeues or fails a single orphaned task.
func (p *WorkerPool) recoverOrphanedTask(ctx context.Context, task StaleTask) error {
	log := slog.With("job_id", task.JobID, "old_pod_id", task.ClaimedBy)

	lastHeartbeat := "unknown"
	if !task.HeartbeatAt.IsZero() {
		lastHeartbeat = task.HeartbeatAt.Format(time.RFC3339)
	}
	cause := fmt.Errorf("orphaned: no heartbeat from pod %s since %s", task.ClaimedBy, lastHeartbeat)

	if task.AttemptNumber+1 < task.MaxRetries {
		if err := p.store.Requeue(ctx, task.JobID, cause); err != nil {
			return err
		}
		log.Warn("Orphaned task requeued", "last_heartbeat", lastHeartbeat, "attempt", task.AttemptNumber)
		return nil
	}

	if err := p.store.Finish(ctx, task.JobID, TaskStatusFailed, cause); err != nil {
		return err
	}
	log.Warn("Orphaned task failed, retry budget exhausted", "last_heartbeat", lastHeartbeat)
	return nil
}

// RecoverStartupOrphans requeues tasks still marked running for this pod
// from a previous crash. Called once during startup, before workers begin.
func RecoverStartupOrphans(ctx context.Context, store *TaskStore, podID string) error {
	// Any heartbeat counts as stale here: the pod just started, so a
	// running claim by this pod cannot have a live worker behind it.
	orphans, err := store.StaleRunning(ctx, time.Now().Add(time.Hour))
	if err != nil {
		return fmt.Errorf("failed to query startup orphans: %w", err)
	}

	recovered := 0
	for _, task := range orphans {
		if task.ClaimedBy != podID {
			continue
		}
		cause := fmt.Errorf("orphaned: pod %s restarted while task was running", podID)
		if task.AttemptNumber+1 < task.MaxRetries {
			err = store.Requeue(ctx, task.JobID, cause)
		} else {
			err = store.Finish(ctx, task.JobID, TaskStatusFailed, cause)
		}
		if err != nil {
			slog.Error("Failed to recover startup orphan", "job_id", task.JobID, "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		slog.Warn("Recovered startup orphans from previous run",
			"pod_id", podID, "count", recovered)
	}
	return nil
}
