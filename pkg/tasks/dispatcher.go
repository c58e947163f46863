package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/leadfoundry/enrich/pkg/metrics"
	"github.com/leadfoundry/enrich/pkg/models"
	"github.com/leadfoundry/enrich/pkg/queue"
)

// Dispatcher routes claimed queue tasks to the pipeline registered for
// their enrichment type. It implements queue.TaskExecutor.
type Dispatcher struct {
	tasks   map[models.EnrichmentType]Task
	metrics *metrics.Metrics
}

// NewDispatcher creates an empty dispatcher; metrics may be nil.
func NewDispatcher(m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{tasks: map[models.EnrichmentType]Task{}, metrics: m}
}

// Register binds a pipeline to an enrichment type.
func (d *Dispatcher) Register(enrichmentType models.EnrichmentType, task Task) {
	d.tasks[enrichmentType] = task
}

// Execute runs the pipeline for one claimed task and reduces its outcome
// to a queue terminal status.
func (d *Dispatcher) Execute(ctx context.Context, task *queue.TaskRecord) *queue.ExecutionResult {
	pipeline, ok := d.tasks[task.EnrichmentType]
	if !ok {
		return &queue.ExecutionResult{
			Status: queue.TaskStatusFailed,
			Error:  fmt.Errorf("no pipeline registered for enrichment type %q", task.EnrichmentType),
		}
	}

	err := pipeline.Run(ctx, task.Payload)

	status := queue.TaskStatusCompleted
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = queue.TaskStatusCancelled
	default:
		status = queue.TaskStatusFailed
	}

	if d.metrics != nil {
		d.metrics.TasksCompleted.WithLabelValues(string(task.EnrichmentType), string(status)).Inc()
	}
	if err != nil {
		slog.Warn("Task pipeline finished with error",
			"job_id", task.JobID,
			"enrichment_type", string(task.EnrichmentType),
			"status", string(status),
			"error", err)
	}
	return &queue.ExecutionResult{Status: status, Error: err}
}
