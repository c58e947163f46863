// Package tasks contains the enrichment pipelines: custom-column
// generation, account enhancement, and LinkedIn-activity analysis. Each
// task consumes a TaskPayload, reports progress through callback events,
// and always ends with exactly one terminal event.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadfoundry/enrich/pkg/models"
)

// Emitter delivers callback events to the control plane.
type Emitter interface {
	Emit(ctx context.Context, event *models.CallbackEvent) error
}

// Task runs one enrichment job to completion.
type Task interface {
	Run(ctx context.Context, payload *models.TaskPayload) error
}

// ColumnStore resolves column definitions owned by the control plane.
type ColumnStore interface {
	GetColumn(ctx context.Context, columnID string) (*models.Column, error)
}

// FatalError marks an unrecoverable pipeline state; the stage names
// where the pipeline stopped.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("task failed at stage %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError at the given stage.
func Fatal(stage string, err error) error {
	return &FatalError{Stage: stage, Err: err}
}

// entityContext decodes the context snapshot of one entity out of the
// payload's context_data.
func entityContext(payload *models.TaskPayload, entityID string) map[string]any {
	raw, ok := payload.ContextData[entityID]
	if !ok {
		return map[string]any{}
	}
	var ctx map[string]any
	if err := json.Unmarshal(raw, &ctx); err != nil {
		slog.Warn("Malformed context data for entity", "entity_id", entityID, "error", err)
		return map[string]any{}
	}
	return ctx
}

// emitProcessing sends a non-terminal progress event; delivery failures
// are logged, never fatal to the run.
func emitProcessing(ctx context.Context, emitter Emitter, payload *models.TaskPayload, accountID string, pct float64, data map[string]any) {
	event := &models.CallbackEvent{
		JobID:                payload.JobID,
		AccountID:            accountID,
		EnrichmentType:       payload.EnrichmentType,
		Status:               models.CallbackStatusProcessing,
		Source:               "enrich-engine",
		CompletionPercentage: pct,
		ProcessedData:        data,
	}
	if err := emitter.Emit(ctx, event); err != nil {
		slog.Warn("Failed to emit progress callback",
			"job_id", payload.JobID, "completion", pct, "error", err)
	}
}

// emitFailure sends the terminal failed event for a run. Delivery
// failures are logged: the run is already failing and the client retries
// terminal events on its own schedule.
func emitFailure(ctx context.Context, emitter Emitter, payload *models.TaskPayload, accountID string, runErr error, stage string, started time.Time) {
	event := &models.CallbackEvent{
		JobID:          payload.JobID,
		AccountID:      accountID,
		EnrichmentType: payload.EnrichmentType,
		Status:         models.CallbackStatusFailed,
		Source:         "enrich-engine",
		ErrorDetails:   errorDetails(runErr, stage, started),
	}
	if err := emitter.Emit(ctx, event); err != nil {
		slog.Error("Failed to emit terminal failure callback",
			"job_id", payload.JobID, "run_error", runErr, "error", err)
	}
}

// accountIDOf picks the callback account for a task. Bulk runs report
// under the payload's explicit account when present, else the first
// entity.
func accountIDOf(payload *models.TaskPayload) string {
	if raw, ok := payload.ContextData["account_id"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			return id
		}
	}
	if len(payload.EntityIDs) > 0 {
		return payload.EntityIDs[0]
	}
	return ""
}

// errorDetails shapes a terminal failure payload.
func errorDetails(err error, stage string, started time.Time) map[string]any {
	errorType := "task_error"
	var fatal *FatalError
	switch {
	case errors.As(err, &fatal):
		errorType = "fatal"
		stage = fatal.Stage
	case errors.Is(err, context.Canceled):
		errorType = "cancelled"
	}
	return map[string]any{
		"error_type":      errorType,
		"message":         err.Error(),
		"stage":           stage,
		"processing_time": time.Since(started).Seconds(),
	}
}
