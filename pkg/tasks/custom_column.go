package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dario.cat/mergo"

	"github.com/leadfoundry/enrich/pkg/adapters"
	"github.com/leadfoundry/enrich/pkg/batch"
	"github.com/leadfoundry/enrich/pkg/llm"
	"github.com/leadfoundry/enrich/pkg/metrics"
	"github.com/leadfoundry/enrich/pkg/models"
)

// ActivityFetcher retrieves recent LinkedIn activity for a profile.
type ActivityFetcher interface {
	RecentActivity(ctx context.Context, linkedinURL, tenantID string) (*adapters.ActivityPayload, error)
}

// CustomColumnTask answers one column question for a set of entities.
// Its output travels only on the callback: column values are recomputed
// on every run and never written to the result store.
type CustomColumnTask struct {
	llm      *llm.Service
	columns  ColumnStore
	activity ActivityFetcher
	emitter  Emitter
	metrics  *metrics.Metrics
}

// NewCustomColumnTask wires the task. activity and metrics may be nil.
func NewCustomColumnTask(llmService *llm.Service, columns ColumnStore, activity ActivityFetcher, emitter Emitter, m *metrics.Metrics) *CustomColumnTask {
	return &CustomColumnTask{
		llm:      llmService,
		columns:  columns,
		activity: activity,
		emitter:  emitter,
		metrics:  m,
	}
}

// Run executes the column for every entity in the payload and emits a
// terminal callback carrying one CustomColumnValue per entity.
func (t *CustomColumnTask) Run(ctx context.Context, payload *models.TaskPayload) error {
	started := time.Now()
	payload.Normalize()

	column, aiCfg, err := t.prepare(ctx, payload)
	if err != nil {
		emitFailure(ctx, t.emitter, payload, accountIDOf(payload), err, "prepare", started)
		return err
	}

	emitProcessing(ctx, t.emitter, payload, accountIDOf(payload), 5, map[string]any{
		"column_id": column.ID,
		"entities":  len(payload.EntityIDs),
	})

	opts := batch.Options{
		BatchSize:          payload.BatchSize,
		ConcurrentRequests: payload.ConcurrentRequests,
		OnProgress: func(ctx context.Context, pct float64, processed, total int) {
			emitProcessing(ctx, t.emitter, payload, accountIDOf(payload), pct, map[string]any{
				"column_id": column.ID,
				"processed": processed,
				"total":     total,
			})
		},
		ClassifyError: classifyEntityError,
		Confidence: func(value any) (float64, bool) {
			if v, ok := value.(*models.CustomColumnValue); ok && v != nil {
				return v.ConfidenceScore, true
			}
			return 0, false
		},
	}

	results, runMetrics, runErr := batch.Process(ctx, payload.EntityIDs, opts,
		func(ctx context.Context, entityID string) (*models.CustomColumnValue, error) {
			return t.generateValue(ctx, payload, column, aiCfg, entityID)
		})

	if runErr != nil {
		err := fmt.Errorf("column run cancelled: %w", runErr)
		emitFailure(ctx, t.emitter, payload, accountIDOf(payload), err, "generate", started)
		return err
	}

	values := make([]*models.CustomColumnValue, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			values = append(values, errorValue(column.ID, r.EntityID, r.Err))
			continue
		}
		values = append(values, r.Value)
	}

	if t.metrics != nil {
		t.metrics.BatchDuration.WithLabelValues(string(models.EnrichmentTypeCustomColumn)).
			Observe(runMetrics.ProcessingTime.Seconds())
	}

	event := &models.CallbackEvent{
		JobID:                payload.JobID,
		AccountID:            accountIDOf(payload),
		EnrichmentType:       models.EnrichmentTypeCustomColumn,
		Status:               models.CallbackStatusCompleted,
		Source:               "enrich-engine",
		CompletionPercentage: 100,
		ProcessedData: map[string]any{
			"column_id": column.ID,
			"values":    values,
			"metrics":   runMetrics,
		},
		OrchestrationData: payload.OrchestrationData,
	}
	if err := t.emitter.Emit(ctx, event); err != nil {
		return fmt.Errorf("failed to emit column completion: %w", err)
	}

	slog.Info("Custom column run completed",
		"job_id", payload.JobID,
		"column_id", column.ID,
		"entities", runMetrics.Total,
		"failed", runMetrics.Failed,
		"duration", runMetrics.ProcessingTime)
	return nil
}

// prepare resolves the column and the effective AI config: the payload's
// ai_config overrides the column's, field by field, and the resulting
// model must be allow-listed.
func (t *CustomColumnTask) prepare(ctx context.Context, payload *models.TaskPayload) (*models.Column, *models.AIConfig, error) {
	if payload.ColumnID == "" {
		return nil, nil, Fatal("prepare", errors.New("payload carries no column_id"))
	}
	column, err := t.columns.GetColumn(ctx, payload.ColumnID)
	if err != nil {
		return nil, nil, Fatal("prepare", fmt.Errorf("failed to load column %s: %w", payload.ColumnID, err))
	}
	if !column.ResponseType.IsValid() {
		return nil, nil, Fatal("prepare", fmt.Errorf("column %s has unknown response type %q", column.ID, column.ResponseType))
	}

	aiCfg := &models.AIConfig{}
	if payload.AIConfig != nil {
		*aiCfg = *payload.AIConfig
	}
	if column.AIConfig != nil {
		if err := mergo.Merge(aiCfg, *column.AIConfig); err != nil {
			return nil, nil, Fatal("prepare", fmt.Errorf("failed to merge ai config: %w", err))
		}
	}
	if aiCfg.Model != "" && !t.llm.SupportsModel(aiCfg.Model) {
		return nil, nil, Fatal("prepare", fmt.Errorf("%w: %s", llm.ErrUnsupportedModel, aiCfg.Model))
	}
	return column, aiCfg, nil
}

// generateValue answers the column for one entity.
func (t *CustomColumnTask) generateValue(ctx context.Context, payload *models.TaskPayload, column *models.Column, aiCfg *models.AIConfig, entityID string) (*models.CustomColumnValue, error) {
	entityCtx := entityContext(payload, entityID)

	var activity map[string]any
	if column.LinkedInActivity && t.activity != nil {
		if linkedinURL, _ := entityCtx["linkedin_url"].(string); linkedinURL != "" {
			recent, err := t.activity.RecentActivity(ctx, linkedinURL, payload.TenantID)
			if err != nil {
				slog.Warn("LinkedIn activity fetch failed, continuing without",
					"entity_id", entityID, "error", err)
			} else if recent != nil {
				activity = map[string]any{
					"posts":     recent.PostsHTML,
					"comments":  recent.CommentsHTML,
					"reactions": recent.ReactionsHTML,
				}
			}
		}
	}

	prompt := buildColumnPrompt(column, entityCtx, activity, aiCfg.Unstructured)
	operationTag := "custom_column:" + column.ID

	value := &models.CustomColumnValue{
		ColumnID:    column.ID,
		EntityID:    entityID,
		GeneratedAt: time.Now().UTC(),
	}

	var result *llm.Result
	var err error
	if aiCfg.UseInternet {
		// Zero temperature keeps search-grounded answers anchored to the
		// retrieved evidence.
		temperature := float32(0)
		if aiCfg.Temperature != nil {
			temperature = *aiCfg.Temperature
		}
		result, err = t.llm.GenerateSearchContent(ctx, prompt, llm.SearchOptions{
			Model:        aiCfg.Model,
			OperationTag: operationTag,
			Temperature:  &temperature,
			TenantID:     payload.TenantID,
		})
	} else {
		result, err = t.llm.GenerateContent(ctx, prompt, llm.GenerateOptions{
			Model:          aiCfg.Model,
			IsJSON:         !aiCfg.Unstructured,
			OperationTag:   operationTag,
			Temperature:    aiCfg.Temperature,
			ThinkingBudget: aiCfg.ThinkingBudget,
			TenantID:       payload.TenantID,
		})
	}
	if err != nil {
		return nil, err
	}

	if aiCfg.Unstructured {
		answer := parseUnstructured(result.Text)
		if err := applyValue(value, column, answer.Value, true); err != nil {
			return nil, err
		}
		value.Rationale = answer.Rationale
		value.Sources = answer.Sources
		value.ConfidenceScore = clampConfidence(answer.Confidence)
	} else {
		raw, confidence, rationale, sources := splitStructuredAnswer(result.Data)
		if err := applyValue(value, column, raw, false); err != nil {
			return nil, err
		}
		value.Rationale = rationale
		value.Sources = sources
		value.ConfidenceScore = clampConfidence(confidence)
	}
	value.Status = models.ColumnValueStatusCompleted
	return value, nil
}

// splitStructuredAnswer unpacks the {analysis, rationale, value,
// confidence_score} contract, tolerating partially conforming replies.
func splitStructuredAnswer(data map[string]any) (raw any, confidence float64, rationale string, sources []string) {
	confidence = 0.5
	if data == nil {
		return nil, confidence, "", nil
	}

	raw, hasValue := data["value"]
	if !hasValue {
		// The model answered with the bare value object instead of the
		// envelope; treat the whole reply as the value.
		raw = data
	}
	if c, ok := data["confidence_score"].(float64); ok {
		confidence = c
	}
	rationale, _ = data["rationale"].(string)

	if meta, ok := data["_search_metadata"].(map[string]any); ok {
		if items, ok := meta["sources"].([]any); ok {
			for _, item := range items {
				if src, ok := item.(map[string]any); ok {
					if u, ok := src["url"].(string); ok && u != "" {
						sources = append(sources, u)
					}
				}
			}
		}
	}
	return raw, confidence, rationale, sources
}

// errorValue records a per-entity failure without failing the job.
func errorValue(columnID, entityID string, err error) *models.CustomColumnValue {
	return &models.CustomColumnValue{
		ColumnID:     columnID,
		EntityID:     entityID,
		Status:       models.ColumnValueStatusError,
		ErrorDetails: map[string]any{"error": err.Error()},
		GeneratedAt:  time.Now().UTC(),
	}
}

// classifyEntityError buckets per-entity failures for run metrics.
func classifyEntityError(err error) batch.ErrorKind {
	var provider *llm.ProviderError
	if errors.As(err, &provider) || errors.Is(err, llm.ErrEmptyResponse) {
		return batch.ErrorKindAI
	}
	return batch.ErrorKindAPI
}

