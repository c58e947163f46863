// Package orchestrator sequences multi-column generation runs: it
// expands the requested columns with their dependencies, orders them
// topologically, and chains one custom-column task per column through
// completion callbacks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/leadfoundry/enrich/pkg/graph"
	"github.com/leadfoundry/enrich/pkg/models"
)

// ColumnCatalog is the orchestrator's view of column definitions.
type ColumnCatalog interface {
	GetColumn(ctx context.Context, columnID string) (*models.Column, error)
	ActiveColumns(ctx context.Context, entityType models.EntityKind) ([]*models.Column, error)
	TouchLastRefresh(ctx context.Context, columnIDs []string) error
}

// TaskSubmitter enqueues a task for asynchronous execution.
type TaskSubmitter interface {
	Enqueue(ctx context.Context, payload *models.TaskPayload) error
}

// ErrNoColumns reports a start request that resolves to zero columns.
var ErrNoColumns = errors.New("no columns to orchestrate")

// StartRequest describes one orchestrated run. Either ColumnIDs or
// EntityType must be set; an explicit column list wins.
type StartRequest struct {
	TenantID   string
	EntityIDs  []string
	ColumnIDs  []string
	EntityType models.EntityKind
	BatchSize  int
}

// StartReceipt reports the planned run back to the caller.
type StartReceipt struct {
	RequestID string   `json:"request_id"`
	JobID     string   `json:"job_id"`
	Columns   []string `json:"columns"`
}

// Orchestrator plans and continues column-generation runs.
type Orchestrator struct {
	columns ColumnCatalog
	graph   *graph.Service
	queue   TaskSubmitter
}

// New wires an orchestrator.
func New(columns ColumnCatalog, graphSvc *graph.Service, queue TaskSubmitter) *Orchestrator {
	return &Orchestrator{columns: columns, graph: graphSvc, queue: queue}
}

// Start resolves, expands, and orders the target columns, then submits a
// task for the first one carrying the remainder as continuation state.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*StartReceipt, error) {
	if len(req.EntityIDs) == 0 {
		return nil, errors.New("no entity IDs to orchestrate")
	}

	targets, err := o.resolveTargets(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ErrNoColumns
	}

	snap, err := o.graph.Load(ctx)
	if err != nil {
		return nil, err
	}

	expanded := expandWithDependencies(targets, snap)
	ordered, err := snap.TopologicalSort(expanded)
	if err != nil {
		var cycle *graph.ErrCycle
		if !errors.As(err, &cycle) {
			return nil, err
		}
		// A persisted cycle should have been rejected at edge creation.
		// Keep the run alive in the caller's order.
		slog.Warn("Dependency cycle during orchestration, using request order",
			"column_id", cycle.ColumnID, "tenant_id", req.TenantID)
		ordered = expanded
	}

	// Bump last_refresh up front so concurrent start requests can see
	// the run in flight.
	if err := o.columns.TouchLastRefresh(ctx, ordered); err != nil {
		return nil, fmt.Errorf("failed to mark columns refreshing: %w", err)
	}

	requestID := uuid.NewString()
	jobID, err := o.submitColumnTask(ctx, ordered[0], &models.OrchestrationData{
		NextColumns: ordered[1:],
		EntityIDs:   req.EntityIDs,
		BatchSize:   req.BatchSize,
		TenantID:    req.TenantID,
		RequestID:   requestID,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Orchestration started",
		"request_id", requestID,
		"tenant_id", req.TenantID,
		"columns", len(ordered),
		"entities", len(req.EntityIDs))

	return &StartReceipt{RequestID: requestID, JobID: jobID, Columns: ordered}, nil
}

// GenerateForAccount starts a run over every active account column for a
// freshly enriched account. An empty catalog is not an error. Implements
// the callback handler's post-enrichment hook.
func (o *Orchestrator) GenerateForAccount(ctx context.Context, tenantID, accountID string) error {
	_, err := o.Start(ctx, StartRequest{
		TenantID:   tenantID,
		EntityIDs:  []string{accountID},
		EntityType: models.EntityKindAccount,
	})
	if errors.Is(err, ErrNoColumns) {
		return nil
	}
	return err
}

// HandleColumnCompletion continues a run after one column's task reports
// its terminal callback. Implements callback.ColumnCompletionHandler.
func (o *Orchestrator) HandleColumnCompletion(ctx context.Context, event *models.CallbackEvent) error {
	od := event.OrchestrationData
	if od == nil || len(od.NextColumns) == 0 {
		return nil
	}

	if event.Status == models.CallbackStatusFailed {
		slog.Warn("Orchestration stopped on failed column task",
			"job_id", event.JobID,
			"request_id", od.RequestID,
			"remaining_columns", len(od.NextColumns))
		return nil
	}
	if event.Status != models.CallbackStatusCompleted {
		return nil
	}

	next := od.NextColumns[0]
	jobID, err := o.submitColumnTask(ctx, next, &models.OrchestrationData{
		NextColumns: od.NextColumns[1:],
		EntityIDs:   od.EntityIDs,
		BatchSize:   od.BatchSize,
		TenantID:    od.TenantID,
		RequestID:   od.RequestID,
	})
	if err != nil {
		return fmt.Errorf("failed to submit continuation for column %s: %w", next, err)
	}

	slog.Info("Orchestration continued",
		"request_id", od.RequestID,
		"column_id", next,
		"job_id", jobID,
		"remaining_columns", len(od.NextColumns)-1)
	return nil
}

// resolveTargets picks the run's columns: the explicit list verbatim, or
// all active columns for the entity type.
func (o *Orchestrator) resolveTargets(ctx context.Context, req StartRequest) ([]string, error) {
	if len(req.ColumnIDs) > 0 {
		for _, id := range req.ColumnIDs {
			if _, err := o.columns.GetColumn(ctx, id); err != nil {
				return nil, fmt.Errorf("failed to resolve column %s: %w", id, err)
			}
		}
		return req.ColumnIDs, nil
	}

	if req.EntityType == "" {
		return nil, errors.New("either column IDs or entity type is required")
	}
	active, err := o.columns.ActiveColumns(ctx, req.EntityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list active columns: %w", err)
	}
	ids := make([]string, 0, len(active))
	for _, col := range active {
		ids = append(ids, col.ID)
	}
	return ids, nil
}

// submitColumnTask enqueues one custom-column task and returns its job ID.
func (o *Orchestrator) submitColumnTask(ctx context.Context, columnID string, od *models.OrchestrationData) (string, error) {
	payload := &models.TaskPayload{
		JobID:             uuid.NewString(),
		EnrichmentType:    models.EnrichmentTypeCustomColumn,
		EntityIDs:         od.EntityIDs,
		TenantID:          od.TenantID,
		BatchSize:         od.BatchSize,
		ColumnID:          columnID,
		OrchestrationData: od,
	}
	if err := o.queue.Enqueue(ctx, payload); err != nil {
		return "", err
	}
	return payload.JobID, nil
}

// expandWithDependencies unions the targets with their transitive
// dependencies: input order is preserved, new dependencies are appended
// after it, and duplicates are dropped.
func expandWithDependencies(targets []string, snap *graph.Snapshot) []string {
	seen := make(map[string]struct{}, len(targets))
	expanded := make([]string, 0, len(targets))
	for _, id := range targets {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		expanded = append(expanded, id)
	}

	var extra []string
	for _, id := range targets {
		for dep := range snap.AllDependencies(id) {
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			extra = append(extra, dep)
		}
	}
	// Closure maps are unordered; keep the appended tail stable.
	sort.Strings(extra)
	return append(expanded, extra...)
}
