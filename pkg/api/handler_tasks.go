package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/leadfoundry/enrich/pkg/models"
	"github.com/leadfoundry/enrich/pkg/orchestrator"
	"github.com/leadfoundry/enrich/pkg/queue"
)

// handleSubmitTask accepts one enrichment task and queues it.
func (s *Server) handleSubmitTask(c *gin.Context) {
	var payload models.TaskPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task payload: " + err.Error()})
		return
	}
	if !payload.EnrichmentType.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown enrichment type"})
		return
	}
	if len(payload.EntityIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entity_ids is required"})
		return
	}
	if payload.EnrichmentType == models.EnrichmentTypeCustomColumn && payload.ColumnID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "column_id is required for custom_column tasks"})
		return
	}
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}

	if err := s.tasks.Enqueue(c.Request.Context(), &payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": payload.JobID, "status": "queued"})
}

// handleCancelTask cancels a queued or running task. Running tasks are
// cancelled through the worker pool on this pod; pending tasks are
// cancelled in the queue.
func (s *Server) handleCancelTask(c *gin.Context) {
	jobID := c.Param("job_id")

	if s.pool != nil && s.pool.CancelTask(jobID) {
		c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": "cancelling"})
		return
	}

	err := s.tasks.CancelPending(c.Request.Context(), jobID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": "cancelled"})
	case errors.Is(err, queue.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found or not cancellable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// startOrchestrationRequest is the body of POST /api/v1/orchestrations.
type startOrchestrationRequest struct {
	TenantID   string   `json:"tenant_id"`
	EntityIDs  []string `json:"entity_ids" binding:"required"`
	ColumnIDs  []string `json:"column_ids"`
	EntityType string   `json:"entity_type"`
	BatchSize  int      `json:"batch_size"`
}

// handleStartOrchestration plans a multi-column generation run.
func (s *Server) handleStartOrchestration(c *gin.Context) {
	if s.orch == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "orchestration is disabled"})
		return
	}

	var req startOrchestrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid orchestration request: " + err.Error()})
		return
	}

	receipt, err := s.orch.Start(c.Request.Context(), orchestrator.StartRequest{
		TenantID:   req.TenantID,
		EntityIDs:  req.EntityIDs,
		ColumnIDs:  req.ColumnIDs,
		EntityType: models.EntityKind(req.EntityType),
		BatchSize:  req.BatchSize,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, receipt)
}
