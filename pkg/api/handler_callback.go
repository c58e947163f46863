package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leadfoundry/enrich/pkg/callback"
	"github.com/leadfoundry/enrich/pkg/models"
)

// handleEnrichmentCallback receives one inbound enrichment callback from
// an external worker and merges it into account/lead state.
func (s *Server) handleEnrichmentCallback(c *gin.Context) {
	var event models.CallbackEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid callback payload: " + err.Error()})
		return
	}
	if event.JobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id is required"})
		return
	}

	result, err := s.callback.Handle(c.Request.Context(), &event)
	if err != nil {
		switch {
		case errors.Is(err, callback.ErrAccountNotFound), errors.Is(err, callback.ErrLeadNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}
