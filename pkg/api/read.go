package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/store"
)

// ListExceptions handles GET /api/v1/exceptions with filters.
func (s *Server) ListExceptions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	filter := store.ExceptionFilter{
		TenantID:      tenantOf(c),
		Status:        models.Status(c.Query("status")),
		Severity:      models.Severity(c.Query("severity")),
		ExceptionType: c.Query("exception_type"),
		SourceSystem:  c.Query("source_system"),
		Limit:         limit,
		Offset:        offset,
	}
	out, err := s.store.ListExceptions(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exceptions": out, "count": len(out)})
}

// GetException handles GET /api/v1/exceptions/:id.
func (s *Server) GetException(c *gin.Context) {
	exc, err := s.store.GetException(c.Request.Context(), tenantOf(c), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "exception not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, exc)
}

// GetTimeline handles GET /api/v1/exceptions/:id/timeline: the full
// event history in creation order.
func (s *Server) GetTimeline(c *gin.Context) {
	events, err := s.store.Timeline(c.Request.Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetProgress handles GET /api/v1/exceptions/:id/progress: the playbook
// pointer plus per-step status.
func (s *Server) GetProgress(c *gin.Context) {
	tenant, id := tenantOf(c), c.Param("id")

	progress, err := s.store.GetProgress(c.Request.Context(), tenant, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	steps, err := s.store.GetSteps(c.Request.Context(), tenant, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress": progress, "steps": steps})
}

// GetToolExecutions handles GET /api/v1/exceptions/:id/tools.
func (s *Server) GetToolExecutions(c *gin.Context) {
	out, err := s.store.ListToolExecutions(c.Request.Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": out, "count": len(out)})
}

// ListFeedback handles GET /api/v1/exceptions/:id/feedback.
func (s *Server) ListFeedback(c *gin.Context) {
	out, err := s.store.ListFeedback(c.Request.Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"feedback": out, "count": len(out)})
}
