package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/handlers"
	"github.com/opsgrid/remex/pkg/store"
)

const producerAPI = "api"

// IngestRequest is the body for POST /api/v1/exceptions. Domain may be
// omitted when only one domain pack is loaded.
type IngestRequest struct {
	ExceptionID   string          `json:"exception_id"`
	SourceSystem  string          `json:"source_system" binding:"required"`
	Domain        string          `json:"domain"`
	CorrelationID string          `json:"correlation_id"`
	RawPayload    json.RawMessage `json:"raw_payload" binding:"required"`
}

// IngestException handles POST /api/v1/exceptions: it assigns identity
// and appends exceptions.ingested to the log. Re-posting with the same
// exception_id is absorbed downstream.
func (s *Server) IngestException(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ExceptionID == "" {
		req.ExceptionID = uuid.NewString()
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.Domain == "" {
		domains := s.cfg.Registry.Domains()
		if len(domains) != 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "domain is required when more than one domain pack is loaded"})
			return
		}
		req.Domain = domains[0]
	}
	tenant := tenantOf(c)

	env, err := envelope.New(envelope.TopicIngested, tenant, req.ExceptionID, producerAPI, req.CorrelationID,
		handlers.IngestPayload{
			SourceSystem: req.SourceSystem,
			Domain:       req.Domain,
			RawPayload:   req.RawPayload,
		})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.EnqueueOutbox(c.Request.Context(), env); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"exception_id":   req.ExceptionID,
		"correlation_id": req.CorrelationID,
		"accepted_at":    time.Now().UTC(),
	})
}

// Replay handles POST /api/v1/exceptions/:id/replay: it re-appends the
// original ingest event so the pipeline re-absorbs it. Useful after a
// DLQ'd intake; for live exceptions every stage no-ops.
func (s *Server) Replay(c *gin.Context) {
	tenant := tenantOf(c)
	id := c.Param("id")

	exc, err := s.store.GetException(c.Request.Context(), tenant, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "exception not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	env, err := envelope.New(envelope.TopicIngested, tenant, id, producerAPI, exc.CorrelationID,
		handlers.IngestPayload{
			SourceSystem: exc.SourceSystem,
			Domain:       exc.Domain,
			RawPayload:   exc.RawPayload,
		})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.EnqueueOutbox(c.Request.Context(), env); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"exception_id": id, "replayed": true})
}
