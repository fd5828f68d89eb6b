package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/opsgrid/remex/pkg/broker"
	"github.com/opsgrid/remex/pkg/store"
)

// ListDLQ handles GET /api/v1/dlq: diverted envelopes awaiting operator
// review, oldest first.
func (s *Server) ListDLQ(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	out, err := s.store.ListDLQ(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": out, "count": len(out)})
}

// RedriveDLQ handles POST /api/v1/dlq/:id/redrive: it republishes the
// stored envelope to its original topic and stamps the entry. Each entry
// redrives at most once; diverting again creates a new entry.
func (s *Server) RedriveDLQ(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid DLQ entry id"})
		return
	}

	entry, err := s.store.GetDLQ(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "DLQ entry not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entry.RedrivenAt != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "entry already redriven"})
		return
	}

	msg := &broker.Message{Topic: entry.Topic, Key: entry.Key, Value: entry.Envelope}
	if err := s.broker.Publish(c.Request.Context(), msg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.MarkRedriven(c.Request.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "redriven": true})
}
