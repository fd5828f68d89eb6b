package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/handlers"
	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/store"
)

// publishFor loads the exception and appends one envelope to the log,
// reusing the exception's correlation id. Shared by the operator actions.
func (s *Server) publishFor(c *gin.Context, topic string, payload any) {
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

	env, err := envelope.New(topic, tenant, id, producerAPI, exc.CorrelationID, payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.EnqueueOutbox(c.Request.Context(), env); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"exception_id": id, "event_type": topic})
}

// FeedbackRequest is the body for POST /api/v1/exceptions/:id/feedback.
type FeedbackRequest struct {
	Verdict   models.FeedbackVerdict `json:"verdict" binding:"required"`
	Rationale *string                `json:"rationale"`
	ActorID   *string                `json:"actor_id"`
	Reopen    bool                   `json:"reopen"`
}

// SubmitFeedback appends feedback.captured.
func (s *Server) SubmitFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.publishFor(c, envelope.TopicFeedback, handlers.FeedbackPayload{
		Verdict:   req.Verdict,
		Rationale: req.Rationale,
		ActorID:   req.ActorID,
		Reopen:    req.Reopen,
	})
}

// ApproveRequest is the body for POST /api/v1/exceptions/:id/approve.
type ApproveRequest struct {
	ActorID *string `json:"actor_id"`
}

// Approve releases an exception held in PENDING_APPROVAL by appending an
// approved policy.requested.
func (s *Server) Approve(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.publishFor(c, envelope.TopicPolicyRequest, handlers.PolicyRequestPayload{
		Approved: true,
		ActorID:  req.ActorID,
	})
}

// Recalculate forces a fresh policy evaluation against the current packs.
func (s *Server) Recalculate(c *gin.Context) {
	s.publishFor(c, envelope.TopicRecalcRequest, map[string]any{"requested_by": producerAPI})
}

// CompleteStepRequest is the body for
// POST /api/v1/exceptions/:id/steps/:order/complete.
type CompleteStepRequest struct {
	Status  models.StepStatus `json:"status" binding:"required"`
	Notes   *string           `json:"notes"`
	ActorID *string           `json:"actor_id"`
}

// CompleteStep acknowledges a human or decision step.
func (s *Server) CompleteStep(c *gin.Context) {
	order, err := strconv.Atoi(c.Param("order"))
	if err != nil || order < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid step order"})
		return
	}
	var req CompleteStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Status {
	case models.StepCompleted, models.StepFailed, models.StepSkipped:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be completed, failed, or skipped"})
		return
	}
	s.publishFor(c, envelope.TopicStepCompleted, handlers.StepCompletionPayload{
		StepOrder: order,
		Status:    req.Status,
		Notes:     req.Notes,
		ActorID:   req.ActorID,
	})
}
