package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsgrid/remex/pkg/broker"
	"github.com/opsgrid/remex/pkg/envelope"
)

// ListPacks handles GET /api/v1/packs: a summary of the loaded pack set
// for operators verifying a rollout.
func (s *Server) ListPacks(c *gin.Context) {
	domains, policies, playbooks := s.cfg.Registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"domains":      s.cfg.Registry.Domains(),
		"domain_packs": domains,
		"policy_packs": policies,
		"playbooks":    playbooks,
	})
}

// PublishConfig handles POST /api/v1/config/publish: it reloads the pack
// set from its source and announces the publish on config.published, so
// every worker instance invalidates its registry. A reload failure keeps
// the previous pack set live and nothing is announced.
func (s *Server) PublishConfig(c *gin.Context) {
	if err := s.cfg.Registry.Invalidate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	body, _ := json.Marshal(gin.H{"published_at": time.Now().UTC()})
	msg := &broker.Message{Topic: envelope.TopicConfigPublished, Key: "config", Value: body}
	if err := s.broker.Publish(c.Request.Context(), msg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	domains, policies, playbooks := s.cfg.Registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"published":    true,
		"domain_packs": domains,
		"policy_packs": policies,
		"playbooks":    playbooks,
	})
}
