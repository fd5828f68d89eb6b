// Package api serves the HTTP surface: exception ingest, operator
// actions, read projections, and DLQ operations. Every write lands on
// the event log through the outbox; the API never mutates pipeline state
// directly.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsgrid/remex/pkg/broker"
	"github.com/opsgrid/remex/pkg/config"
	"github.com/opsgrid/remex/pkg/database"
	"github.com/opsgrid/remex/pkg/store"
)

// Server holds the API's collaborators.
type Server struct {
	cfg    *config.Config
	db     *database.Client
	store  *store.Store
	broker broker.Broker

	srv *http.Server
}

// NewServer builds the API server.
func NewServer(cfg *config.Config, db *database.Client, st *store.Store, b broker.Broker) *Server {
	return &Server{cfg: cfg, db: db, store: st, broker: b}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.Health)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/exceptions", s.IngestException)
		v1.GET("/exceptions", s.ListExceptions)
		v1.GET("/exceptions/:id", s.GetException)
		v1.GET("/exceptions/:id/timeline", s.GetTimeline)
		v1.GET("/exceptions/:id/progress", s.GetProgress)
		v1.GET("/exceptions/:id/tools", s.GetToolExecutions)
		v1.GET("/exceptions/:id/feedback", s.ListFeedback)

		v1.POST("/exceptions/:id/feedback", s.SubmitFeedback)
		v1.POST("/exceptions/:id/approve", s.Approve)
		v1.POST("/exceptions/:id/recalculate", s.Recalculate)
		v1.POST("/exceptions/:id/steps/:order/complete", s.CompleteStep)
		v1.POST("/exceptions/:id/replay", s.Replay)

		v1.GET("/dlq", s.ListDLQ)
		v1.POST("/dlq/:id/redrive", s.RedriveDLQ)

		v1.GET("/packs", s.ListPacks)
		v1.POST("/config/publish", s.PublishConfig)
	}
	return router
}

// Start begins serving on addr. Non-blocking.
func (s *Server) Start(addr string) {
	s.srv = &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server exited", "error", err)
		}
	}()
	slog.Info("API server started", "addr", addr)
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) {
	if s.srv != nil {
		_ = s.srv.Shutdown(ctx)
	}
}

// Health reports database reachability.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": dbHealth})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": dbHealth})
}

// tenantOf resolves the request's tenant: X-Tenant-ID header, then the
// tenant_id query parameter, then the default tenant.
func tenantOf(c *gin.Context) string {
	if t := c.GetHeader("X-Tenant-ID"); t != "" {
		return t
	}
	if t := c.Query("tenant_id"); t != "" {
		return t
	}
	return config.DefaultTenant
}
