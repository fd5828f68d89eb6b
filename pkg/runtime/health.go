package runtime

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsgrid/remex/pkg/broker"
	"github.com/opsgrid/remex/pkg/database"
)

// HealthReporter is anything that can snapshot its health for /healthz.
type HealthReporter interface {
	Health() Health
}

// HealthServer serves liveness, readiness, and metrics for one process.
// Readiness requires a recent successful store and broker probe; the
// probe loop runs in the background so request handling never touches
// the database.
type HealthServer struct {
	addr    string
	db      *sql.DB
	broker  broker.Broker
	window  time.Duration
	workers []HealthReporter

	gatherer prometheus.Gatherer

	mu          sync.Mutex
	lastStoreOK time.Time
	lastLogOK   time.Time

	srv      *http.Server
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthServer builds the health server. The window bounds how stale a
// successful probe may be before /readyz fails.
func NewHealthServer(addr string, db *sql.DB, b broker.Broker, gatherer prometheus.Gatherer, window time.Duration, workers ...HealthReporter) *HealthServer {
	if window <= 0 {
		window = 15 * time.Second
	}
	return &HealthServer{
		addr:     addr,
		db:       db,
		broker:   b,
		window:   window,
		workers:  workers,
		gatherer: gatherer,
		stopCh:   make(chan struct{}),
	}
}

// Start begins probing and serving. Non-blocking.
func (h *HealthServer) Start(ctx context.Context) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", h.handleHealthz)
	router.GET("/readyz", h.handleReadyz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	h.srv = &http.Server{Addr: h.addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	h.wg.Add(2)
	go h.probeLoop(ctx)
	go func() {
		defer h.wg.Done()
		if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server exited", "error", err)
		}
	}()
}

// Stop shuts the server down, waiting out in-flight requests.
func (h *HealthServer) Stop(ctx context.Context) {
	h.stopOnce.Do(func() { close(h.stopCh) })
	if h.srv != nil {
		_ = h.srv.Shutdown(ctx)
	}
	h.wg.Wait()
}

func (h *HealthServer) probeLoop(ctx context.Context) {
	defer h.wg.Done()
	interval := h.window / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.probe(ctx)
	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probe(ctx)
		}
	}
}

func (h *HealthServer) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	now := time.Now().UTC()

	if h.db != nil {
		if status, err := database.Health(ctx, h.db); err == nil && status.Status == "healthy" {
			h.mu.Lock()
			h.lastStoreOK = now
			h.mu.Unlock()
		}
	}
	if h.broker != nil {
		if err := h.broker.Healthy(ctx); err == nil {
			h.mu.Lock()
			h.lastLogOK = now
			h.mu.Unlock()
		}
	}
}

func (h *HealthServer) handleHealthz(c *gin.Context) {
	states := make([]Health, 0, len(h.workers))
	for _, w := range h.workers {
		states = append(states, w.Health())
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "workers": states})
}

func (h *HealthServer) handleReadyz(c *gin.Context) {
	h.mu.Lock()
	storeOK, logOK := h.lastStoreOK, h.lastLogOK
	h.mu.Unlock()

	cutoff := time.Now().UTC().Add(-h.window)
	ready := true
	detail := gin.H{}
	if h.db != nil {
		ok := storeOK.After(cutoff)
		ready = ready && ok
		detail["store"] = ok
	}
	if h.broker != nil {
		ok := logOK.After(cutoff)
		ready = ready && ok
		detail["event_log"] = ok
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": detail})
}
