// Package runtime runs the role workers: it consumes a role's topics from
// the event log, drives the handler for each delivery, commits the
// resulting delta, and routes failures to retry or the DLQ.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsgrid/remex/pkg/broker"
	"github.com/opsgrid/remex/pkg/config"
	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/handlers"
	"github.com/opsgrid/remex/pkg/metrics"
	"github.com/opsgrid/remex/pkg/store"
)

// Worker consumes one role's topics and processes deliveries through the
// role handler. One Worker per process; concurrency within the worker is
// the broker's per-partition fan-out.
type Worker struct {
	id    string
	role  string
	group string

	cfg     *config.Config
	policy  config.RetryPolicy
	store   *store.Store
	broker  broker.Broker
	deps    *handlers.Deps
	handler handlers.Handler
	metrics *metrics.Metrics

	mu              sync.Mutex
	status          string
	eventsProcessed int64
	lastActivity    time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Health is a snapshot of worker state for the health endpoint.
type Health struct {
	WorkerID        string    `json:"worker_id"`
	Role            string    `json:"role"`
	Status          string    `json:"status"`
	EventsProcessed int64     `json:"events_processed"`
	LastActivity    time.Time `json:"last_activity,omitzero"`
}

// NewWorker builds a worker for a role. A non-empty group sets the
// consumer group id outright; empty derives the <role>-workers default.
func NewWorker(role, group string, cfg *config.Config, st *store.Store, b broker.Broker, deps *handlers.Deps, m *metrics.Metrics) (*Worker, error) {
	if len(envelope.TopicsForRole[role]) == 0 {
		return nil, fmt.Errorf("role %q has no topic subscriptions", role)
	}
	h, err := handlers.ForRole(role, deps)
	if err != nil {
		return nil, err
	}
	if group == "" {
		group = envelope.GroupID(role, "")
	}
	return &Worker{
		id:      uuid.NewString()[:8],
		role:    role,
		group:   group,
		cfg:     cfg,
		policy:  cfg.RetryPolicyFor(role),
		store:   st,
		broker:  b,
		deps:    deps,
		handler: h,
		metrics: m,
		status:  "initialized",
		stopCh:  make(chan struct{}),
	}, nil
}

// Start launches the consume loop and the config watcher.
func (w *Worker) Start(ctx context.Context) {
	w.setStatus("running")
	w.wg.Add(2)
	go w.run(ctx)
	go w.watchConfig(ctx)
}

// Stop signals shutdown and waits for in-flight handlers to drain.
// Idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.setStatus("stopped")
}

// Health returns a snapshot of the worker's state.
func (w *Worker) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Health{
		WorkerID:        w.id,
		Role:            w.role,
		Status:          w.status,
		EventsProcessed: w.eventsProcessed,
		LastActivity:    w.lastActivity,
	}
}

func (w *Worker) setStatus(status string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
}

func (w *Worker) touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.eventsProcessed++
	w.lastActivity = time.Now().UTC()
}

// stoppable derives a context cancelled by Stop.
func (w *Worker) stoppable(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	ctx, cancel := w.stoppable(ctx)
	defer cancel()

	log := slog.With("worker_id", w.id, "role", w.role)
	log.Info("worker started", "group", w.group, "topics", envelope.TopicsForRole[w.role])

	err := w.broker.Consume(ctx, w.group, envelope.TopicsForRole[w.role], w.cfg.Worker.Concurrency, w.process)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consume loop exited", "error", err)
	}
	log.Info("worker stopped")
}

// watchConfig invalidates the registry when a pack publish is announced.
// Every worker instance subscribes under its own group, so each sees
// every publish.
func (w *Worker) watchConfig(ctx context.Context) {
	defer w.wg.Done()
	ctx, cancel := w.stoppable(ctx)
	defer cancel()

	group := envelope.GroupID(w.role, "config-"+w.id)
	err := w.broker.Consume(ctx, group, []string{envelope.TopicConfigPublished}, 1,
		func(ctx context.Context, msg *broker.Message) error {
			w.deps.Registry.Invalidate()
			slog.Info("config registry invalidated", "worker_id", w.id, "role", w.role)
			return nil
		})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("config watcher exited", "worker_id", w.id, "role", w.role, "error", err)
	}
}
