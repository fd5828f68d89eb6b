// Package sla runs the deadline monitor: a singleton scanner that emits
// sla.imminent when a deadline enters the tenant's warning window and
// sla.expired exactly once when it passes.
package sla

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsgrid/remex/pkg/config"
	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/metrics"
	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/store"
)

// Marker values persisted on exception.last_sla_emitted. They make the
// monitor idempotent across ticks and restarts: imminent fires once per
// deadline, expired fires once, ever.
const (
	markerImminent = "imminent"
	markerExpired  = "expired"
)

// scanHorizon bounds how far ahead of now the candidate query looks. It
// only needs to exceed the largest imminent window any pack declares.
const scanHorizon = 24 * time.Hour

// Monitor is the SLA scanner. Run exactly one per deployment; the
// last_sla_emitted compare-and-set keeps an accidental second instance
// from double-emitting.
type Monitor struct {
	cfg      *config.Config
	store    *store.Store
	registry *config.Registry
	metrics  *metrics.Metrics

	// now is the clock; tests pin it.
	now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor builds the monitor.
func NewMonitor(cfg *config.Config, st *store.Store, m *metrics.Metrics) *Monitor {
	return &Monitor{
		cfg:      cfg,
		store:    st,
		registry: cfg.Registry,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
	}
}

// Start launches the tick loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop signals shutdown and waits for the current scan to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	log := slog.With("component", "sla_monitor")
	ticker := time.NewTicker(m.cfg.Worker.SLATick.Std())
	defer ticker.Stop()

	log.Info("SLA monitor started", "tick", m.cfg.Worker.SLATick.String())
	for {
		select {
		case <-m.stopCh:
			log.Info("SLA monitor stopped")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Scan(ctx); err != nil {
				log.Error("SLA scan failed", "error", err)
			}
		}
	}
}

// Scan runs one pass over armed deadlines. Exported for the tests and
// for a manual trigger.
func (m *Monitor) Scan(ctx context.Context) error {
	now := m.now()
	candidates, err := m.store.ListSLACandidates(ctx, now.Add(scanHorizon), 500)
	if err != nil {
		return err
	}
	log := slog.With("component", "sla_monitor")
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.evaluate(ctx, now, &cand); err != nil {
			// Version conflicts mean someone else mutated the exception;
			// the next tick re-reads it.
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			log.Warn("SLA evaluation failed",
				"tenant_id", cand.TenantID, "exception_id", cand.ExceptionID, "error", err)
		}
	}
	return nil
}

func (m *Monitor) evaluate(ctx context.Context, now time.Time, cand *store.SLACandidate) error {
	marker := ""
	if cand.LastSLAEmitted != nil {
		marker = *cand.LastSLAEmitted
	}
	if marker == markerExpired {
		return nil
	}

	expired := !cand.SLADeadline.After(now)
	if !expired && marker == markerImminent {
		return nil
	}

	exc, err := m.store.GetException(ctx, cand.TenantID, cand.ExceptionID)
	if err != nil {
		return err
	}
	if exc.Version != cand.Version || exc.SLADeadline == nil {
		// Mutated since the scan; re-evaluate next tick.
		return nil
	}

	if expired {
		return m.emitExpired(ctx, now, exc)
	}

	snap, err := m.registry.Resolve(exc.TenantID, exc.Domain)
	if err != nil {
		return err
	}
	window := snap.PolicyPack.ImminentWindow.Std()
	if window <= 0 || exc.SLADeadline.After(now.Add(window)) {
		return nil
	}
	return m.emitImminent(ctx, now, exc)
}

// emitImminent stamps the marker and publishes sla.imminent, which the
// policy role consumes to re-rank severity.
func (m *Monitor) emitImminent(ctx context.Context, now time.Time, exc *models.Exception) error {
	out, err := m.envelope(envelope.TopicSLAImminent, exc, now)
	if err != nil {
		return err
	}
	updated := *exc
	marker := markerImminent
	updated.LastSLAEmitted = &marker

	delta := &store.Delta{
		Update: &updated,
		Events: []store.EmittedEvent{{
			Event:    m.event(models.EventSLAImminent, exc, now),
			Outbound: []*envelope.Envelope{out},
		}},
	}
	if err := m.store.Apply(ctx, delta); err != nil {
		return err
	}
	m.metrics.SLAEmitted.WithLabelValues("imminent").Inc()
	slog.Info("SLA imminent",
		"tenant_id", exc.TenantID, "exception_id", exc.ExceptionID, "deadline", exc.SLADeadline)
	return nil
}

// emitExpired escalates the exception and publishes sla.expired. The
// breach wins over any running playbook.
func (m *Monitor) emitExpired(ctx context.Context, now time.Time, exc *models.Exception) error {
	out, err := m.envelope(envelope.TopicSLAExpired, exc, now)
	if err != nil {
		return err
	}
	updated := *exc
	marker := markerExpired
	updated.LastSLAEmitted = &marker
	if !updated.Status.Terminal() {
		updated.Status = models.StatusEscalated
		updated.CurrentStage = models.StageTerminal
	}

	delta := &store.Delta{
		Update: &updated,
		Events: []store.EmittedEvent{{
			Event:    m.event(models.EventSLAExpired, exc, now),
			Outbound: []*envelope.Envelope{out},
		}},
	}
	if err := m.store.Apply(ctx, delta); err != nil {
		return err
	}
	m.metrics.SLAEmitted.WithLabelValues("expired").Inc()
	slog.Warn("SLA expired",
		"tenant_id", exc.TenantID, "exception_id", exc.ExceptionID, "deadline", exc.SLADeadline)
	return nil
}

func (m *Monitor) event(eventType string, exc *models.Exception, now time.Time) models.ExceptionEvent {
	return models.ExceptionEvent{
		EventID:       uuid.NewString(),
		TenantID:      exc.TenantID,
		ExceptionID:   exc.ExceptionID,
		EventType:     eventType,
		ActorType:     models.ActorSystem,
		Producer:      "sla_monitor",
		Attempt:       1,
		SchemaVersion: envelope.SchemaVersion,
		CreatedAt:     now,
	}
}

func (m *Monitor) envelope(topic string, exc *models.Exception, now time.Time) (*envelope.Envelope, error) {
	return envelope.New(topic, exc.TenantID, exc.ExceptionID, "sla_monitor", exc.CorrelationID, map[string]any{
		"deadline":  exc.SLADeadline,
		"status":    exc.Status,
		"severity":  exc.Severity,
		"missed_at": now,
	})
}
