// Package outbox implements the relay that moves committed envelopes from
// the transactional outbox onto the event log. Rows are published in
// row_id order, so envelopes for one exception key leave in commit order.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opsgrid/remex/pkg/broker"
	"github.com/opsgrid/remex/pkg/metrics"
	"github.com/opsgrid/remex/pkg/store"
)

const fetchBatch = 100

// Relay drains the outbox. Run one per deployment; a second instance is
// harmless (publishes are at-least-once and consumers deduplicate) but
// wastes broker writes.
type Relay struct {
	store   *store.Store
	broker  broker.Broker
	metrics *metrics.Metrics

	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRelay builds a relay polling at the given interval.
func NewRelay(st *store.Store, b broker.Broker, m *metrics.Metrics, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Relay{
		store:    st,
		broker:   b,
		metrics:  m,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the drain loop.
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop signals shutdown and waits for the in-flight batch.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()
	log := slog.With("component", "outbox_relay")
	log.Info("outbox relay started", "interval", r.interval.String())

	for {
		n, err := r.DrainOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("outbox drain failed", "error", err)
		}
		// A full batch means more rows are likely waiting; skip the pause.
		if n == fetchBatch {
			continue
		}
		select {
		case <-r.stopCh:
			log.Info("outbox relay stopped")
			return
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}
	}
}

// DrainOnce publishes one batch of pending rows and returns how many it
// moved. A relay crash between Publish and MarkPublished republishes the
// same rows bit-identically, which consumers absorb as duplicates.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	rows, err := r.store.FetchUnpublished(ctx, fetchBatch)
	if err != nil {
		return 0, err
	}
	r.metrics.OutboxLag.Set(float64(len(rows)))
	if len(rows) == 0 {
		return 0, nil
	}

	msgs := make([]*broker.Message, 0, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, &broker.Message{
			Topic: row.Topic,
			Key:   row.Key,
			Value: row.Envelope,
		})
		ids = append(ids, row.RowID)
	}
	if err := r.broker.Publish(ctx, msgs...); err != nil {
		return 0, err
	}
	if err := r.store.MarkPublished(ctx, ids); err != nil {
		return 0, err
	}
	r.metrics.OutboxPublished.Add(float64(len(rows)))
	return len(rows), nil
}
