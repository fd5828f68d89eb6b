package retrypolicy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opsgrid/remex/pkg/broker"
	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/store"
)

// GroupRetryDispatcher is the dispatcher's consumer group.
const GroupRetryDispatcher = "retry-dispatcher-workers"

// Dispatcher consumes control.retry, waits out each request's due time,
// and re-enqueues the original envelope through the outbox so it flows
// back onto its topic. Holding the delivery while waiting is deliberate:
// retries for one exception key stay ordered behind each other, and the
// wait is bounded by the policy's max backoff.
type Dispatcher struct {
	store  *store.Store
	broker broker.Broker

	concurrency int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher builds a retry dispatcher.
func NewDispatcher(st *store.Store, b broker.Broker, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{
		store:       st,
		broker:      b,
		concurrency: concurrency,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the consume loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop signals shutdown and waits for in-flight dispatches.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	log := slog.With("component", "retry_dispatcher")
	err := d.broker.Consume(ctx, GroupRetryDispatcher, []string{envelope.TopicControlRetry}, d.concurrency, d.dispatch)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("retry dispatcher exited", "error", err)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *broker.Message) error {
	log := slog.With("component", "retry_dispatcher", "key", msg.Key)

	var ctrl envelope.Envelope
	if err := json.Unmarshal(msg.Value, &ctrl); err != nil {
		log.Warn("dropping malformed control.retry record", "error", err)
		return nil
	}
	var req Request
	if err := ctrl.DecodePayload(&req); err != nil {
		log.Warn("dropping control.retry without request payload", "error", err)
		return nil
	}
	var original envelope.Envelope
	if err := json.Unmarshal(req.Envelope, &original); err != nil {
		log.Warn("dropping control.retry with malformed inner envelope", "error", err)
		return nil
	}

	if wait := time.Until(req.NotBefore); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	// The outbox insert is retried in place: giving the record back to the
	// broker would restart the wait from zero.
	enqueue := func() error { return d.store.EnqueueOutbox(ctx, &original) }
	if err := backoff.Retry(enqueue, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return err
	}
	log.Info("retry republished",
		"event_id", original.EventID,
		"event_type", original.EventType,
		"exception_id", original.ExceptionID,
		"attempt", original.Attempt,
		"reason", req.Reason)
	return nil
}
