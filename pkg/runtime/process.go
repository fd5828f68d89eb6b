package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsgrid/remex/pkg/broker"
	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/handlers"
	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/retrypolicy"
	"github.com/opsgrid/remex/pkg/store"
)

// process is the per-delivery pipeline: decode, handle, commit, and on
// failure route by class. Returning nil acknowledges the delivery.
func (w *Worker) process(ctx context.Context, msg *broker.Message) error {
	log := slog.With("worker_id", w.id, "role", w.role, "topic", msg.Topic)

	var env envelope.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return w.divert(ctx, log, msg, nil, handlers.Permanent(handlers.ReasonSchemaRejected, err))
	}
	if err := env.Validate(); err != nil {
		return w.divert(ctx, log, msg, &env, handlers.Permanent(handlers.ReasonSchemaRejected, err))
	}
	log = log.With("event_id", env.EventID, "event_type", env.EventType,
		"exception_id", env.ExceptionID, "attempt", env.Attempt)

	err := w.handleWithCAS(ctx, &env)
	w.touch()
	if err == nil {
		w.metrics.EventsProcessed.WithLabelValues(w.role, msg.Topic).Inc()
		return nil
	}
	return w.routeFailure(ctx, log, msg, &env, err)
}

// handleWithCAS reads state, invokes the handler under the deadline, and
// commits the delta. A lost compare-and-set re-reads and re-evaluates:
// the handler may reach a different decision against the newer state.
func (w *Worker) handleWithCAS(ctx context.Context, env *envelope.Envelope) error {
	for cas := 0; ; cas++ {
		st, err := w.loadState(ctx, env)
		if err != nil {
			return err
		}

		hctx, cancel := context.WithTimeout(ctx, w.cfg.Worker.HandlerDeadline.Std())
		start := time.Now()
		delta, err := w.handler.Handle(hctx, env, st)
		cancel()
		w.metrics.HandlerDuration.WithLabelValues(w.role).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}

		err = w.store.Apply(ctx, delta)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrAlreadyExists):
			// A concurrent delivery created the exception first.
			return nil
		case errors.Is(err, store.ErrVersionConflict):
			w.metrics.CASConflicts.WithLabelValues(w.role).Inc()
			if cas < w.cfg.Worker.CASRetries {
				continue
			}
			return fmt.Errorf("commit after %d compare-and-set retries: %w", cas, err)
		default:
			return err
		}
	}
}

// loadState reads the exception and its child rows. A missing exception
// yields an empty state; the handler decides what that means for its
// event type.
func (w *Worker) loadState(ctx context.Context, env *envelope.Envelope) (*handlers.State, error) {
	exc, err := w.store.GetException(ctx, env.TenantID, env.ExceptionID)
	if errors.Is(err, store.ErrNotFound) {
		return &handlers.State{}, nil
	}
	if err != nil {
		return nil, err
	}
	st := &handlers.State{Exception: exc}

	progress, err := w.store.GetProgress(ctx, env.TenantID, env.ExceptionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	st.Progress = progress
	if st.Steps, err = w.store.GetSteps(ctx, env.TenantID, env.ExceptionID); err != nil {
		return nil, err
	}
	if st.Tools, err = w.store.ListToolExecutions(ctx, env.TenantID, env.ExceptionID); err != nil {
		return nil, err
	}
	return st, nil
}

// routeFailure applies the failure contract: stale and permanent failures
// divert to the DLQ and acknowledge; transient failures are scheduled for
// retry until the role's attempt budget runs out.
func (w *Worker) routeFailure(ctx context.Context, log *slog.Logger, msg *broker.Message, env *envelope.Envelope, err error) error {
	class := handlers.Classify(err)
	w.metrics.EventsFailed.WithLabelValues(w.role, class.String()).Inc()

	switch class {
	case handlers.ClassStale:
		log.Info("stale event diverted", "error", err)
		return w.divert(ctx, log, msg, env, err)
	case handlers.ClassPermanent:
		log.Warn("permanent failure diverted", "reason", handlers.ReasonOf(err), "error", err)
		return w.divert(ctx, log, msg, env, err)
	}

	if env.Attempt >= w.policy.MaxAttempts {
		log.Warn("retries exhausted, diverting",
			"max_attempts", w.policy.MaxAttempts, "error", err)
		return w.divert(ctx, log, msg, env,
			handlers.Permanent(handlers.ReasonRetriesExhausted, err))
	}

	ctrl, schedErr := retrypolicy.Schedule(w.policy, env, w.role, handlers.ReasonOf(err), time.Now().UTC())
	if schedErr != nil {
		return schedErr
	}
	if enqErr := w.store.EnqueueOutbox(ctx, ctrl); enqErr != nil {
		// Leave the delivery unacked; the broker redelivers it.
		log.Warn("scheduling retry failed", "error", enqErr)
		return err
	}
	w.metrics.EventsRetried.WithLabelValues(w.role).Inc()
	w.recordProcessingError(ctx, log, env, handlers.ClassTransient, handlers.ReasonOf(err), err)
	log.Info("retry scheduled", "next_attempt", env.Attempt+1, "error", err)
	return nil
}

// divert records the raw delivery in the DLQ ledger, announces it on
// control.dlq, and acknowledges it. Permanent diversions also leave a
// ProcessingError event on the exception's timeline when the exception
// exists.
func (w *Worker) divert(ctx context.Context, log *slog.Logger, msg *broker.Message, env *envelope.Envelope, cause error) error {
	reason := handlers.ReasonOf(cause)
	entry := &store.DLQEntry{
		Topic:    msg.Topic,
		Key:      msg.Key,
		Envelope: json.RawMessage(msg.Value),
		Reason:   reason,
		Error:    cause.Error(),
	}
	if err := w.store.InsertDLQ(ctx, entry); err != nil {
		log.Error("recording DLQ entry failed", "error", err)
		return err
	}
	w.metrics.EventsDiverted.WithLabelValues(w.role, reason).Inc()

	if env != nil {
		w.publishDiversion(ctx, log, env, reason, cause)
	}
	if env != nil && handlers.Classify(cause) == handlers.ClassPermanent {
		w.recordProcessingError(ctx, log, env, handlers.ClassPermanent, reason, cause)
	}
	return nil
}

// dlqNotice is the control.dlq payload: error diagnostics plus the
// diverted envelope verbatim.
type dlqNotice struct {
	Reason   string          `json:"reason"`
	Role     string          `json:"role"`
	Message  string          `json:"message"`
	Envelope json.RawMessage `json:"envelope"`
}

// publishDiversion mirrors the DLQ entry onto control.dlq so operator
// tooling can consume diversions off the log. Best effort: the ledger
// entry is the durable record.
func (w *Worker) publishDiversion(ctx context.Context, log *slog.Logger, env *envelope.Envelope, reason string, cause error) {
	raw, err := json.Marshal(env)
	if err != nil {
		log.Warn("marshaling diverted envelope failed", "error", err)
		return
	}
	ctrl, err := envelope.New(envelope.TopicControlDLQ, env.TenantID, env.ExceptionID, "runtime/"+w.role, env.CorrelationID, dlqNotice{
		Reason:   reason,
		Role:     w.role,
		Message:  cause.Error(),
		Envelope: raw,
	})
	if err != nil {
		log.Warn("building control.dlq envelope failed", "error", err)
		return
	}
	if err := w.store.EnqueueOutbox(ctx, ctrl); err != nil {
		log.Warn("publishing control.dlq envelope failed", "error", err)
	}
}

// recordProcessingError is best effort: the DLQ entry or scheduled retry
// is already durable, so a failed timeline insert is logged and dropped.
func (w *Worker) recordProcessingError(ctx context.Context, log *slog.Logger, env *envelope.Envelope, class handlers.Class, reason string, cause error) {
	payload, _ := json.Marshal(map[string]any{
		"kind":       class.String(),
		"reason":     reason,
		"message":    cause.Error(),
		"event_type": env.EventType,
		"event_id":   env.EventID,
	})
	producer := "runtime/" + env.EventID
	if len(env.EventID) > 8 {
		producer = "runtime/" + env.EventID[:8]
	}
	delta := &store.Delta{Events: []store.EmittedEvent{{Event: models.ExceptionEvent{
		EventID:       uuid.NewString(),
		TenantID:      env.TenantID,
		ExceptionID:   env.ExceptionID,
		EventType:     models.EventProcessingError,
		ActorType:     models.ActorAgent,
		Payload:       payload,
		Producer:      producer,
		Attempt:       env.Attempt,
		SchemaVersion: envelope.SchemaVersion,
	}}}}
	if err := w.store.Apply(ctx, delta); err != nil {
		log.Warn("recording ProcessingError event failed", "error", err)
	}
}
