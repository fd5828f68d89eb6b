package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/models"
)

// EmittedEvent pairs a timeline event with the envelopes it produces.
// The envelopes go to the outbox only if the event row is actually
// inserted; a dedup-key conflict means a replay already emitted them.
type EmittedEvent struct {
	Event    models.ExceptionEvent
	Outbound []*envelope.Envelope
}

// Delta is the atomic effect of one handler invocation: at most one
// exception create-or-update, child-row upserts, and the emitted events.
type Delta struct {
	// Create inserts a new exception (intake only). A primary-key conflict
	// aborts the whole delta with ErrAlreadyExists.
	Create *models.Exception

	// Update compare-and-sets the exception on Version: the value carried
	// here is the version the handler read; the store persists Version+1.
	Update *models.Exception

	Progress       *models.PlaybookProgress
	Steps          []models.StepProgress
	ToolExecutions []models.ToolExecution
	Feedback       *models.Feedback
	Events         []EmittedEvent
}

// Empty reports whether the delta would write nothing.
func (d *Delta) Empty() bool {
	return d == nil || (d.Create == nil && d.Update == nil && d.Progress == nil &&
		len(d.Steps) == 0 && len(d.ToolExecutions) == 0 && d.Feedback == nil && len(d.Events) == 0)
}

// Apply commits the delta in one transaction. The inbound offset must be
// acknowledged only after Apply returns nil; the outbox relay publishes
// the outbound envelopes afterwards.
func (s *Store) Apply(ctx context.Context, d *Delta) error {
	if d.Empty() {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if d.Create != nil {
		if err := insertException(ctx, tx, d.Create); err != nil {
			return err
		}
	}
	if d.Update != nil {
		if err := casUpdateException(ctx, tx, d.Update); err != nil {
			return err
		}
	}
	if d.Progress != nil {
		if err := upsertProgress(ctx, tx, d.Progress); err != nil {
			return err
		}
	}
	for i := range d.Steps {
		if err := upsertStep(ctx, tx, &d.Steps[i]); err != nil {
			return err
		}
	}
	for i := range d.ToolExecutions {
		if err := upsertToolExecution(ctx, tx, &d.ToolExecutions[i]); err != nil {
			return err
		}
	}
	if d.Feedback != nil {
		if err := insertFeedback(ctx, tx, d.Feedback); err != nil {
			return err
		}
	}
	for i := range d.Events {
		inserted, err := insertEvent(ctx, tx, &d.Events[i].Event)
		if err != nil {
			return err
		}
		if !inserted {
			// Replay: the event (and its envelopes) were already emitted.
			continue
		}
		for _, env := range d.Events[i].Outbound {
			if err := insertOutbox(ctx, tx, env); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertException(ctx context.Context, tx *sqlx.Tx, e *models.Exception) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO exception (
			tenant_id, exception_id, source_system, domain, exception_type,
			severity, severity_override, status, raw_payload, normalized_payload,
			current_stage, current_playbook_id, current_step, sla_deadline,
			last_sla_emitted, correlation_id, created_at, updated_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now(),now(),1)
		ON CONFLICT (tenant_id, exception_id) DO NOTHING`,
		e.TenantID, e.ExceptionID, e.SourceSystem, e.Domain, e.ExceptionType,
		e.Severity, e.SeverityOverride, e.Status, nullableJSON(e.RawPayload),
		nullableJSON(e.NormalizedPayload), e.CurrentStage, e.CurrentPlaybookID,
		e.CurrentStep, e.SLADeadline, e.LastSLAEmitted, e.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("commit: inserting exception: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func casUpdateException(ctx context.Context, tx *sqlx.Tx, e *models.Exception) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE exception SET
			domain = $1, exception_type = $2, severity = $3, severity_override = $4,
			status = $5, normalized_payload = $6, current_stage = $7,
			current_playbook_id = $8, current_step = $9, sla_deadline = $10,
			last_sla_emitted = $11, resolved_at = $12,
			updated_at = now(), version = version + 1
		 WHERE tenant_id = $13 AND exception_id = $14 AND version = $15`,
		e.Domain, e.ExceptionType, e.Severity, e.SeverityOverride, e.Status,
		nullableJSON(e.NormalizedPayload), e.CurrentStage, e.CurrentPlaybookID,
		e.CurrentStep, e.SLADeadline, e.LastSLAEmitted, e.ResolvedAt,
		e.TenantID, e.ExceptionID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("commit: updating exception: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, ev *models.ExceptionEvent) (bool, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.DedupKey == "" {
		ev.DedupKey = models.ComputeDedupKey(ev.ExceptionID, ev.EventType, ev.Attempt, ev.Producer)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO exception_event (
			event_id, tenant_id, exception_id, event_type, actor_type, actor_id,
			payload, producer, attempt, schema_version, created_at, dedup_key
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (dedup_key) DO NOTHING`,
		ev.EventID, ev.TenantID, ev.ExceptionID, ev.EventType, ev.ActorType,
		ev.ActorID, nullableJSON(ev.Payload), ev.Producer, ev.Attempt,
		ev.SchemaVersion, ev.CreatedAt, ev.DedupKey,
	)
	if err != nil {
		return false, fmt.Errorf("commit: inserting event %s: %w", ev.EventType, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func insertOutbox(ctx context.Context, tx *sqlx.Tx, env *envelope.Envelope) error {
	topic, ok := topicForEventType(env.EventType)
	if !ok {
		return fmt.Errorf("commit: no topic for event type %q", env.EventType)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("commit: marshaling envelope: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (topic, key, envelope) VALUES ($1, $2, $3)`,
		topic, env.ExceptionID, raw,
	); err != nil {
		return fmt.Errorf("commit: inserting outbox row: %w", err)
	}
	return nil
}

// topicForEventType maps envelope event types to topics. Event types on
// the wire equal their topic names.
func topicForEventType(eventType string) (string, bool) {
	switch eventType {
	case envelope.TopicIngested, envelope.TopicNormalized, envelope.TopicTriageDone,
		envelope.TopicPolicyDone, envelope.TopicPolicyRequest, envelope.TopicPlaybookMatch,
		envelope.TopicStepRequested, envelope.TopicStepCompleted, envelope.TopicToolRequested,
		envelope.TopicToolCompleted, envelope.TopicFeedback, envelope.TopicControlRetry,
		envelope.TopicControlDLQ, envelope.TopicSLAImminent, envelope.TopicSLAExpired,
		envelope.TopicRecalcRequest, envelope.TopicConfigPublished:
		return eventType, true
	}
	return "", false
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
