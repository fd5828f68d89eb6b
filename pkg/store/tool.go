package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/opsgrid/remex/pkg/models"
)

// GetToolExecutionByKey loads a tool execution by idempotency key.
func (s *Store) GetToolExecutionByKey(ctx context.Context, idempotencyKey string) (*models.ToolExecution, error) {
	var x models.ToolExecution
	err := s.db.GetContext(ctx, &x,
		`SELECT * FROM tool_execution WHERE idempotency_key = $1`,
		idempotencyKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading tool execution %s: %w", idempotencyKey, err)
	}
	return &x, nil
}

// ListToolExecutions returns all tool executions for an exception in
// creation order.
func (s *Store) ListToolExecutions(ctx context.Context, tenantID, exceptionID string) ([]models.ToolExecution, error) {
	var out []models.ToolExecution
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM tool_execution
		 WHERE tenant_id = $1 AND exception_id = $2
		 ORDER BY created_at`,
		tenantID, exceptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing tool executions %s/%s: %w", tenantID, exceptionID, err)
	}
	return out, nil
}

// upsertToolExecution inserts or advances a tool execution. Terminal
// statuses are write-once: an update never overwrites succeeded/failed.
func upsertToolExecution(ctx context.Context, tx *sqlx.Tx, x *models.ToolExecution) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tool_execution (
			execution_id, tenant_id, exception_id, step_order, tool_id,
			idempotency_key, requested_by_type, requested_by_id, input_payload,
			output_payload, status, error_message, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			status = EXCLUDED.status,
			output_payload = EXCLUDED.output_payload,
			error_message = EXCLUDED.error_message,
			completed_at = EXCLUDED.completed_at
		WHERE tool_execution.status NOT IN ('succeeded', 'failed')`,
		x.ExecutionID, x.TenantID, x.ExceptionID, x.StepOrder, x.ToolID,
		x.IdempotencyKey, x.RequestedByType, x.RequestedByID,
		nullableJSON(x.InputPayload), nullableJSON(x.OutputPayload),
		x.Status, x.ErrorMessage, x.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("commit: upserting tool execution %s: %w", x.IdempotencyKey, err)
	}
	return nil
}

func insertFeedback(ctx context.Context, tx *sqlx.Tx, f *models.Feedback) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO feedback (tenant_id, exception_id, verdict, rationale, actor_id)
		 VALUES ($1,$2,$3,$4,$5)`,
		f.TenantID, f.ExceptionID, f.Verdict, f.Rationale, f.ActorID,
	)
	if err != nil {
		return fmt.Errorf("commit: inserting feedback: %w", err)
	}
	return nil
}

// ListFeedback returns operator feedback for an exception, newest first.
func (s *Store) ListFeedback(ctx context.Context, tenantID, exceptionID string) ([]models.Feedback, error) {
	var out []models.Feedback
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM feedback
		 WHERE tenant_id = $1 AND exception_id = $2
		 ORDER BY created_at DESC`,
		tenantID, exceptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing feedback %s/%s: %w", tenantID, exceptionID, err)
	}
	return out, nil
}
