package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/opsgrid/remex/pkg/models"
)

// GetProgress loads the playbook progress for an exception, or ErrNotFound
// when no playbook has been matched.
func (s *Store) GetProgress(ctx context.Context, tenantID, exceptionID string) (*models.PlaybookProgress, error) {
	var p models.PlaybookProgress
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM playbook_progress WHERE tenant_id = $1 AND exception_id = $2`,
		tenantID, exceptionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading progress %s/%s: %w", tenantID, exceptionID, err)
	}
	return &p, nil
}

// GetSteps loads all step rows for an exception in step order.
func (s *Store) GetSteps(ctx context.Context, tenantID, exceptionID string) ([]models.StepProgress, error) {
	var out []models.StepProgress
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM playbook_step
		 WHERE tenant_id = $1 AND exception_id = $2
		 ORDER BY step_order`,
		tenantID, exceptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading steps %s/%s: %w", tenantID, exceptionID, err)
	}
	return out, nil
}

// GetStep loads one step row.
func (s *Store) GetStep(ctx context.Context, tenantID, exceptionID string, stepOrder int) (*models.StepProgress, error) {
	var step models.StepProgress
	err := s.db.GetContext(ctx, &step,
		`SELECT * FROM playbook_step
		 WHERE tenant_id = $1 AND exception_id = $2 AND step_order = $3`,
		tenantID, exceptionID, stepOrder,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading step %d of %s/%s: %w", stepOrder, tenantID, exceptionID, err)
	}
	return &step, nil
}

func upsertProgress(ctx context.Context, tx *sqlx.Tx, p *models.PlaybookProgress) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO playbook_progress (
			tenant_id, exception_id, playbook_id, playbook_version,
			total_steps, current_step
		) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, exception_id) DO UPDATE SET
			current_step = EXCLUDED.current_step,
			updated_at = now()`,
		p.TenantID, p.ExceptionID, p.PlaybookID, p.PlaybookVersion,
		p.TotalSteps, p.CurrentStep,
	)
	if err != nil {
		return fmt.Errorf("commit: upserting progress: %w", err)
	}
	return nil
}

func upsertStep(ctx context.Context, tx *sqlx.Tx, st *models.StepProgress) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO playbook_step (
			tenant_id, exception_id, step_order, name, action_type, tool_id,
			failure_policy, max_retries, attempts, status, started_at,
			completed_at, notes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (tenant_id, exception_id, step_order) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			status = EXCLUDED.status,
			started_at = COALESCE(playbook_step.started_at, EXCLUDED.started_at),
			completed_at = EXCLUDED.completed_at,
			notes = COALESCE(EXCLUDED.notes, playbook_step.notes)`,
		st.TenantID, st.ExceptionID, st.StepOrder, st.Name, st.ActionType,
		st.ToolID, st.FailurePolicy, st.MaxRetries, st.Attempts, st.Status,
		st.StartedAt, st.CompletedAt, st.Notes,
	)
	if err != nil {
		return fmt.Errorf("commit: upserting step %d: %w", st.StepOrder, err)
	}
	return nil
}
