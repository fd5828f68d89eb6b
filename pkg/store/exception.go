package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsgrid/remex/pkg/models"
)

// GetException loads one exception by identity.
func (s *Store) GetException(ctx context.Context, tenantID, exceptionID string) (*models.Exception, error) {
	var e models.Exception
	err := s.db.GetContext(ctx, &e,
		`SELECT * FROM exception WHERE tenant_id = $1 AND exception_id = $2`,
		tenantID, exceptionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading exception %s/%s: %w", tenantID, exceptionID, err)
	}
	return &e, nil
}

// ExceptionFilter narrows ListExceptions. Zero values are ignored.
type ExceptionFilter struct {
	TenantID      string
	Status        models.Status
	Severity      models.Severity
	ExceptionType string
	SourceSystem  string
	Limit         int
	Offset        int
}

// ListExceptions returns exceptions for a tenant, newest first.
func (s *Store) ListExceptions(ctx context.Context, f ExceptionFilter) ([]models.Exception, error) {
	if f.TenantID == "" {
		return nil, fmt.Errorf("listing exceptions: tenant_id is required")
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}

	query := `SELECT * FROM exception WHERE tenant_id = $1`
	args := []any{f.TenantID}
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.Severity != "" {
		add("severity", f.Severity)
	}
	if f.ExceptionType != "" {
		add("exception_type", f.ExceptionType)
	}
	if f.SourceSystem != "" {
		add("source_system", f.SourceSystem)
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var out []models.Exception
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("listing exceptions: %w", err)
	}
	return out, nil
}

// SLACandidate is an exception with an armed deadline. ESCALATED
// exceptions still count: their timers stay armed so an operator sees
// the expiry even when automation already gave up.
type SLACandidate struct {
	TenantID       string    `db:"tenant_id"`
	ExceptionID    string    `db:"exception_id"`
	SLADeadline    time.Time `db:"sla_deadline"`
	LastSLAEmitted *string   `db:"last_sla_emitted"`
	Version        int64     `db:"version"`
}

// ListSLACandidates returns unresolved exceptions whose deadline falls
// before the horizon, oldest deadline first. The SLA monitor filters by
// the per-exception last_sla_emitted marker.
func (s *Store) ListSLACandidates(ctx context.Context, horizon time.Time, limit int) ([]SLACandidate, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []SLACandidate
	err := s.db.SelectContext(ctx, &out,
		`SELECT tenant_id, exception_id, sla_deadline, last_sla_emitted, version
		 FROM exception
		 WHERE sla_deadline IS NOT NULL
		   AND sla_deadline <= $1
		   AND status NOT IN ('RESOLVED', 'CLOSED')
		 ORDER BY sla_deadline
		 LIMIT $2`,
		horizon, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing SLA candidates: %w", err)
	}
	return out, nil
}

// PurgeTerminalBefore deletes terminal exceptions older than the cutoff,
// with their child rows. Used by the retention job.
func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("retention purge: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM exception_event ee USING exception e
		 WHERE ee.tenant_id = e.tenant_id AND ee.exception_id = e.exception_id
		   AND e.status IN ('RESOLVED', 'CLOSED') AND e.updated_at < $1`,
		`DELETE FROM playbook_step ps USING exception e
		 WHERE ps.tenant_id = e.tenant_id AND ps.exception_id = e.exception_id
		   AND e.status IN ('RESOLVED', 'CLOSED') AND e.updated_at < $1`,
		`DELETE FROM playbook_progress pp USING exception e
		 WHERE pp.tenant_id = e.tenant_id AND pp.exception_id = e.exception_id
		   AND e.status IN ('RESOLVED', 'CLOSED') AND e.updated_at < $1`,
		`DELETE FROM tool_execution tx USING exception e
		 WHERE tx.tenant_id = e.tenant_id AND tx.exception_id = e.exception_id
		   AND e.status IN ('RESOLVED', 'CLOSED') AND e.updated_at < $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, cutoff); err != nil {
			return 0, fmt.Errorf("retention purge: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM exception WHERE status IN ('RESOLVED', 'CLOSED') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("retention purge: exceptions: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("retention purge: commit: %w", err)
	}
	return n, nil
}
