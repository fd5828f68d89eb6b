package store

import (
	"context"
	"fmt"

	"github.com/opsgrid/remex/pkg/models"
)

// Timeline returns the full event sequence for an exception in creation
// order (created_at, ties broken by insertion sequence).
func (s *Store) Timeline(ctx context.Context, tenantID, exceptionID string) ([]models.ExceptionEvent, error) {
	var out []models.ExceptionEvent
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM exception_event
		 WHERE tenant_id = $1 AND exception_id = $2
		 ORDER BY created_at, seq`,
		tenantID, exceptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading timeline %s/%s: %w", tenantID, exceptionID, err)
	}
	return out, nil
}

// EventExists reports whether an event with the logical dedup key was
// already persisted. Handlers use this to skip re-emission under replay.
func (s *Store) EventExists(ctx context.Context, dedupKey string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM exception_event WHERE dedup_key = $1)`,
		dedupKey,
	)
	if err != nil {
		return false, fmt.Errorf("checking event dedup key: %w", err)
	}
	return exists, nil
}

// CountEventsByType returns how many events of the type exist for the
// exception. Used by property tests and the SLA monitor's uniqueness
// guard.
func (s *Store) CountEventsByType(ctx context.Context, tenantID, exceptionID, eventType string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM exception_event
		 WHERE tenant_id = $1 AND exception_id = $2 AND event_type = $3`,
		tenantID, exceptionID, eventType,
	)
	if err != nil {
		return 0, fmt.Errorf("counting %s events: %w", eventType, err)
	}
	return n, nil
}
