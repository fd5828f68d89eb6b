package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsgrid/remex/pkg/envelope"
)

// OutboxRow is one pending publish.
type OutboxRow struct {
	RowID       int64           `db:"row_id"`
	Topic       string          `db:"topic"`
	Key         string          `db:"key"`
	Envelope    json.RawMessage `db:"envelope"`
	CreatedAt   time.Time       `db:"created_at"`
	PublishedAt *time.Time      `db:"published_at"`
}

// FetchUnpublished returns pending outbox rows in row_id order, which is
// FIFO per key. Republication after a relay crash re-reads the same rows,
// so published content is always bit-identical.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]OutboxRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []OutboxRow
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM outbox WHERE published_at IS NULL ORDER BY row_id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetching outbox rows: %w", err)
	}
	return out, nil
}

// MarkPublished stamps rows as published.
func (s *Store) MarkPublished(ctx context.Context, rowIDs []int64) error {
	if len(rowIDs) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET published_at = now() WHERE row_id = ANY($1)`,
		rowIDs,
	); err != nil {
		return fmt.Errorf("marking outbox rows published: %w", err)
	}
	return nil
}

// EnqueueOutbox inserts envelopes outside a handler commit (ingest API,
// retry dispatcher). Rows still flow through the relay so every
// published envelope comes off the outbox in row order.
func (s *Store) EnqueueOutbox(ctx context.Context, envs ...*envelope.Envelope) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enqueueing outbox: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, env := range envs {
		if err := insertOutbox(ctx, tx, env); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("enqueueing outbox: commit: %w", err)
	}
	return nil
}

// PurgePublishedBefore deletes published outbox rows older than the
// cutoff. Used by the retention job.
func (s *Store) PurgePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE published_at IS NOT NULL AND published_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purging outbox rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
