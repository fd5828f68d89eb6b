package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DLQEntry is one diverted envelope, kept for operator inspection and
// redrive.
type DLQEntry struct {
	ID         int64           `db:"id" json:"id"`
	Topic      string          `db:"topic" json:"topic"`
	Key        string          `db:"key" json:"key"`
	Envelope   json.RawMessage `db:"envelope" json:"envelope"`
	Reason     string          `db:"reason" json:"reason"`
	Error      string          `db:"error" json:"error"`
	DivertedAt time.Time       `db:"diverted_at" json:"diverted_at"`
	RedrivenAt *time.Time      `db:"redriven_at" json:"redriven_at,omitempty"`
}

// InsertDLQ records a diverted envelope.
func (s *Store) InsertDLQ(ctx context.Context, entry *DLQEntry) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO dlq_entry (topic, key, envelope, reason, error)
		 VALUES ($1,$2,$3,$4,$5)`,
		entry.Topic, entry.Key, entry.Envelope, entry.Reason, entry.Error,
	); err != nil {
		return fmt.Errorf("inserting DLQ entry: %w", err)
	}
	return nil
}

// ListDLQ returns entries not yet redriven, oldest first.
func (s *Store) ListDLQ(ctx context.Context, limit int) ([]DLQEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []DLQEntry
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM dlq_entry WHERE redriven_at IS NULL ORDER BY diverted_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing DLQ entries: %w", err)
	}
	return out, nil
}

// GetDLQ loads one entry by id.
func (s *Store) GetDLQ(ctx context.Context, id int64) (*DLQEntry, error) {
	var entry DLQEntry
	err := s.db.GetContext(ctx, &entry, `SELECT * FROM dlq_entry WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading DLQ entry %d: %w", id, err)
	}
	return &entry, nil
}

// MarkRedriven stamps an entry as redriven. Returns ErrNotFound if the
// entry does not exist or was already redriven.
func (s *Store) MarkRedriven(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dlq_entry SET redriven_at = now() WHERE id = $1 AND redriven_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("marking DLQ entry redriven: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
