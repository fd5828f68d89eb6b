package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNoMessages indicates no partition with pending messages could be
// claimed.
var ErrNoMessages = errors.New("no messages available")

// PGConfig configures the PostgreSQL-backed event log.
type PGConfig struct {
	// DSN is a pgx connection string, used for the LISTEN connection.
	DSN string

	// Partitions fixes the partition count per topic. Changing it on an
	// existing log reshuffles keys, so pick once per deployment.
	Partitions int32

	// ConsumerID identifies this process in cursor claims.
	ConsumerID string

	// Lease bounds how long a claimed partition may go without progress
	// before another consumer may reclaim it (crash recovery).
	Lease time.Duration

	// PollInterval is the fallback poll cadence when NOTIFY wakeups are
	// missed. Jitter of ±50% is applied to spread replicas.
	PollInterval time.Duration

	// FetchBatch caps messages read per claim.
	FetchBatch int
}

func (c *PGConfig) applyDefaults() {
	if c.Partitions <= 0 {
		c.Partitions = 16
	}
	if c.ConsumerID == "" {
		c.ConsumerID = "local"
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 64
	}
}

// PGBroker is a Broker backed by two PostgreSQL tables: broker_message
// (the append-only log) and broker_cursor (per group+topic+partition
// consume positions). Consumers claim one partition at a time with
// FOR UPDATE SKIP LOCKED and hold it via a lease that is renewed as
// messages are acknowledged; a crashed consumer's partition becomes
// claimable again when its lease expires.
type PGBroker struct {
	db       *sqlx.DB
	cfg      PGConfig
	listener *notifyListener

	mu     sync.Mutex
	closed bool
}

// NewPGBroker wraps an existing database handle. The LISTEN connection is
// established lazily on first Consume.
func NewPGBroker(db *sql.DB, cfg PGConfig) *PGBroker {
	cfg.applyDefaults()
	return &PGBroker{
		db:       sqlx.NewDb(db, "pgx"),
		cfg:      cfg,
		listener: newNotifyListener(cfg.DSN, notifyChannel),
	}
}

// notifyChannel is the pg_notify channel used to wake idle consumers.
const notifyChannel = "remex_broker"

// Publish appends messages and fires a transactional NOTIFY per distinct
// topic; the notification is delivered only after COMMIT, so consumers
// never wake before the rows are visible.
func (b *PGBroker) Publish(ctx context.Context, msgs ...*Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pg broker: begin publish tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	topics := map[string]bool{}
	for _, m := range msgs {
		partition := partitionFor(m.Key, b.cfg.Partitions)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO broker_message (topic, partition, key, value) VALUES ($1, $2, $3, $4)`,
			m.Topic, partition, m.Key, m.Value,
		); err != nil {
			return fmt.Errorf("pg broker: inserting message on %s: %w", m.Topic, err)
		}
		topics[m.Topic] = true
	}
	for topic := range topics {
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, topic); err != nil {
			return fmt.Errorf("pg broker: pg_notify: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pg broker: commit publish tx: %w", err)
	}
	return nil
}

// claim is one leased partition with its next unread message id.
type claim struct {
	Topic     string `db:"topic"`
	Partition int32  `db:"partition"`
	NextID    int64  `db:"next_id"`
}

// Consume runs `concurrency` consume slots until ctx is cancelled. Each
// slot claims one partition at a time, so a partition is never processed
// by two slots concurrently and per-key order is preserved.
func (b *PGBroker) Consume(ctx context.Context, group string, topics []string, concurrency int, fn ConsumeFunc) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if err := b.ensureCursors(ctx, group, topics); err != nil {
		return err
	}
	if err := b.listener.start(ctx); err != nil {
		// NOTIFY is an optimization; polling still makes progress.
		slog.Warn("Broker notify listener unavailable, falling back to polling", "error", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		slot := fmt.Sprintf("%s-slot-%d", b.cfg.ConsumerID, i)
		go func() {
			defer wg.Done()
			b.runSlot(ctx, slot, group, topics, fn)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// runSlot is the per-slot consume loop.
func (b *PGBroker) runSlot(ctx context.Context, slot, group string, topics []string, fn ConsumeFunc) {
	log := slog.With("slot", slot, "group", group)
	wakeup := b.listener.subscribe()
	defer b.listener.unsubscribe(wakeup)

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := b.claimAndProcess(ctx, slot, group, topics, fn)
		switch {
		case errors.Is(err, ErrNoMessages):
			b.idle(ctx, wakeup)
		case err != nil:
			if ctx.Err() == nil {
				log.Error("Consume pass failed", "error", err)
			}
			b.idle(ctx, wakeup)
		case n == 0:
			b.idle(ctx, wakeup)
		}
	}
}

// idle waits for a NOTIFY wakeup or the jittered poll interval.
func (b *PGBroker) idle(ctx context.Context, wakeup <-chan struct{}) {
	base := b.cfg.PollInterval
	jittered := base/2 + time.Duration(rand.Int64N(int64(base)))
	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-wakeup:
	case <-timer.C:
	}
}

// claimAndProcess claims one partition, processes up to FetchBatch
// messages, and releases the claim. Returns the number of acknowledged
// messages.
func (b *PGBroker) claimAndProcess(ctx context.Context, slot, group string, topics []string, fn ConsumeFunc) (int, error) {
	cl, err := b.claimPartition(ctx, slot, group, topics)
	if err != nil {
		return 0, err
	}
	defer b.releaseClaim(slot, group, cl)

	var rows []struct {
		ID    int64  `db:"id"`
		Key   string `db:"key"`
		Value []byte `db:"value"`
	}
	err = b.db.SelectContext(ctx, &rows,
		`SELECT id, key, value FROM broker_message
		 WHERE topic = $1 AND partition = $2 AND id >= $3
		 ORDER BY id
		 LIMIT $4`,
		cl.Topic, cl.Partition, cl.NextID, b.cfg.FetchBatch,
	)
	if err != nil {
		return 0, fmt.Errorf("pg broker: fetching messages: %w", err)
	}

	acked := 0
	for _, row := range rows {
		msg := &Message{Topic: cl.Topic, Key: row.Key, Value: row.Value, Partition: cl.Partition}
		if err := fn(ctx, msg); err != nil {
			// Leave the cursor at this message; it is redelivered after
			// the lease lapses or on the next claim.
			return acked, nil
		}
		if err := b.advanceCursor(ctx, slot, group, cl, row.ID+1); err != nil {
			return acked, err
		}
		acked++
	}
	return acked, nil
}

// claimPartition leases one partition that has pending messages.
func (b *PGBroker) claimPartition(ctx context.Context, slot, group string, topics []string) (*claim, error) {
	var cl claim
	err := b.db.GetContext(ctx, &cl,
		`UPDATE broker_cursor SET claimed_by = $1, lease_until = now() + make_interval(secs => $2)
		 WHERE (group_id, topic, partition) IN (
		   SELECT group_id, topic, partition FROM broker_cursor c
		   WHERE c.group_id = $3 AND c.topic = ANY($4)
		     AND (c.claimed_by IS NULL OR c.lease_until < now())
		     AND EXISTS (
		       SELECT 1 FROM broker_message m
		       WHERE m.topic = c.topic AND m.partition = c.partition AND m.id >= c.next_id
		     )
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING topic, partition, next_id`,
		slot, b.cfg.Lease.Seconds(), group, topics,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoMessages
	}
	if err != nil {
		return nil, fmt.Errorf("pg broker: claiming partition: %w", err)
	}
	return &cl, nil
}

// advanceCursor acknowledges progress and renews the lease. A zero row
// count means the lease was lost to another consumer; processing stops to
// avoid double-acknowledging its work.
func (b *PGBroker) advanceCursor(ctx context.Context, slot, group string, cl *claim, next int64) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE broker_cursor SET next_id = $1, lease_until = now() + make_interval(secs => $2)
		 WHERE group_id = $3 AND topic = $4 AND partition = $5 AND claimed_by = $6`,
		next, b.cfg.Lease.Seconds(), group, cl.Topic, cl.Partition, slot,
	)
	if err != nil {
		return fmt.Errorf("pg broker: advancing cursor: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pg broker: lease lost for %s/%d", cl.Topic, cl.Partition)
	}
	return nil
}

// releaseClaim frees the partition for other consumers. Best effort with a
// background context so shutdown does not strand the lease until expiry.
func (b *PGBroker) releaseClaim(slot, group string, cl *claim) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.db.ExecContext(ctx,
		`UPDATE broker_cursor SET claimed_by = NULL, lease_until = NULL
		 WHERE group_id = $1 AND topic = $2 AND partition = $3 AND claimed_by = $4`,
		group, cl.Topic, cl.Partition, slot,
	); err != nil {
		slog.Warn("Failed to release partition claim",
			"topic", cl.Topic, "partition", cl.Partition, "error", err)
	}
}

// ensureCursors creates the cursor rows for every topic×partition of the
// group. Idempotent across replicas.
func (b *PGBroker) ensureCursors(ctx context.Context, group string, topics []string) error {
	for _, topic := range topics {
		for p := int32(0); p < b.cfg.Partitions; p++ {
			if _, err := b.db.ExecContext(ctx,
				`INSERT INTO broker_cursor (group_id, topic, partition, next_id)
				 VALUES ($1, $2, $3, 1)
				 ON CONFLICT (group_id, topic, partition) DO NOTHING`,
				group, topic, p,
			); err != nil {
				return fmt.Errorf("pg broker: ensuring cursor %s/%s/%d: %w", group, topic, p, err)
			}
		}
	}
	return nil
}

// Healthy pings the underlying database.
func (b *PGBroker) Healthy(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close stops the LISTEN connection. The shared *sql.DB is owned by the
// caller and is not closed here.
func (b *PGBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.listener.stop()
	return nil
}
