// Package broker abstracts the durable event log. Two implementations
// exist: a Kafka/Redpanda client (production) and a PostgreSQL-backed log
// (embedded deployments and tests). Both guarantee per-key ordering and
// at-least-once delivery to consumer groups.
package broker

import (
	"context"
	"errors"
	"hash/fnv"
)

// Message is one record on a topic. Records with the same key are
// delivered in publish order to a single consumer of each group.
type Message struct {
	Topic string
	Key   string
	Value []byte

	// Partition is assigned by the broker; informational on consume.
	Partition int32
}

// ConsumeFunc handles one delivered message. Returning nil acknowledges
// the message; returning an error leaves it unacknowledged so the broker
// redelivers it (possibly to another group member).
type ConsumeFunc func(ctx context.Context, msg *Message) error

// Broker is the event log contract used by workers, the outbox relay, and
// the ingest API.
type Broker interface {
	// Publish appends messages durably. It returns only after the broker
	// has accepted every message.
	Publish(ctx context.Context, msgs ...*Message) error

	// Consume joins a consumer group over the given topics and delivers
	// messages to fn until ctx is cancelled. At most `concurrency`
	// invocations of fn run at once; messages sharing a partition are
	// delivered sequentially.
	Consume(ctx context.Context, group string, topics []string, concurrency int, fn ConsumeFunc) error

	// Healthy reports broker reachability for readiness probes.
	Healthy(ctx context.Context) error

	Close() error
}

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// partitionFor assigns a message key to a partition. Both implementations
// use the same hash so behavior matches across deployments.
func partitionFor(key string, partitions int32) int32 {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32() % uint32(partitions)) //nolint:gosec // bounded by partitions
}
