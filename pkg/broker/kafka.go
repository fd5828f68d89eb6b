package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the Kafka/Redpanda broker client.
type KafkaConfig struct {
	// Brokers is the bootstrap list (BROKER_BOOTSTRAP, comma separated).
	Brokers []string

	// ClientID identifies this process in broker logs.
	ClientID string

	// CommitInterval bounds how long processed offsets stay uncommitted.
	CommitInterval time.Duration
}

// KafkaBroker implements Broker on top of franz-go. One producer client is
// shared; each Consume call owns a dedicated consumer-group client.
type KafkaBroker struct {
	cfg      KafkaConfig
	producer *kgo.Client

	mu     sync.Mutex
	closed bool
}

// NewKafkaBroker connects a shared producer. Consumer clients are created
// per Consume call because group membership is per subscription.
func NewKafkaBroker(cfg KafkaConfig) (*KafkaBroker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka broker: no bootstrap brokers provided")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "remex"
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = 3 * time.Second
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka broker: creating producer client: %w", err)
	}

	return &KafkaBroker{cfg: cfg, producer: producer}, nil
}

// Publish produces all messages synchronously. Per-key ordering is
// preserved by kgo's default key partitioner.
func (b *KafkaBroker) Publish(ctx context.Context, msgs ...*Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	records := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, &kgo.Record{
			Topic: m.Topic,
			Key:   []byte(m.Key),
			Value: m.Value,
		})
	}
	results := b.producer.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("kafka broker: produce failed: %w", err)
	}
	return nil
}

// Consume joins the consumer group and processes fetched records until ctx
// is cancelled. Records are processed per partition in order; partitions
// are processed concurrently up to the concurrency bound. Offsets are
// committed only for records whose handler returned nil, so a failure
// causes redelivery from the failed record onward.
func (b *KafkaBroker) Consume(ctx context.Context, group string, topics []string, concurrency int, fn ConsumeFunc) error {
	if concurrency < 1 {
		concurrency = 1
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ClientID(b.cfg.ClientID),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return fmt.Errorf("kafka broker: creating consumer client: %w", err)
	}
	defer client.Close()

	log := slog.With("group", group, "topics", topics)
	log.Info("Kafka consumer joined")

	sem := make(chan struct{}, concurrency)

	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			log.Info("Kafka consumer stopping")
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			log.Error("Fetch error", "topic", topic, "partition", partition, "error", err)
		})

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			processed []*kgo.Record
		)
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			records := p.Records
			if len(records) == 0 {
				return
			}
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				for _, rec := range records {
					msg := &Message{
						Topic:     rec.Topic,
						Key:       string(rec.Key),
						Value:     rec.Value,
						Partition: rec.Partition,
					}
					if err := fn(ctx, msg); err != nil {
						// Stop the partition here; uncommitted records are
						// redelivered after the next rebalance or restart.
						log.Warn("Handler failed, pausing partition",
							"topic", rec.Topic, "partition", rec.Partition, "error", err)
						return
					}
					mu.Lock()
					processed = append(processed, rec)
					mu.Unlock()
				}
			}()
		})
		wg.Wait()

		if len(processed) > 0 {
			if err := client.CommitRecords(ctx, processed...); err != nil {
				log.Error("Offset commit failed", "error", err)
			}
		}
		client.AllowRebalance()
	}
}

// Healthy pings the cluster via the producer client.
func (b *KafkaBroker) Healthy(ctx context.Context) error {
	return b.producer.Ping(ctx)
}

// Close shuts down the shared producer client.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.producer.Close()
	return nil
}
