package broker_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/remex/pkg/broker"
	"github.com/opsgrid/remex/test/util"
)

func newTestBroker(t *testing.T) *broker.PGBroker {
	db, _ := util.SetupTestDB(t)
	// No DSN: NOTIFY is disabled and consumers poll. Keeps the tests
	// free of LISTEN connection lifecycles.
	b := broker.NewPGBroker(db.DB, broker.PGConfig{
		Partitions:   4,
		ConsumerID:   uuid.NewString()[:8],
		Lease:        5 * time.Second,
		PollInterval: 25 * time.Millisecond,
	})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// collector gathers deliveries until a target count is reached.
type collector struct {
	mu     sync.Mutex
	values []string
	done   chan struct{}
	want   int
	fail   int // fail the first N deliveries
}

func newCollector(want, fail int) *collector {
	return &collector{done: make(chan struct{}), want: want, fail: fail}
}

func (c *collector) consume(ctx context.Context, msg *broker.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return fmt.Errorf("simulated handler failure")
	}
	c.values = append(c.values, string(msg.Value))
	if len(c.values) == c.want {
		close(c.done)
	}
	return nil
}

func (c *collector) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.values...)
}

func TestPublishConsumePreservesKeyOrder(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic := "t-" + uuid.NewString()[:8]

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Publish(ctx, &broker.Message{
			Topic: topic,
			Key:   "EXC-1",
			Value: []byte(fmt.Sprintf("m%d", i)),
		}))
	}

	c := newCollector(5, 0)
	go func() { _ = b.Consume(ctx, "g1", []string{topic}, 2, c.consume) }()

	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, c.wait(t))
}

func TestFailedDeliveryIsRedelivered(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic := "t-" + uuid.NewString()[:8]

	require.NoError(t, b.Publish(ctx, &broker.Message{Topic: topic, Key: "k", Value: []byte("once")}))

	c := newCollector(1, 2)
	go func() { _ = b.Consume(ctx, "g1", []string{topic}, 1, c.consume) }()

	assert.Equal(t, []string{"once"}, c.wait(t))
}

func TestGroupsConsumeIndependently(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic := "t-" + uuid.NewString()[:8]

	require.NoError(t, b.Publish(ctx, &broker.Message{Topic: topic, Key: "k", Value: []byte("fanout")}))

	c1 := newCollector(1, 0)
	c2 := newCollector(1, 0)
	go func() { _ = b.Consume(ctx, "group-a", []string{topic}, 1, c1.consume) }()
	go func() { _ = b.Consume(ctx, "group-b", []string{topic}, 1, c2.consume) }()

	assert.Equal(t, []string{"fanout"}, c1.wait(t))
	assert.Equal(t, []string{"fanout"}, c2.wait(t))
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Close())
	err := b.Publish(context.Background(), &broker.Message{Topic: "t", Key: "k", Value: []byte("v")})
	assert.ErrorIs(t, err, broker.ErrClosed)
}
