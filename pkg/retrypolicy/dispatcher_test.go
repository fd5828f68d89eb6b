package retrypolicy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/remex/pkg/broker"
	"github.com/opsgrid/remex/pkg/config"
	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/store"
	"github.com/opsgrid/remex/test/util"
)

func TestDispatchRepublishesDueEnvelope(t *testing.T) {
	ctx := context.Background()
	db, _ := util.SetupTestDB(t)
	st := store.New(db)
	// dispatch never touches the broker; Consume wiring is covered by the
	// broker tests.
	d := NewDispatcher(st, nil, 1)

	p := config.RetryPolicy{
		MaxAttempts:    5,
		BaseBackoff:    config.Duration(time.Second),
		Multiplier:     2,
		MaxBackoff:     config.Duration(time.Minute),
		JitterFraction: 0,
	}
	tenant := uuid.NewString()
	excID := "EXC-" + uuid.NewString()[:8]
	inner, err := envelope.New(envelope.TopicToolRequested, tenant, excID, "step/1", "corr", map[string]any{"tool_id": "settlement.verify"})
	require.NoError(t, err)
	inner.Attempt = 2

	// Scheduled in the past so the due time has already elapsed.
	ctrl, err := Schedule(p, inner, "tool", "Transient", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	raw, err := json.Marshal(ctrl)
	require.NoError(t, err)

	require.NoError(t, d.dispatch(ctx, &broker.Message{
		Topic: envelope.TopicControlRetry,
		Key:   excID,
		Value: raw,
	}))

	rows, err := st.FetchUnpublished(ctx, 500)
	require.NoError(t, err)
	var republished *envelope.Envelope
	for _, row := range rows {
		if row.Topic != envelope.TopicToolRequested || row.Key != excID {
			continue
		}
		var env envelope.Envelope
		require.NoError(t, json.Unmarshal(row.Envelope, &env))
		republished = &env
	}
	require.NotNil(t, republished, "inner envelope should land on the outbox")
	assert.Equal(t, inner.EventID, republished.EventID)
	assert.Equal(t, 3, republished.Attempt)
}

func TestDispatchDropsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	db, _ := util.SetupTestDB(t)
	st := store.New(db)
	d := NewDispatcher(st, nil, 1)

	// Malformed records are acknowledged, not redelivered forever.
	assert.NoError(t, d.dispatch(ctx, &broker.Message{
		Topic: envelope.TopicControlRetry,
		Key:   "k",
		Value: []byte("{not json"),
	}))

	env, err := envelope.New(envelope.TopicControlRetry, "acme", "EXC-1", "retry/tool", "", map[string]any{"not_before": "bogus"})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NoError(t, d.dispatch(ctx, &broker.Message{
		Topic: envelope.TopicControlRetry,
		Key:   "k",
		Value: raw,
	}))
}
