package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/store"
	"github.com/opsgrid/remex/test/util"
)

func newTestStore(t *testing.T) *store.Store {
	db, _ := util.SetupTestDB(t)
	return store.New(db)
}

func newException(tenant, id string) *models.Exception {
	return &models.Exception{
		TenantID:      tenant,
		ExceptionID:   id,
		SourceSystem:  "test-harness",
		Domain:        "finance",
		ExceptionType: "SETTLEMENT_FAIL",
		Severity:      models.SeverityHigh,
		Status:        models.StatusOpen,
		RawPayload:    json.RawMessage(`{"type":"SETTLEMENT_FAIL","amount":100}`),
		CurrentStage:  models.StageTriage,
		CorrelationID: uuid.NewString(),
	}
}

func timelineEvent(exc *models.Exception, eventType, producer string) models.ExceptionEvent {
	return models.ExceptionEvent{
		EventID:       uuid.NewString(),
		TenantID:      exc.TenantID,
		ExceptionID:   exc.ExceptionID,
		EventType:     eventType,
		ActorType:     models.ActorAgent,
		Producer:      producer,
		Attempt:       1,
		SchemaVersion: 1,
	}
}

func TestApplyCreateThenCASUpdate(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	tenant := uuid.NewString()

	exc := newException(tenant, "EXC-1")
	require.NoError(t, st.Apply(ctx, &store.Delta{Create: exc}))

	loaded, err := st.GetException(ctx, tenant, "EXC-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, models.StatusOpen, loaded.Status)

	// Update against the read version succeeds and bumps it.
	updated := *loaded
	updated.Status = models.StatusInProgress
	require.NoError(t, st.Apply(ctx, &store.Delta{Update: &updated}))

	loaded, err = st.GetException(ctx, tenant, "EXC-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version)
	assert.Equal(t, models.StatusInProgress, loaded.Status)

	// A second update against the stale version loses the race.
	stale := updated
	stale.Status = models.StatusResolved
	err = st.Apply(ctx, &store.Delta{Update: &stale})
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestApplyCreateConflict(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	tenant := uuid.NewString()

	require.NoError(t, st.Apply(ctx, &store.Delta{Create: newException(tenant, "EXC-1")}))
	err := st.Apply(ctx, &store.Delta{Create: newException(tenant, "EXC-1")})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestApplyEventDedupSkipsOutbound(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	tenant := uuid.NewString()

	exc := newException(tenant, "EXC-1")
	require.NoError(t, st.Apply(ctx, &store.Delta{Create: exc}))

	out, err := envelope.New(envelope.TopicNormalized, tenant, "EXC-1", "intake", exc.CorrelationID, nil)
	require.NoError(t, err)

	delta := func() *store.Delta {
		return &store.Delta{Events: []store.EmittedEvent{{
			Event:    timelineEvent(exc, models.EventExceptionNormalized, "intake"),
			Outbound: []*envelope.Envelope{out},
		}}}
	}
	require.NoError(t, st.Apply(ctx, delta()))
	// Replay: same dedup key, fresh event id. Neither the event nor the
	// envelope is written again.
	require.NoError(t, st.Apply(ctx, delta()))

	events, err := st.Timeline(ctx, tenant, "EXC-1")
	require.NoError(t, err)
	require.Len(t, events, 1)

	rows, err := st.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	count := 0
	for _, row := range rows {
		if row.Key == "EXC-1" && row.Topic == envelope.TopicNormalized {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	tenant := uuid.NewString()
	excID := uuid.NewString()

	env, err := envelope.New(envelope.TopicIngested, tenant, excID, "api", uuid.NewString(), map[string]any{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, st.EnqueueOutbox(ctx, env))

	rows, err := st.FetchUnpublished(ctx, 100)
	require.NoError(t, err)
	var mine []store.OutboxRow
	for _, row := range rows {
		if row.Key == excID {
			mine = append(mine, row)
		}
	}
	require.Len(t, mine, 1)
	assert.Equal(t, envelope.TopicIngested, mine[0].Topic)

	var decoded envelope.Envelope
	require.NoError(t, json.Unmarshal(mine[0].Envelope, &decoded))
	assert.Equal(t, env.EventID, decoded.EventID)

	require.NoError(t, st.MarkPublished(ctx, []int64{mine[0].RowID}))
	rows, err = st.FetchUnpublished(ctx, 100)
	require.NoError(t, err)
	for _, row := range rows {
		assert.NotEqual(t, excID, row.Key)
	}
}

func TestDLQLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	key := uuid.NewString()

	entry := &store.DLQEntry{
		Topic:    envelope.TopicToolRequested,
		Key:      key,
		Envelope: json.RawMessage(`{"event_id":"x"}`),
		Reason:   "SchemaRejected",
		Error:    "bad payload",
	}
	require.NoError(t, st.InsertDLQ(ctx, entry))

	entries, err := st.ListDLQ(ctx, 500)
	require.NoError(t, err)
	var found *store.DLQEntry
	for i := range entries {
		if entries[i].Key == key {
			found = &entries[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "SchemaRejected", found.Reason)

	require.NoError(t, st.MarkRedriven(ctx, found.ID))
	assert.ErrorIs(t, st.MarkRedriven(ctx, found.ID), store.ErrNotFound)

	got, err := st.GetDLQ(ctx, found.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.RedrivenAt)
}

func TestListSLACandidatesKeepsEscalatedArmed(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	tenant := uuid.NewString()
	deadline := time.Now().UTC().Add(5 * time.Minute)

	open := newException(tenant, "EXC-OPEN")
	open.SLADeadline = &deadline
	escalated := newException(tenant, "EXC-ESC")
	escalated.SLADeadline = &deadline
	escalated.Status = models.StatusEscalated
	resolved := newException(tenant, "EXC-RES")
	resolved.SLADeadline = &deadline
	resolved.Status = models.StatusResolved

	for _, exc := range []*models.Exception{open, escalated, resolved} {
		require.NoError(t, st.Apply(ctx, &store.Delta{Create: exc}))
	}

	candidates, err := st.ListSLACandidates(ctx, deadline.Add(time.Minute), 500)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, c := range candidates {
		if c.TenantID == tenant {
			ids[c.ExceptionID] = true
		}
	}
	assert.True(t, ids["EXC-OPEN"])
	assert.True(t, ids["EXC-ESC"])
	assert.False(t, ids["EXC-RES"])
}

func TestToolExecutionTerminalIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	tenant := uuid.NewString()

	exc := newException(tenant, "EXC-1")
	require.NoError(t, st.Apply(ctx, &store.Delta{Create: exc}))

	key := models.ToolIdempotencyKey("EXC-1", 1, "settlement.verify", 1)
	execution := models.ToolExecution{
		ExecutionID:     uuid.NewString(),
		TenantID:        tenant,
		ExceptionID:     "EXC-1",
		StepOrder:       1,
		ToolID:          "settlement.verify",
		IdempotencyKey:  key,
		RequestedByType: models.ActorAgent,
		Status:          models.ToolSucceeded,
		OutputPayload:   json.RawMessage(`{"verified":true}`),
	}
	require.NoError(t, st.Apply(ctx, &store.Delta{ToolExecutions: []models.ToolExecution{execution}}))

	// A late redelivery must not overwrite the terminal result.
	overwrite := execution
	overwrite.Status = models.ToolFailed
	overwrite.OutputPayload = nil
	require.NoError(t, st.Apply(ctx, &store.Delta{ToolExecutions: []models.ToolExecution{overwrite}}))

	got, err := st.GetToolExecutionByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.ToolSucceeded, got.Status)
	assert.JSONEq(t, `{"verified":true}`, string(got.OutputPayload))
}

func TestProgressAndStepsRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	tenant := uuid.NewString()

	exc := newException(tenant, "EXC-1")
	require.NoError(t, st.Apply(ctx, &store.Delta{Create: exc}))

	toolID := "settlement.verify"
	delta := &store.Delta{
		Progress: &models.PlaybookProgress{
			TenantID:        tenant,
			ExceptionID:     "EXC-1",
			PlaybookID:      "PB_SETTLE",
			PlaybookVersion: 3,
			TotalSteps:      2,
			CurrentStep:     1,
		},
		Steps: []models.StepProgress{
			{TenantID: tenant, ExceptionID: "EXC-1", StepOrder: 1, Name: "verify",
				ActionType: models.ActionTool, ToolID: &toolID, Status: models.StepPending},
			{TenantID: tenant, ExceptionID: "EXC-1", StepOrder: 2, Name: "review",
				ActionType: models.ActionHuman, Status: models.StepPending},
		},
	}
	require.NoError(t, st.Apply(ctx, delta))

	progress, err := st.GetProgress(ctx, tenant, "EXC-1")
	require.NoError(t, err)
	assert.Equal(t, 2, progress.TotalSteps)

	steps, err := st.GetSteps(ctx, tenant, "EXC-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "verify", steps[0].Name)

	// Advancing the pointer updates in place.
	delta.Progress.CurrentStep = 2
	require.NoError(t, st.Apply(ctx, &store.Delta{Progress: delta.Progress}))
	progress, err = st.GetProgress(ctx, tenant, "EXC-1")
	require.NoError(t, err)
	assert.Equal(t, 2, progress.CurrentStep)
}
