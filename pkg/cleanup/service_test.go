package cleanup_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/remex/pkg/cleanup"
	"github.com/opsgrid/remex/pkg/config"
	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/store"
	"github.com/opsgrid/remex/test/util"
)

func retention() *config.RetentionConfig {
	return &config.RetentionConfig{
		Enabled:     true,
		TerminalAge: config.Duration(24 * time.Hour),
		OutboxAge:   config.Duration(time.Hour),
		Interval:    config.Duration(time.Minute),
	}
}

func resolvedException(tenant, id string) *models.Exception {
	now := time.Now().UTC()
	return &models.Exception{
		TenantID:      tenant,
		ExceptionID:   id,
		SourceSystem:  "test-harness",
		Domain:        "finance",
		ExceptionType: "SETTLEMENT_FAIL",
		Severity:      models.SeverityHigh,
		Status:        models.StatusResolved,
		RawPayload:    json.RawMessage(`{"type":"SETTLEMENT_FAIL","amount":100}`),
		CurrentStage:  models.StageTerminal,
		CorrelationID: uuid.NewString(),
		ResolvedAt:    &now,
	}
}

func TestRunOncePurgesAgedTerminalExceptions(t *testing.T) {
	ctx := context.Background()
	db, _ := util.SetupTestDB(t)
	st := store.New(db)
	tenant := uuid.NewString()

	aged := resolvedException(tenant, "EXC-aged")
	fresh := resolvedException(tenant, "EXC-fresh")
	open := resolvedException(tenant, "EXC-open")
	open.Status = models.StatusInProgress
	open.CurrentStage = models.StageStep
	open.ResolvedAt = nil
	for _, exc := range []*models.Exception{aged, fresh, open} {
		require.NoError(t, st.Apply(ctx, &store.Delta{Create: exc}))
	}

	// Age the purge candidates past the retention window.
	_, err := db.ExecContext(ctx,
		`UPDATE exception SET updated_at = now() - interval '48 hours'
		 WHERE tenant_id = $1 AND exception_id IN ('EXC-aged', 'EXC-open')`,
		tenant)
	require.NoError(t, err)

	cleanup.NewService(retention(), st).RunOnce(ctx)

	_, err = st.GetException(ctx, tenant, "EXC-aged")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.GetException(ctx, tenant, "EXC-fresh")
	assert.NoError(t, err, "terminal but inside the window")

	_, err = st.GetException(ctx, tenant, "EXC-open")
	assert.NoError(t, err, "non-terminal exceptions are never purged")
}

func TestRunOnceTrimsPublishedOutboxRows(t *testing.T) {
	ctx := context.Background()
	db, _ := util.SetupTestDB(t)
	st := store.New(db)
	tenant := uuid.NewString()
	excID := "EXC-" + uuid.NewString()[:8]

	env, err := envelope.New(envelope.TopicIngested, tenant, excID, "api", uuid.NewString(), nil)
	require.NoError(t, err)
	require.NoError(t, st.EnqueueOutbox(ctx, env))

	// Published long ago: eligible for trimming.
	_, err = db.ExecContext(ctx,
		`UPDATE outbox SET published_at = now() - interval '2 hours' WHERE key = $1`,
		excID)
	require.NoError(t, err)

	cleanup.NewService(retention(), st).RunOnce(ctx)

	var remaining int
	require.NoError(t, db.GetContext(ctx, &remaining,
		`SELECT count(*) FROM outbox WHERE key = $1`, excID))
	assert.Zero(t, remaining)
}

func TestStartIsNoOpWhenDisabled(t *testing.T) {
	svc := cleanup.NewService(&config.RetentionConfig{Enabled: false}, nil)
	svc.Start(context.Background())
	svc.Stop()
}
