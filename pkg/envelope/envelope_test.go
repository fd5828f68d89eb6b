package envelope_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/remex/pkg/envelope"
)

func TestNewEnvelope(t *testing.T) {
	env, err := envelope.New(envelope.TopicIngested, "acme", "EXC-1", "api", "corr-1",
		map[string]any{"amount": 100})
	require.NoError(t, err)

	assert.Equal(t, envelope.SchemaVersion, env.SchemaVersion)
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, 1, env.Attempt)
	assert.Equal(t, "corr-1", env.CorrelationID)
	require.NoError(t, env.Validate())
}

func TestValidateRejectsMissingFields(t *testing.T) {
	base := func() *envelope.Envelope {
		env, err := envelope.New(envelope.TopicIngested, "acme", "EXC-1", "api", "", nil)
		require.NoError(t, err)
		return env
	}

	tests := []struct {
		name   string
		mutate func(*envelope.Envelope)
	}{
		{"missing event type", func(e *envelope.Envelope) { e.EventType = "" }},
		{"missing tenant", func(e *envelope.Envelope) { e.TenantID = "" }},
		{"missing exception id", func(e *envelope.Envelope) { e.ExceptionID = "" }},
		{"missing producer", func(e *envelope.Envelope) { e.Producer = "" }},
		{"zero attempt", func(e *envelope.Envelope) { e.Attempt = 0 }},
		{"zero schema version", func(e *envelope.Envelope) { e.SchemaVersion = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := base()
			tt.mutate(env)
			assert.Error(t, env.Validate())
		})
	}
}

func TestUnknownFieldsSurviveForwarding(t *testing.T) {
	wire := []byte(`{
		"schema_version": 2,
		"event_id": "e1",
		"event_type": "exceptions.ingested",
		"tenant_id": "acme",
		"exception_id": "EXC-1",
		"occurred_at": "2026-08-24T12:00:00.000Z",
		"producer": "api",
		"correlation_id": "c1",
		"attempt": 1,
		"payload": {"k": "v"},
		"future_field": {"nested": true}
	}`)

	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(wire, &env))
	assert.Equal(t, 2, env.SchemaVersion)

	out, err := json.Marshal(&env)
	require.NoError(t, err)

	var round map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &round))
	assert.JSONEq(t, `{"nested": true}`, string(round["future_field"]))
	assert.JSONEq(t, `{"k": "v"}`, string(round["payload"]))
}

func TestDedupKeyScopesAttemptAndProducer(t *testing.T) {
	env, err := envelope.New(envelope.TopicStepRequested, "acme", "EXC-1", "playbook", "", nil)
	require.NoError(t, err)

	assert.Equal(t, "EXC-1|step.requested|1|playbook", env.DedupKey())

	retry := env.WithAttempt(2)
	assert.NotEqual(t, env.DedupKey(), retry.DedupKey())
	assert.Equal(t, 1, env.Attempt, "WithAttempt must not mutate the original")
}

func TestGroupID(t *testing.T) {
	assert.Equal(t, "policy-workers", envelope.GroupID(envelope.RolePolicy, ""))
	assert.Equal(t, "step-workers-blue", envelope.GroupID(envelope.RoleStep, "blue"))
}

func TestEveryRoleTopicMapsBackToItsRole(t *testing.T) {
	seen := map[string]string{}
	for role, topics := range envelope.TopicsForRole {
		for _, topic := range topics {
			if prev, dup := seen[topic]; dup {
				t.Fatalf("topic %s subscribed by both %s and %s", topic, prev, role)
			}
			seen[topic] = role
		}
	}
	assert.Equal(t, envelope.RolePolicy, seen[envelope.TopicSLAImminent])
	assert.Equal(t, envelope.RoleStep, seen[envelope.TopicToolCompleted])
}
