package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsgrid/remex/pkg/config"
	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/policy"
	"github.com/opsgrid/remex/pkg/store"
)

// State is the exception's persisted state as read at the start of one
// handler invocation. Exception is nil when nothing was ingested yet.
type State struct {
	Exception *models.Exception
	Progress  *models.PlaybookProgress
	Steps     []models.StepProgress
	Tools     []models.ToolExecution
}

// Step returns the step progress with the given order, or nil.
func (s *State) Step(order int) *models.StepProgress {
	for i := range s.Steps {
		if s.Steps[i].StepOrder == order {
			return &s.Steps[i]
		}
	}
	return nil
}

// ToolExecution returns the execution with the given idempotency key,
// or nil.
func (s *State) ToolExecution(idempotencyKey string) *models.ToolExecution {
	for i := range s.Tools {
		if s.Tools[i].IdempotencyKey == idempotencyKey {
			return &s.Tools[i]
		}
	}
	return nil
}

// ToolRunner executes one external tool invocation. Implementations are
// expected to be idempotent per (tool_id, input); the tool handler
// additionally guards with the declared idempotency key.
type ToolRunner interface {
	Execute(ctx context.Context, toolID string, input json.RawMessage) (json.RawMessage, error)
}

// Handler processes envelopes for one worker role. Handle is pure with
// respect to the store: all writes flow through the returned delta, and
// the runtime commits it atomically with the emitted events.
type Handler interface {
	Role() string
	Handle(ctx context.Context, env *envelope.Envelope, st *State) (*store.Delta, error)
}

// Deps are the shared collaborators injected into handlers.
type Deps struct {
	Registry *config.Registry
	Engine   *policy.Engine
	Tools    ToolRunner

	// Now is the clock; tests pin it.
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// snapshot resolves the config snapshot for the exception, classifying a
// missing pack as a permanent ConfigMissing failure.
func (d *Deps) snapshot(tenantID, domain string) (*config.Snapshot, error) {
	snap, err := d.Registry.Resolve(tenantID, domain)
	if err != nil {
		return nil, Permanent(ReasonConfigMissing, err)
	}
	return snap, nil
}

// ForRole builds the handler for a worker role.
func ForRole(role string, deps *Deps) (Handler, error) {
	switch role {
	case envelope.RoleIntake:
		return &Intake{deps: deps}, nil
	case envelope.RoleTriage:
		return &Triage{deps: deps}, nil
	case envelope.RolePolicy:
		return &Policy{deps: deps}, nil
	case envelope.RolePlaybook:
		return &Playbook{deps: deps}, nil
	case envelope.RoleStep:
		return &Step{deps: deps}, nil
	case envelope.RoleTool:
		return &Tool{deps: deps}, nil
	case envelope.RoleFeedback:
		return &Feedback{deps: deps}, nil
	}
	return nil, fmt.Errorf("no handler for role %q", role)
}

// event builds a timeline event attributed to the pipeline itself.
// Producer scopes the dedup key: stage handlers pass their role name,
// per-step events pass stepProducer so distinct steps stay distinct.
func event(env *envelope.Envelope, eventType, producer string, payload any) models.ExceptionEvent {
	raw, _ := json.Marshal(payload)
	if payload == nil {
		raw = nil
	}
	return models.ExceptionEvent{
		EventID:       uuid.NewString(),
		TenantID:      env.TenantID,
		ExceptionID:   env.ExceptionID,
		EventType:     eventType,
		ActorType:     models.ActorAgent,
		Payload:       raw,
		Producer:      producer,
		Attempt:       env.Attempt,
		SchemaVersion: envelope.SchemaVersion,
	}
}

// stepProducer scopes per-step event dedup keys by step order.
func stepProducer(role string, stepOrder int) string {
	return fmt.Sprintf("%s/%d", role, stepOrder)
}

// outbound builds a next-stage envelope carrying forward the
// correlation id.
func outbound(env *envelope.Envelope, eventType string, payload any) (*envelope.Envelope, error) {
	out, err := envelope.New(eventType, env.TenantID, env.ExceptionID, env.Producer, env.CorrelationID, payload)
	if err != nil {
		return nil, Permanent(ReasonInvariantBreach, err)
	}
	return out, nil
}

// requireException returns the exception or a stale failure: an event
// for an exception that does not exist can never be processed.
func requireException(st *State) (*models.Exception, error) {
	if st == nil || st.Exception == nil {
		return nil, Stale("exception does not exist")
	}
	return st.Exception, nil
}

// requireLive rejects events against terminal exceptions.
func requireLive(st *State) (*models.Exception, error) {
	exc, err := requireException(st)
	if err != nil {
		return nil, err
	}
	if exc.Status.Terminal() {
		return nil, Stale("exception is %s", exc.Status)
	}
	return exc, nil
}

// decodePayload unmarshals the envelope payload, classifying malformed
// payloads as permanent schema rejections.
func decodePayload(env *envelope.Envelope, v any) error {
	if err := env.DecodePayload(v); err != nil {
		return Permanent(ReasonSchemaRejected, err)
	}
	return nil
}

// ruleFields builds the field map rule conditions evaluate against:
// the normalized payload at the top level, plus the exception's own
// attributes, with triage features both nested and flattened.
func ruleFields(exc *models.Exception) map[string]any {
	fields := exc.Normalized()
	if features, ok := fields["features"].(map[string]any); ok {
		for k, v := range features {
			if _, exists := fields[k]; !exists {
				fields[k] = v
			}
		}
	}
	fields["tenant_id"] = exc.TenantID
	fields["exception_id"] = exc.ExceptionID
	fields["source_system"] = exc.SourceSystem
	fields["domain"] = exc.Domain
	fields["exception_type"] = exc.ExceptionType
	fields["severity"] = string(exc.Severity)
	fields["status"] = string(exc.Status)
	return fields
}

// featureMap extracts the triage features from the normalized payload.
func featureMap(exc *models.Exception) map[string]any {
	fields := exc.Normalized()
	features, _ := fields["features"].(map[string]any)
	if features == nil {
		features = map[string]any{}
	}
	if _, ok := features["exception_type"]; !ok {
		features["exception_type"] = exc.ExceptionType
	}
	return features
}
