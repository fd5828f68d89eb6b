package handlers

import (
	"context"
	"encoding/json"

	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/store"
)

// Intake validates raw payloads against the domain pack, assigns the
// canonical exception type and initial severity, and creates the
// exception aggregate.
type Intake struct {
	deps *Deps
}

func (h *Intake) Role() string { return envelope.RoleIntake }

func (h *Intake) Handle(ctx context.Context, env *envelope.Envelope, st *State) (*store.Delta, error) {
	if st != nil && st.Exception != nil {
		// Redelivery after a successful commit: nothing left to do.
		return &store.Delta{}, nil
	}

	var in IngestPayload
	if err := decodePayload(env, &in); err != nil {
		return nil, err
	}
	if in.Domain == "" {
		return nil, Permanentf(ReasonSchemaRejected, "ingest payload has no domain")
	}

	var raw map[string]any
	if err := json.Unmarshal(in.RawPayload, &raw); err != nil {
		return nil, Permanentf(ReasonSchemaRejected, "raw_payload is not a JSON object: %v", err)
	}

	snap, err := h.deps.snapshot(env.TenantID, in.Domain)
	if err != nil {
		return nil, err
	}

	exceptionType, _ := raw["type"].(string)
	if exceptionType == "" {
		return nil, Permanentf(ReasonSchemaRejected, "raw_payload has no type field")
	}
	def, ok := snap.DomainPack.ExceptionTypes[exceptionType]
	if !ok {
		return nil, Permanentf(ReasonUnknownType, "exception_type %q not in domain pack %s", exceptionType, in.Domain)
	}
	if err := snap.DomainPack.Validate(exceptionType, raw); err != nil {
		return nil, Permanent(ReasonSchemaRejected, err)
	}

	severity := def.DefaultSeverity
	if severity == "" {
		severity = models.SeverityMedium
	}

	exc := &models.Exception{
		TenantID:          env.TenantID,
		ExceptionID:       env.ExceptionID,
		SourceSystem:      in.SourceSystem,
		Domain:            in.Domain,
		ExceptionType:     exceptionType,
		Severity:          severity,
		Status:            models.StatusOpen,
		RawPayload:        in.RawPayload,
		NormalizedPayload: in.RawPayload,
		CurrentStage:      models.StageTriage,
		CorrelationID:     env.CorrelationID,
	}

	normalized, err := outbound(env, envelope.TopicNormalized, NormalizedPayload{
		ExceptionType: exceptionType,
		Severity:      severity,
	})
	if err != nil {
		return nil, err
	}

	return &store.Delta{
		Create: exc,
		Events: []store.EmittedEvent{
			{
				Event: event(env, models.EventExceptionCreated, h.Role(), map[string]any{
					"source_system": in.SourceSystem,
					"domain":        in.Domain,
				}),
			},
			{
				Event: event(env, models.EventExceptionNormalized, h.Role(), NormalizedPayload{
					ExceptionType: exceptionType,
					Severity:      severity,
				}),
				Outbound: []*envelope.Envelope{normalized},
			},
		},
	}, nil
}
