package handlers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/store"
)

// Triage enriches a normalized exception with the domain pack's declared
// features and arms the SLA deadline from the tenant's SLA table.
// Severity is never changed here.
type Triage struct {
	deps *Deps
}

func (h *Triage) Role() string { return envelope.RoleTriage }

func (h *Triage) Handle(ctx context.Context, env *envelope.Envelope, st *State) (*store.Delta, error) {
	exc, err := requireLive(st)
	if err != nil {
		return nil, err
	}
	if exc.CurrentStage.Order() > models.StageTriage.Order() {
		// Redelivery after the triage commit already advanced the stage.
		return &store.Delta{}, nil
	}

	snap, err := h.deps.snapshot(exc.TenantID, exc.Domain)
	if err != nil {
		return nil, err
	}
	def, ok := snap.DomainPack.ExceptionTypes[exc.ExceptionType]
	if !ok {
		return nil, Permanentf(ReasonUnknownType, "exception_type %q not in domain pack %s", exc.ExceptionType, exc.Domain)
	}

	normalized := exc.Normalized()
	features := map[string]any{"exception_type": exc.ExceptionType}
	for name, path := range def.Features {
		if v, ok := lookupPath(normalized, path); ok {
			features[name] = v
		}
	}
	normalized["features"] = features
	enriched, err := json.Marshal(normalized)
	if err != nil {
		return nil, Permanent(ReasonInvariantBreach, err)
	}

	updated := *exc
	updated.NormalizedPayload = enriched
	updated.CurrentStage = models.StagePolicy
	if dur, ok := snap.PolicyPack.SLAFor(exc.ExceptionType, exc.Severity); ok {
		deadline := h.deps.now().Add(dur)
		updated.SLADeadline = &deadline
	}

	payload := TriagePayload{Features: features, SLADeadline: updated.SLADeadline}
	out, err := outbound(env, envelope.TopicTriageDone, payload)
	if err != nil {
		return nil, err
	}

	return &store.Delta{
		Update: &updated,
		Events: []store.EmittedEvent{
			{
				Event:    event(env, models.EventTriageCompleted, h.Role(), payload),
				Outbound: []*envelope.Envelope{out},
			},
		},
	}, nil
}

// lookupPath resolves a dot-separated path in a nested JSON object.
func lookupPath(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
