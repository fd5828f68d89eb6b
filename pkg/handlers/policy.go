package handlers

import (
	"context"

	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/store"
)

// Policy evaluates the tenant policy pack against a triaged exception.
// Deterministic: the same state and config snapshot always produce the
// same outcome.
type Policy struct {
	deps *Deps
}

func (h *Policy) Role() string { return envelope.RolePolicy }

func (h *Policy) Handle(ctx context.Context, env *envelope.Envelope, st *State) (*store.Delta, error) {
	exc, err := requireException(st)
	if err != nil {
		return nil, err
	}

	switch env.EventType {
	case envelope.TopicSLAImminent:
		return h.handleImminent(env, exc)
	case envelope.TopicRecalcRequest:
		return h.evaluate(env, exc, operatorProducer(h.Role(), env), false)
	case envelope.TopicPolicyRequest:
		var req PolicyRequestPayload
		if err := decodePayload(env, &req); err != nil {
			return nil, err
		}
		return h.evaluate(env, exc, operatorProducer(h.Role(), env), req.Approved)
	default: // triage.completed
		if exc.Status.Terminal() {
			return nil, Stale("exception is %s", exc.Status)
		}
		if exc.CurrentStage.Order() > models.StagePolicy.Order() {
			return &store.Delta{}, nil
		}
		return h.evaluate(env, exc, h.Role(), false)
	}
}

// evaluate runs the policy pack and routes the outcome: escalation,
// approval gate, or candidate hand-off to the playbook stage.
func (h *Policy) evaluate(env *envelope.Envelope, exc *models.Exception, producer string, approved bool) (*store.Delta, error) {
	if exc.Status.Terminal() {
		return &store.Delta{}, nil
	}
	// Stages past playbook have running work; re-evaluation would race it.
	if exc.CurrentStage.Order() > models.StagePlaybook.Order() {
		return &store.Delta{}, nil
	}

	snap, err := h.deps.snapshot(exc.TenantID, exc.Domain)
	if err != nil {
		return nil, err
	}
	outcome, err := h.deps.Engine.Evaluate(snap.PolicyPack, exc.Severity, ruleFields(exc))
	if err != nil {
		return nil, Permanent(ReasonConfigMissing, err)
	}

	// Severity may be overridden once per exception; once the override
	// flag is set, the recorded severity stands.
	severity := outcome.Severity
	overridden := outcome.SeverityOverridden
	if overridden && exc.SeverityOverride {
		severity = exc.Severity
		overridden = false
	}

	payload := PolicyPayload{
		Severity:           severity,
		SeverityOverridden: overridden || exc.SeverityOverride,
		RequiredApprovals:  outcome.RequiredApprovals,
		Escalate:           outcome.Escalate,
		CandidatePlaybooks: outcome.CandidatePlaybooks,
		MatchedRules:       outcome.MatchedRules,
		SnapshotID:         snap.ID,
	}

	updated := *exc
	updated.Severity = severity
	updated.SeverityOverride = overridden || exc.SeverityOverride

	if outcome.Escalate {
		updated.Status = models.StatusEscalated
		updated.CurrentStage = models.StageTerminal
		return &store.Delta{
			Update: &updated,
			Events: []store.EmittedEvent{
				{Event: event(env, models.EventPolicyCompleted, producer, payload)},
				{Event: event(env, models.EventPolicyEscalated, producer, map[string]any{
					"rule": outcome.EscalatedBy,
				})},
			},
		}, nil
	}

	if outcome.RequiredApprovals > 0 && !approved {
		updated.Status = models.StatusPendingApproval
		return &store.Delta{
			Update: &updated,
			Events: []store.EmittedEvent{
				{Event: event(env, models.EventPolicyCompleted, producer, payload)},
			},
		}, nil
	}

	updated.CurrentStage = models.StagePlaybook
	out, err := outbound(env, envelope.TopicPolicyDone, payload)
	if err != nil {
		return nil, err
	}
	return &store.Delta{
		Update: &updated,
		Events: []store.EmittedEvent{
			{
				Event:    event(env, models.EventPolicyCompleted, producer, payload),
				Outbound: []*envelope.Envelope{out},
			},
		},
	}, nil
}

// handleImminent re-evaluates severity when an SLA deadline approaches.
// Only a severity bump is applied; the pipeline stage and any running
// playbook are left alone, and an exception whose severity was already
// overridden keeps it.
func (h *Policy) handleImminent(env *envelope.Envelope, exc *models.Exception) (*store.Delta, error) {
	if exc.Status.Terminal() || exc.SeverityOverride {
		return &store.Delta{}, nil
	}
	snap, err := h.deps.snapshot(exc.TenantID, exc.Domain)
	if err != nil {
		return nil, err
	}
	outcome, err := h.deps.Engine.Evaluate(snap.PolicyPack, exc.Severity, ruleFields(exc))
	if err != nil {
		return nil, Permanent(ReasonConfigMissing, err)
	}
	if outcome.Severity.Rank() <= exc.Severity.Rank() {
		return &store.Delta{}, nil
	}
	updated := *exc
	updated.Severity = outcome.Severity
	updated.SeverityOverride = true
	return &store.Delta{Update: &updated}, nil
}

// operatorProducer scopes dedup keys for operator-triggered re-runs by
// the triggering envelope, so repeated requests each take effect while
// redeliveries of one request stay deduplicated.
func operatorProducer(role string, env *envelope.Envelope) string {
	id := env.EventID
	if len(id) > 8 {
		id = id[:8]
	}
	return role + "/" + id
}
