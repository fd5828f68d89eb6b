package handlers

import (
	"context"

	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/store"
)

// Feedback captures operator verdicts: it closes confirmed resolutions,
// reopens contested terminal exceptions, and routes an incorrect verdict
// on a live exception back through the policy stage.
type Feedback struct {
	deps *Deps
}

func (h *Feedback) Role() string { return envelope.RoleFeedback }

func (h *Feedback) Handle(ctx context.Context, env *envelope.Envelope, st *State) (*store.Delta, error) {
	exc, err := requireException(st)
	if err != nil {
		return nil, err
	}

	var in FeedbackPayload
	if err := decodePayload(env, &in); err != nil {
		return nil, err
	}
	if in.Verdict != models.VerdictCorrect && in.Verdict != models.VerdictIncorrect {
		return nil, Permanentf(ReasonSchemaRejected, "invalid feedback verdict %q", in.Verdict)
	}

	producer := operatorProducer(h.Role(), env)
	fb := &models.Feedback{
		TenantID:    exc.TenantID,
		ExceptionID: exc.ExceptionID,
		Verdict:     in.Verdict,
		Rationale:   in.Rationale,
		ActorID:     in.ActorID,
	}
	captured := event(env, models.EventFeedbackCaptured, producer, in)
	captured.ActorType = models.ActorUser
	captured.ActorID = in.ActorID

	delta := &store.Delta{
		Feedback: fb,
		Events:   []store.EmittedEvent{{Event: captured}},
	}

	switch {
	case in.Verdict == models.VerdictIncorrect && !exc.Status.Terminal():
		// A contested call on a live exception sends it back through the
		// policy stage for a fresh decision.
		updated := *exc
		if updated.CurrentStage.Order() > models.StagePolicy.Order() {
			updated.CurrentStage = models.StagePolicy
		}
		updated.CurrentPlaybookID = nil
		updated.CurrentStep = nil

		recalc, err := outbound(env, envelope.TopicPolicyRequest, PolicyRequestPayload{ActorID: in.ActorID})
		if err != nil {
			return nil, err
		}
		delta.Update = &updated
		delta.Events[0].Outbound = []*envelope.Envelope{recalc}

	case in.Reopen:
		if !models.CanReopen(exc.Status) {
			return nil, Stale("cannot reopen from %s", exc.Status)
		}
		updated := *exc
		updated.Status = models.StatusOpen
		updated.CurrentStage = models.StagePolicy
		updated.CurrentPlaybookID = nil
		updated.CurrentStep = nil

		reopened := event(env, models.EventExceptionReopened, producer, map[string]any{
			"previous_status": exc.Status,
		})
		reopened.ActorType = models.ActorUser
		reopened.ActorID = in.ActorID

		recalc, err := outbound(env, envelope.TopicPolicyRequest, PolicyRequestPayload{ActorID: in.ActorID})
		if err != nil {
			return nil, err
		}
		delta.Update = &updated
		delta.Events = append(delta.Events, store.EmittedEvent{
			Event:    reopened,
			Outbound: []*envelope.Envelope{recalc},
		})

	case in.Verdict == models.VerdictCorrect && exc.Status == models.StatusResolved:
		updated := *exc
		updated.Status = models.StatusClosed
		updated.CurrentStage = models.StageTerminal
		delta.Update = &updated
	}

	return delta, nil
}
