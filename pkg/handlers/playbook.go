package handlers

import (
	"context"

	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/policy"
	"github.com/opsgrid/remex/pkg/store"
)

// Playbook selects one playbook from the policy stage's candidate set,
// creates the progress records, and requests the first step.
type Playbook struct {
	deps *Deps
}

func (h *Playbook) Role() string { return envelope.RolePlaybook }

func (h *Playbook) Handle(ctx context.Context, env *envelope.Envelope, st *State) (*store.Delta, error) {
	exc, err := requireLive(st)
	if err != nil {
		return nil, err
	}
	if exc.CurrentStage.Order() > models.StagePlaybook.Order() {
		return &store.Delta{}, nil
	}

	var in PolicyPayload
	if err := decodePayload(env, &in); err != nil {
		return nil, err
	}

	snap, err := h.deps.snapshot(exc.TenantID, exc.Domain)
	if err != nil {
		return nil, err
	}

	match, ok := policy.SelectPlaybook(snap, in.CandidatePlaybooks, featureMap(exc))
	if !ok {
		// Nothing suitable: hand the exception to a human.
		updated := *exc
		updated.Status = models.StatusEscalated
		updated.CurrentStage = models.StageTerminal
		return &store.Delta{
			Update: &updated,
			Events: []store.EmittedEvent{
				{Event: event(env, models.EventPolicyEscalated, h.Role(), map[string]any{
					"reason":     "no playbook matched",
					"candidates": in.CandidatePlaybooks,
				})},
			},
		}, nil
	}

	pb := match.Playbook
	now := h.deps.now()
	progress := &models.PlaybookProgress{
		TenantID:        exc.TenantID,
		ExceptionID:     exc.ExceptionID,
		PlaybookID:      pb.PlaybookID,
		PlaybookVersion: pb.Version,
		TotalSteps:      pb.TotalSteps(),
		CurrentStep:     1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	steps := make([]models.StepProgress, 0, len(pb.Steps))
	for _, def := range pb.Steps {
		step := models.StepProgress{
			TenantID:      exc.TenantID,
			ExceptionID:   exc.ExceptionID,
			StepOrder:     def.StepOrder,
			Name:          def.Name,
			ActionType:    def.ActionType,
			FailurePolicy: def.FailurePolicy,
			MaxRetries:    def.MaxRetries,
			Status:        models.StepPending,
		}
		if toolID, ok := def.ToolID(); ok {
			step.ToolID = &toolID
		}
		steps = append(steps, step)
	}

	key := pb.Key()
	firstStep := 1
	updated := *exc
	updated.Status = models.StatusInProgress
	updated.CurrentStage = models.StageStep
	updated.CurrentPlaybookID = &key
	updated.CurrentStep = &firstStep

	matched, err := outbound(env, envelope.TopicPlaybookMatch, PlaybookMatchedPayload{
		PlaybookID:      pb.PlaybookID,
		PlaybookVersion: pb.Version,
		TotalSteps:      pb.TotalSteps(),
		Score:           match.Score,
	})
	if err != nil {
		return nil, err
	}
	stepReq, err := outbound(env, envelope.TopicStepRequested, StepRequestPayload{StepOrder: 1})
	if err != nil {
		return nil, err
	}

	return &store.Delta{
		Update:   &updated,
		Progress: progress,
		Steps:    steps,
		Events: []store.EmittedEvent{
			{
				Event: event(env, models.EventPlaybookMatched, h.Role(), PlaybookMatchedPayload{
					PlaybookID:      pb.PlaybookID,
					PlaybookVersion: pb.Version,
					TotalSteps:      pb.TotalSteps(),
					Score:           match.Score,
				}),
				Outbound: []*envelope.Envelope{matched, stepReq},
			},
		},
	}, nil
}
