package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opsgrid/remex/pkg/config"
	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/store"
)

// Step drives playbook step progression: it starts requested steps,
// reacts to tool results with the step's declared failure policy, and
// accepts external completions for human and decision steps.
type Step struct {
	deps *Deps
}

func (h *Step) Role() string { return envelope.RoleStep }

func (h *Step) Handle(ctx context.Context, env *envelope.Envelope, st *State) (*store.Delta, error) {
	exc, err := requireLive(st)
	if err != nil {
		return nil, err
	}
	if st.Progress == nil {
		return nil, Stale("no playbook in progress")
	}

	switch env.EventType {
	case envelope.TopicStepRequested:
		var in StepRequestPayload
		if err := decodePayload(env, &in); err != nil {
			return nil, err
		}
		return h.startStep(env, exc, st, in.StepOrder)
	case envelope.TopicToolCompleted:
		var in ToolResultPayload
		if err := decodePayload(env, &in); err != nil {
			return nil, err
		}
		return h.onToolResult(env, exc, st, &in)
	case envelope.TopicStepCompleted:
		var in StepCompletionPayload
		if err := decodePayload(env, &in); err != nil {
			return nil, err
		}
		return h.onExternalCompletion(env, exc, st, &in)
	}
	return nil, Permanentf(ReasonInvariantBreach, "step role cannot handle %s", env.EventType)
}

// playbookFor resolves the immutable playbook definition the progress
// record points at.
func (h *Step) playbookFor(exc *models.Exception, progress *models.PlaybookProgress) (*config.Playbook, error) {
	snap, err := h.deps.snapshot(exc.TenantID, exc.Domain)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s_v%d", progress.PlaybookID, progress.PlaybookVersion)
	pb, ok := snap.PlaybookByKey(key)
	if !ok {
		return nil, Permanentf(ReasonConfigMissing, "playbook %s not in catalog", key)
	}
	return pb, nil
}

// startStep marks the step in progress and, for tool steps, requests the
// tool invocation. Human and decision steps wait for an external
// step.completed acknowledgement.
func (h *Step) startStep(env *envelope.Envelope, exc *models.Exception, st *State, order int) (*store.Delta, error) {
	progress := st.Progress
	if order < progress.CurrentStep {
		return &store.Delta{}, nil
	}
	if order > progress.CurrentStep {
		return nil, Permanentf(ReasonInvariantBreach,
			"step %d requested but current step is %d", order, progress.CurrentStep)
	}
	step := st.Step(order)
	if step == nil {
		return nil, Permanentf(ReasonInvariantBreach, "no progress record for step %d", order)
	}
	if step.Status.Done() || step.Status == models.StepFailed {
		return &store.Delta{}, nil
	}

	pb, err := h.playbookFor(exc, progress)
	if err != nil {
		return nil, err
	}
	def, ok := pb.Step(order)
	if !ok {
		return nil, Permanentf(ReasonConfigMissing, "playbook %s has no step %d", pb.Key(), order)
	}

	now := h.deps.now()
	updatedStep := *step
	updatedStep.Status = models.StepInProgress
	if updatedStep.StartedAt == nil {
		updatedStep.StartedAt = &now
	}

	delta := &store.Delta{
		Events: []store.EmittedEvent{
			{Event: event(env, models.EventStepRequested, stepProducer(h.Role(), order), StepRequestPayload{StepOrder: order})},
		},
	}

	if def.ActionType == models.ActionTool {
		toolID, _ := def.ToolID()
		updatedStep.Attempts = step.Attempts + 1
		req, err := h.toolRequest(env, exc, def, toolID, order, updatedStep.Attempts)
		if err != nil {
			return nil, err
		}
		ev := event(env, models.EventToolRequested, stepProducer(h.Role(), order), req.payload)
		ev.Attempt = updatedStep.Attempts
		delta.Events = append(delta.Events, store.EmittedEvent{
			Event:    ev,
			Outbound: []*envelope.Envelope{req.envelope},
		})
	}

	delta.Steps = []models.StepProgress{updatedStep}
	return delta, nil
}

type toolRequest struct {
	payload  ToolRequestPayload
	envelope *envelope.Envelope
}

func (h *Step) toolRequest(env *envelope.Envelope, exc *models.Exception, def *config.PlaybookStep, toolID string, order, attempt int) (*toolRequest, error) {
	input, err := json.Marshal(def.ActionConfig)
	if err != nil {
		return nil, Permanent(ReasonInvariantBreach, err)
	}
	payload := ToolRequestPayload{
		StepOrder:      order,
		ToolID:         toolID,
		IdempotencyKey: models.ToolIdempotencyKey(exc.ExceptionID, order, toolID, attempt),
		Input:          input,
	}
	out, err := outbound(env, envelope.TopicToolRequested, payload)
	if err != nil {
		return nil, err
	}
	return &toolRequest{payload: payload, envelope: out.WithAttempt(attempt)}, nil
}

// onToolResult applies a tool outcome to the current step.
func (h *Step) onToolResult(env *envelope.Envelope, exc *models.Exception, st *State, in *ToolResultPayload) (*store.Delta, error) {
	step := st.Step(in.StepOrder)
	if step == nil {
		return nil, Permanentf(ReasonInvariantBreach, "no progress record for step %d", in.StepOrder)
	}
	if step.Status.Done() || step.Status == models.StepFailed {
		return &store.Delta{}, nil
	}

	if in.Status == models.ToolSucceeded {
		return h.advance(env, exc, st, in.StepOrder, models.StepCompleted, nil)
	}
	return h.applyFailurePolicy(env, exc, st, step, in)
}

// onExternalCompletion applies an operator or external-system step
// acknowledgement.
func (h *Step) onExternalCompletion(env *envelope.Envelope, exc *models.Exception, st *State, in *StepCompletionPayload) (*store.Delta, error) {
	step := st.Step(in.StepOrder)
	if step == nil {
		return nil, Permanentf(ReasonInvariantBreach, "no progress record for step %d", in.StepOrder)
	}
	if in.StepOrder != st.Progress.CurrentStep {
		return nil, Stale("step %d acknowledged but current step is %d", in.StepOrder, st.Progress.CurrentStep)
	}
	if step.Status.Done() || step.Status == models.StepFailed {
		return &store.Delta{}, nil
	}

	switch in.Status {
	case models.StepCompleted:
		return h.advance(env, exc, st, in.StepOrder, models.StepCompleted, in.Notes)
	case models.StepSkipped:
		return h.advance(env, exc, st, in.StepOrder, models.StepSkipped, in.Notes)
	case models.StepFailed:
		fail := &ToolResultPayload{StepOrder: in.StepOrder, Status: models.ToolFailed}
		return h.applyFailurePolicy(env, exc, st, step, fail)
	}
	return nil, Permanentf(ReasonSchemaRejected, "invalid step completion status %q", in.Status)
}

// advance closes the step and moves the playbook forward: the next step
// is requested, or the playbook completes and the exception resolves.
func (h *Step) advance(env *envelope.Envelope, exc *models.Exception, st *State, order int, status models.StepStatus, notes *string) (*store.Delta, error) {
	now := h.deps.now()
	step := *st.Step(order)
	step.Status = status
	step.CompletedAt = &now
	if notes != nil {
		step.Notes = notes
	}

	eventType := models.EventStepCompleted
	if status == models.StepSkipped {
		eventType = models.EventStepSkipped
	}
	stepEvent := store.EmittedEvent{
		Event: event(env, eventType, stepProducer(h.Role(), order), StepCompletionPayload{
			StepOrder: order,
			Status:    status,
			Notes:     notes,
		}),
	}

	progress := *st.Progress
	updated := *exc

	if order < progress.TotalSteps {
		next := order + 1
		progress.CurrentStep = next
		progress.UpdatedAt = now
		updated.CurrentStep = &next

		nextReq, err := outbound(env, envelope.TopicStepRequested, StepRequestPayload{StepOrder: next})
		if err != nil {
			return nil, err
		}
		stepEvent.Outbound = []*envelope.Envelope{nextReq}
		return &store.Delta{
			Update:   &updated,
			Progress: &progress,
			Steps:    []models.StepProgress{step},
			Events:   []store.EmittedEvent{stepEvent},
		}, nil
	}

	// Last step done: the playbook is complete and the exception resolves.
	progress.UpdatedAt = now
	updated.Status = models.StatusResolved
	updated.CurrentStage = models.StageFeedback
	updated.ResolvedAt = &now
	return &store.Delta{
		Update:   &updated,
		Progress: &progress,
		Steps:    []models.StepProgress{step},
		Events: []store.EmittedEvent{
			stepEvent,
			{Event: event(env, models.EventPlaybookCompleted, h.Role(), map[string]any{
				"playbook_id": progress.PlaybookID,
				"version":     progress.PlaybookVersion,
				"total_steps": progress.TotalSteps,
			})},
		},
	}, nil
}

// applyFailurePolicy reacts to a failed tool invocation or a failed
// external acknowledgement with the step's declared policy.
func (h *Step) applyFailurePolicy(env *envelope.Envelope, exc *models.Exception, st *State, step *models.StepProgress, in *ToolResultPayload) (*store.Delta, error) {
	switch step.FailurePolicy {
	case models.FailureSkip:
		return h.advance(env, exc, st, step.StepOrder, models.StepSkipped, in.Error)

	case models.FailureRetry:
		if step.Attempts <= step.MaxRetries {
			return h.retryTool(env, exc, st, step, in)
		}
		return h.escalateStep(env, exc, step, ReasonRetriesExhausted, in.Error)

	default: // escalate
		return h.escalateStep(env, exc, step, "ToolFailed", in.Error)
	}
}

// retryTool records the failed attempt on the timeline and re-requests
// the tool with the next attempt number.
func (h *Step) retryTool(env *envelope.Envelope, exc *models.Exception, st *State, step *models.StepProgress, in *ToolResultPayload) (*store.Delta, error) {
	pb, err := h.playbookFor(exc, st.Progress)
	if err != nil {
		return nil, err
	}
	def, ok := pb.Step(step.StepOrder)
	if !ok {
		return nil, Permanentf(ReasonConfigMissing, "playbook %s has no step %d", pb.Key(), step.StepOrder)
	}
	toolID, ok := def.ToolID()
	if !ok {
		// Retry of a non-tool step has nothing to re-run; escalate instead.
		return h.escalateStep(env, exc, step, ReasonInvariantBreach, nil)
	}

	failure := map[string]any{
		"kind":       ClassTransient.String(),
		"step_order": step.StepOrder,
		"attempt":    step.Attempts,
		"tool_id":    toolID,
	}
	if in != nil && in.Error != nil {
		failure["message"] = *in.Error
	}
	failed := event(env, models.EventProcessingError, stepProducer(h.Role(), step.StepOrder), failure)
	failed.Attempt = step.Attempts

	updatedStep := *step
	updatedStep.Attempts = step.Attempts + 1
	req, err := h.toolRequest(env, exc, def, toolID, step.StepOrder, updatedStep.Attempts)
	if err != nil {
		return nil, err
	}
	ev := event(env, models.EventToolRequested, stepProducer(h.Role(), step.StepOrder), req.payload)
	ev.Attempt = updatedStep.Attempts
	return &store.Delta{
		Steps: []models.StepProgress{updatedStep},
		Events: []store.EmittedEvent{
			{Event: failed},
			{Event: ev, Outbound: []*envelope.Envelope{req.envelope}},
		},
	}, nil
}

// escalateStep marks the step failed and hands the exception to a human.
func (h *Step) escalateStep(env *envelope.Envelope, exc *models.Exception, step *models.StepProgress, reason string, detail *string) (*store.Delta, error) {
	now := h.deps.now()
	updatedStep := *step
	updatedStep.Status = models.StepFailed
	updatedStep.CompletedAt = &now
	if detail != nil {
		updatedStep.Notes = detail
	}

	updated := *exc
	updated.Status = models.StatusEscalated
	updated.CurrentStage = models.StageTerminal

	payload := map[string]any{
		"kind":       ClassPermanent.String(),
		"step_order": step.StepOrder,
		"reason":     reason,
	}
	if detail != nil {
		payload["message"] = *detail
	}
	return &store.Delta{
		Update: &updated,
		Steps:  []models.StepProgress{updatedStep},
		Events: []store.EmittedEvent{
			{Event: event(env, models.EventProcessingError, stepProducer(h.Role(), step.StepOrder), payload)},
		},
	}, nil
}
