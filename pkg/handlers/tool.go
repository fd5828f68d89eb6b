package handlers

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/opsgrid/remex/pkg/envelope"
	"github.com/opsgrid/remex/pkg/models"
	"github.com/opsgrid/remex/pkg/store"
)

// ErrToolUnavailable marks a tool invocation that could not reach the
// tool at all (circuit open, transport down). The delivery is retried
// rather than counted as a failed execution.
var ErrToolUnavailable = errors.New("tool unavailable")

// Tool executes requested tool invocations. Executions are idempotent
// per declared key: a redelivered request for an execution that already
// finished commits nothing new.
type Tool struct {
	deps *Deps
}

func (h *Tool) Role() string { return envelope.RoleTool }

func (h *Tool) Handle(ctx context.Context, env *envelope.Envelope, st *State) (*store.Delta, error) {
	exc, err := requireLive(st)
	if err != nil {
		return nil, err
	}

	var in ToolRequestPayload
	if err := decodePayload(env, &in); err != nil {
		return nil, err
	}
	if in.ToolID == "" || in.IdempotencyKey == "" {
		return nil, Permanentf(ReasonSchemaRejected, "tool request missing tool_id or idempotency_key")
	}

	if existing := st.ToolExecution(in.IdempotencyKey); existing != nil && existing.Status.Terminal() {
		// The result event was committed atomically with this row.
		return &store.Delta{}, nil
	}

	now := h.deps.now()
	exec := models.ToolExecution{
		ExecutionID:     uuid.NewString(),
		TenantID:        exc.TenantID,
		ExceptionID:     exc.ExceptionID,
		StepOrder:       in.StepOrder,
		ToolID:          in.ToolID,
		IdempotencyKey:  in.IdempotencyKey,
		RequestedByType: models.ActorAgent,
		InputPayload:    in.Input,
		CreatedAt:       now,
	}

	output, err := h.deps.Tools.Execute(ctx, in.ToolID, in.Input)
	completed := h.deps.now()
	exec.CompletedAt = &completed
	switch {
	case errors.Is(err, ErrToolUnavailable):
		return nil, err
	case err != nil:
		msg := err.Error()
		exec.Status = models.ToolFailed
		exec.ErrorMessage = &msg
	default:
		exec.Status = models.ToolSucceeded
		exec.OutputPayload = output
	}

	result := ToolResultPayload{
		StepOrder:   in.StepOrder,
		ToolID:      in.ToolID,
		ExecutionID: exec.ExecutionID,
		Status:      exec.Status,
		Output:      exec.OutputPayload,
		Error:       exec.ErrorMessage,
	}
	out, err := outbound(env, envelope.TopicToolCompleted, result)
	if err != nil {
		return nil, err
	}

	ev := event(env, models.EventToolCompleted, stepProducer(h.Role(), in.StepOrder), result)
	ev.Attempt = env.Attempt
	return &store.Delta{
		ToolExecutions: []models.ToolExecution{exec},
		Events: []store.EmittedEvent{
			{Event: ev, Outbound: []*envelope.Envelope{out.WithAttempt(env.Attempt)}},
		},
	}, nil
}
