package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsgrid/remex/pkg/handlers"
)

// builtinExecutors are the finance-domain tools the built-in playbooks
// reference. They simulate the downstream systems: deterministic outputs
// derived from the input, with two escape hatches driven by the input
// itself ("fail" forces a business failure, "unreachable" an outage).
func builtinExecutors() map[string]Executor {
	return map[string]Executor{
		"settlement.verify":   settlementVerify,
		"settlement.resubmit": settlementResubmit,
		"settlement.confirm":  settlementConfirm,
		"position.snapshot":   positionSnapshot,
		"recon.compare":       reconCompare,
	}
}

type toolInput struct {
	Fail        bool   `json:"fail"`
	Unreachable bool   `json:"unreachable"`
	Reference   string `json:"reference"`
}

func decodeInput(input json.RawMessage) toolInput {
	var in toolInput
	if len(input) > 0 {
		_ = json.Unmarshal(input, &in)
	}
	return in
}

func simulated(ctx context.Context, input json.RawMessage, tool string) (toolInput, error) {
	if err := ctx.Err(); err != nil {
		return toolInput{}, err
	}
	in := decodeInput(input)
	if in.Unreachable {
		return in, fmt.Errorf("%s: connection refused: %w", tool, handlers.ErrToolUnavailable)
	}
	if in.Fail {
		return in, fmt.Errorf("%s: rejected by downstream", tool)
	}
	return in, nil
}

func result(fields map[string]any) (json.RawMessage, error) {
	fields["completed_at"] = time.Now().UTC().Format(time.RFC3339)
	return json.Marshal(fields)
}

func settlementVerify(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	in, err := simulated(ctx, input, "settlement.verify")
	if err != nil {
		return nil, err
	}
	return result(map[string]any{
		"verified":  true,
		"reference": in.Reference,
	})
}

func settlementResubmit(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	in, err := simulated(ctx, input, "settlement.resubmit")
	if err != nil {
		return nil, err
	}
	return result(map[string]any{
		"resubmitted": true,
		"reference":   in.Reference,
	})
}

func settlementConfirm(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	in, err := simulated(ctx, input, "settlement.confirm")
	if err != nil {
		return nil, err
	}
	return result(map[string]any{
		"confirmed": true,
		"reference": in.Reference,
	})
}

func positionSnapshot(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	_, err := simulated(ctx, input, "position.snapshot")
	if err != nil {
		return nil, err
	}
	return result(map[string]any{
		"snapshot_taken": true,
	})
}

func reconCompare(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	_, err := simulated(ctx, input, "recon.compare")
	if err != nil {
		return nil, err
	}
	return result(map[string]any{
		"differences": []any{},
		"matched":     true,
	})
}
