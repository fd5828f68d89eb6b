// Package tools implements the tool execution layer: a registry of named
// executors fronted by per-tool circuit breakers. An open breaker reports
// the tool as unavailable, which the pipeline retries with backoff
// instead of treating as a business failure.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opsgrid/remex/pkg/handlers"
)

// Executor runs one tool invocation.
type Executor func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Registry maps tool ids to executors and implements handlers.ToolRunner.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewRegistry builds a registry preloaded with the built-in executors.
func NewRegistry() *Registry {
	r := &Registry{
		executors: make(map[string]Executor),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	for id, fn := range builtinExecutors() {
		r.Register(id, fn)
	}
	return r
}

// Register adds or replaces an executor, resetting its breaker.
func (r *Registry) Register(toolID string, fn Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[toolID] = fn
	r.breakers[toolID] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        toolID,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("tool breaker state changed", "tool_id", name,
				"from", from.String(), "to", to.String())
		},
	})
}

// Execute runs the tool through its breaker. Unknown tools are a
// permanent configuration failure; an open breaker surfaces as
// handlers.ErrToolUnavailable so the invocation is retried later.
func (r *Registry) Execute(ctx context.Context, toolID string, input json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	fn, ok := r.executors[toolID]
	cb := r.breakers[toolID]
	r.mu.RUnlock()
	if !ok {
		return nil, handlers.Permanentf(handlers.ReasonConfigMissing, "tool %q is not registered", toolID)
	}

	out, err := cb.Execute(func() (any, error) {
		res, err := fn(ctx, input)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("tool %s: %w", toolID, handlers.ErrToolUnavailable)
	}
	if err != nil {
		return nil, err
	}
	raw, _ := out.(json.RawMessage)
	return raw, nil
}
