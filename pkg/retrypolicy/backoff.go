// Package retrypolicy implements the platform's retry control flow:
// backoff computation from the declarative per-role policies, and the
// dispatcher that holds scheduled retries until their due time before
// republishing the original envelope.
package retrypolicy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opsgrid/remex/pkg/config"
	"github.com/opsgrid/remex/pkg/envelope"
)

// Delay computes the backoff before the next delivery, given the attempt
// number that just failed (1-based). The delay grows exponentially from
// the policy's base, is capped at its max, and carries uniform jitter of
// ±JitterFraction.
func Delay(p config.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseBackoff.Std(),
		RandomizationFactor: p.JitterFraction,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxBackoff.Std(),
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Request is the control.retry payload: the failed envelope, already
// stamped with its next attempt number, plus the time before which the
// dispatcher must not republish it.
type Request struct {
	NotBefore time.Time       `json:"not_before"`
	Role      string          `json:"role"`
	Reason    string          `json:"reason"`
	Envelope  json.RawMessage `json:"envelope"`
}

// Schedule wraps a transiently failed envelope into a control.retry
// envelope. The inner envelope's attempt counter is advanced here so the
// dispatcher republishes it verbatim.
func Schedule(p config.RetryPolicy, env *envelope.Envelope, role, reason string, now time.Time) (*envelope.Envelope, error) {
	next := env.WithAttempt(env.Attempt + 1)
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("scheduling retry for %s: %w", env.EventID, err)
	}
	req := Request{
		NotBefore: now.Add(Delay(p, env.Attempt)).Truncate(time.Millisecond),
		Role:      role,
		Reason:    reason,
		Envelope:  raw,
	}
	ctrl, err := envelope.New(envelope.TopicControlRetry, env.TenantID, env.ExceptionID, "retry/"+role, env.CorrelationID, req)
	if err != nil {
		return nil, fmt.Errorf("scheduling retry for %s: %w", env.EventID, err)
	}
	return ctrl, nil
}
