package config

import (
	"fmt"
)

// Validator checks a loaded configuration, fail-fast with field-level
// error messages. Rule condition syntax is checked by the policy engine
// at startup, not here.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates worker settings, broker settings, retry
// policies, and every loaded pack.
func (v *Validator) ValidateAll() error {
	if err := v.validateWorker(); err != nil {
		return fmt.Errorf("worker validation failed: %w", err)
	}
	if err := v.validateBroker(); err != nil {
		return fmt.Errorf("broker validation failed: %w", err)
	}
	if err := v.validateRetry(); err != nil {
		return fmt.Errorf("retry validation failed: %w", err)
	}
	if err := v.validatePacks(); err != nil {
		return fmt.Errorf("pack validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateWorker() error {
	w := v.cfg.Worker
	if w.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", w.Concurrency)
	}
	if w.HandlerDeadline <= 0 {
		return fmt.Errorf("handler_deadline must be positive, got %s", w.HandlerDeadline)
	}
	if w.CASRetries < 0 {
		return fmt.Errorf("cas_retries must not be negative, got %d", w.CASRetries)
	}
	if w.SLATick <= 0 {
		return fmt.Errorf("sla_tick must be positive, got %s", w.SLATick)
	}
	return nil
}

func (v *Validator) validateBroker() error {
	b := v.cfg.Broker
	switch b.Kind {
	case "postgres":
		if b.Partitions < 1 {
			return fmt.Errorf("partitions must be at least 1, got %d", b.Partitions)
		}
		if b.Lease <= 0 {
			return fmt.Errorf("lease must be positive, got %s", b.Lease)
		}
	case "kafka":
		if len(b.Bootstrap) == 0 {
			return fmt.Errorf("kafka broker requires at least one bootstrap address")
		}
	default:
		return fmt.Errorf("unknown broker kind %q (want postgres or kafka)", b.Kind)
	}
	return nil
}

func (v *Validator) validateRetry() error {
	for role, p := range v.cfg.Retry {
		if p.MaxAttempts < 1 {
			return fmt.Errorf("retry policy %q: max_attempts must be at least 1, got %d", role, p.MaxAttempts)
		}
		if p.BaseBackoff <= 0 {
			return fmt.Errorf("retry policy %q: base_backoff must be positive, got %s", role, p.BaseBackoff)
		}
		if p.Multiplier < 1 {
			return fmt.Errorf("retry policy %q: multiplier must be at least 1, got %g", role, p.Multiplier)
		}
		if p.MaxBackoff < p.BaseBackoff {
			return fmt.Errorf("retry policy %q: max_backoff %s is below base_backoff %s", role, p.MaxBackoff, p.BaseBackoff)
		}
		if p.JitterFraction < 0 || p.JitterFraction >= 1 {
			return fmt.Errorf("retry policy %q: jitter_fraction must be in [0, 1), got %g", role, p.JitterFraction)
		}
	}
	return nil
}

func (v *Validator) validatePacks() error {
	reg := v.cfg.Registry
	reg.mu.RLock()
	set := reg.set
	reg.mu.RUnlock()

	for domain, dp := range set.domainPacks {
		if len(dp.ExceptionTypes) == 0 {
			return fmt.Errorf("domain pack %q declares no exception types", domain)
		}
		for typ, def := range dp.ExceptionTypes {
			if len(def.Schema) == 0 {
				return fmt.Errorf("domain pack %q: exception type %q has no schema", domain, typ)
			}
			if def.DefaultSeverity != "" && !def.DefaultSeverity.Valid() {
				return fmt.Errorf("domain pack %q: exception type %q: invalid default severity %q", domain, typ, def.DefaultSeverity)
			}
		}
	}

	for tenant, byDomain := range set.policyPacks {
		for domain, pp := range byDomain {
			if _, ok := set.domainPacks[domain]; !ok {
				return fmt.Errorf("policy pack %s/%s references unknown domain", tenant, domain)
			}
			if err := v.validatePolicyPack(set, tenant, pp); err != nil {
				return err
			}
		}
	}

	for key, pb := range set.playbooks {
		if err := validatePlaybook(key, pb); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validatePolicyPack(set *packSet, tenant string, pp *PolicyPack) error {
	where := fmt.Sprintf("policy pack %s/%s", tenant, pp.Domain)
	if len(pp.SLATable) == 0 {
		return fmt.Errorf("%s: SLA table is empty", where)
	}
	if pp.ImminentWindow <= 0 {
		return fmt.Errorf("%s: imminent_window must be positive, got %s", where, pp.ImminentWindow)
	}
	if pp.SLAResolution <= 0 {
		return fmt.Errorf("%s: sla_resolution must be positive, got %s", where, pp.SLAResolution)
	}
	if v.cfg.Worker.SLATick > pp.SLAResolution {
		return fmt.Errorf("%s: sla_resolution %s is finer than worker sla_tick %s", where, pp.SLAResolution, v.cfg.Worker.SLATick)
	}
	for i, rule := range pp.Rules {
		if rule.Name == "" {
			return fmt.Errorf("%s: rule %d has no name", where, i)
		}
		if rule.Condition == "" {
			return fmt.Errorf("%s: rule %q has no condition", where, rule.Name)
		}
		if rule.Effect.Severity != "" && !rule.Effect.Severity.Valid() {
			return fmt.Errorf("%s: rule %q: invalid severity %q", where, rule.Name, rule.Effect.Severity)
		}
		for _, key := range rule.Effect.CandidatePlaybooks {
			if _, ok := set.playbooks[key]; !ok {
				return fmt.Errorf("%s: rule %q references unknown playbook %q", where, rule.Name, key)
			}
		}
	}
	for _, e := range pp.SLATable {
		if e.Duration <= 0 {
			return fmt.Errorf("%s: SLA entry (%s, %s) has non-positive duration", where, e.ExceptionType, e.Severity)
		}
	}
	return nil
}

func validatePlaybook(key string, pb *Playbook) error {
	if pb.PlaybookID == "" {
		return fmt.Errorf("playbook %q has no playbook_id", key)
	}
	if pb.Version < 1 {
		return fmt.Errorf("playbook %q: version must be at least 1, got %d", key, pb.Version)
	}
	if len(pb.Steps) == 0 {
		return fmt.Errorf("playbook %q declares no steps", key)
	}
	for i, step := range pb.Steps {
		if step.StepOrder != i+1 {
			return fmt.Errorf("playbook %q: step %d has order %d, steps must be contiguous from 1", key, i, step.StepOrder)
		}
		switch step.ActionType {
		case "tool":
			if _, ok := step.ToolID(); !ok {
				return fmt.Errorf("playbook %q: tool step %d has no action_config.tool_id", key, step.StepOrder)
			}
		case "human", "decision":
		default:
			return fmt.Errorf("playbook %q: step %d has invalid action_type %q", key, step.StepOrder, step.ActionType)
		}
		switch step.FailurePolicy {
		case "retry", "skip", "escalate":
		default:
			return fmt.Errorf("playbook %q: step %d has invalid failure_policy %q", key, step.StepOrder, step.FailurePolicy)
		}
		if step.MaxRetries < 0 {
			return fmt.Errorf("playbook %q: step %d: max_retries must not be negative", key, step.StepOrder)
		}
	}
	return nil
}
