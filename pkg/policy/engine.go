package policy

import (
	"fmt"
	"sync"

	"github.com/opsgrid/remex/pkg/config"
	"github.com/opsgrid/remex/pkg/models"
)

// Outcome is the result of evaluating a policy pack against one
// exception. Same fields and same pack always produce the same outcome.
type Outcome struct {
	// Severity after any rule overrides.
	Severity models.Severity

	// SeverityOverridden reports whether a rule changed the severity.
	SeverityOverridden bool

	// RequiredApprovals is the maximum any matched rule demanded.
	RequiredApprovals int

	// Escalate short-circuits the pipeline: no playbook is matched.
	Escalate bool

	// EscalatedBy names the rule that triggered escalation.
	EscalatedBy string

	// CandidatePlaybooks are catalog keys in first-mention order.
	CandidatePlaybooks []string

	// MatchedRules lists every rule whose condition held, in order.
	MatchedRules []string
}

// Engine evaluates policy packs. Parsed conditions are cached by source
// text, so repeated evaluation of the same pack parses each rule once.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*Expr
}

// NewEngine creates an engine with an empty parse cache.
func NewEngine() *Engine {
	return &Engine{cache: make(map[string]*Expr)}
}

// Evaluate runs the pack's rules in declared order against the field
// map. Effects accumulate; evaluation stops at the first rule that
// escalates. A condition that fails to parse is an error; the caller
// classifies it as permanent.
func (e *Engine) Evaluate(pack *config.PolicyPack, severity models.Severity, fields map[string]any) (*Outcome, error) {
	out := &Outcome{Severity: severity}
	seen := make(map[string]bool)

	for _, rule := range pack.Rules {
		expr, err := e.compile(rule.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		if !expr.Eval(fields) {
			continue
		}
		out.MatchedRules = append(out.MatchedRules, rule.Name)

		if rule.Effect.Severity != "" && rule.Effect.Severity != out.Severity {
			out.Severity = rule.Effect.Severity
			out.SeverityOverridden = true
		}
		if rule.Effect.RequiredApprovals > out.RequiredApprovals {
			out.RequiredApprovals = rule.Effect.RequiredApprovals
		}
		for _, key := range rule.Effect.CandidatePlaybooks {
			if !seen[key] {
				seen[key] = true
				out.CandidatePlaybooks = append(out.CandidatePlaybooks, key)
			}
		}
		if rule.Effect.Escalate {
			out.Escalate = true
			out.EscalatedBy = rule.Name
			break
		}
	}
	return out, nil
}

func (e *Engine) compile(condition string) (*Expr, error) {
	e.mu.RLock()
	expr, ok := e.cache[condition]
	e.mu.RUnlock()
	if ok {
		return expr, nil
	}

	expr, err := Parse(condition)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[condition] = expr
	e.mu.Unlock()
	return expr, nil
}

// ValidatePack parses every rule condition in the pack. Called at
// startup so malformed conditions fail the process instead of the first
// exception that hits them.
func (e *Engine) ValidatePack(pack *config.PolicyPack) error {
	for _, rule := range pack.Rules {
		if _, err := e.compile(rule.Condition); err != nil {
			return fmt.Errorf("policy pack %s/%s: rule %q: %w", pack.TenantID, pack.Domain, rule.Name, err)
		}
	}
	return nil
}
