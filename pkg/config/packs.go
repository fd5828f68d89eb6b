package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/opsgrid/remex/pkg/models"
)

// DomainPack declares, for one business domain, the set of known
// exception types with their payload schemas and intake defaults. Packs
// are immutable once loaded; a change requires a new version.
type DomainPack struct {
	Domain  string `yaml:"domain" json:"domain"`
	Version int    `yaml:"version" json:"version"`

	// ExceptionTypes maps canonical exception_type to its declaration.
	ExceptionTypes map[string]*ExceptionTypeDef `yaml:"exception_types" json:"exception_types"`
}

// ExceptionTypeDef declares one exception type within a domain pack.
type ExceptionTypeDef struct {
	// Schema is a JSON Schema document the raw payload must satisfy.
	Schema map[string]any `yaml:"schema" json:"schema"`

	// DefaultSeverity is the intake severity before policy runs.
	DefaultSeverity models.Severity `yaml:"default_severity" json:"default_severity"`

	// Features names the normalized fields triage extracts, mapped to
	// their path in the payload (dot-separated).
	Features map[string]string `yaml:"features" json:"features"`

	compiled *jsonschema.Schema
}

// Compile compiles every exception type's schema. Called once at load
// time; Validate panics on an uncompiled pack.
func (p *DomainPack) Compile() error {
	for typ, def := range p.ExceptionTypes {
		raw, err := json.Marshal(def.Schema)
		if err != nil {
			return fmt.Errorf("domain pack %s: marshaling schema for %q: %w", p.Domain, typ, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("domain pack %s: parsing schema for %q: %w", p.Domain, typ, err)
		}
		compiler := jsonschema.NewCompiler()
		url := fmt.Sprintf("remex://packs/%s/%d/%s.json", p.Domain, p.Version, typ)
		if err := compiler.AddResource(url, doc); err != nil {
			return fmt.Errorf("domain pack %s: adding schema for %q: %w", p.Domain, typ, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("domain pack %s: compiling schema for %q: %w", p.Domain, typ, err)
		}
		def.compiled = compiled
	}
	return nil
}

// Validate checks a raw payload against the schema for exception_type.
// A nil return means the payload conforms.
func (p *DomainPack) Validate(exceptionType string, payload map[string]any) error {
	def, ok := p.ExceptionTypes[exceptionType]
	if !ok {
		return fmt.Errorf("unknown exception_type %q in domain %s", exceptionType, p.Domain)
	}
	if def.compiled == nil {
		panic(fmt.Sprintf("domain pack %s not compiled", p.Domain))
	}
	if err := def.compiled.Validate(normalizeForSchema(payload)); err != nil {
		return fmt.Errorf("payload does not satisfy schema for %q: %w", exceptionType, err)
	}
	return nil
}

// normalizeForSchema round-trips through encoding/json so numbers become
// the json.Number-free float64 form the validator expects regardless of
// how the payload was decoded upstream.
func normalizeForSchema(payload map[string]any) any {
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return payload
	}
	return v
}

// PolicyPack declares a tenant's rules, SLA table, and playbook ranking
// for one domain.
type PolicyPack struct {
	TenantID string `yaml:"tenant_id" json:"tenant_id"`
	Domain   string `yaml:"domain" json:"domain"`
	Version  int    `yaml:"version" json:"version"`

	// Rules run in declared order; evaluation short-circuits on the
	// first rule whose effect escalates.
	Rules []PolicyRule `yaml:"rules" json:"rules"`

	// SLATable assigns deadlines by (exception_type, severity).
	SLATable []SLAEntry `yaml:"sla_table" json:"sla_table"`

	// Ranking selects one playbook among candidates.
	Ranking RankingConfig `yaml:"ranking" json:"ranking"`

	// ImminentWindow is how far ahead of a deadline sla.imminent fires.
	ImminentWindow Duration `yaml:"imminent_window" json:"imminent_window"`

	// SLAResolution is the coarsest acceptable monitor tick.
	SLAResolution Duration `yaml:"sla_resolution" json:"sla_resolution"`
}

// PolicyRule pairs a boolean condition over normalized fields with a
// declarative effect. Conditions are parsed and evaluated by the policy
// engine; this package only carries the text.
type PolicyRule struct {
	Name      string     `yaml:"name" json:"name"`
	Condition string     `yaml:"condition" json:"condition"`
	Effect    RuleEffect `yaml:"effect" json:"effect"`
}

// RuleEffect is the only way a rule mutates the policy outcome.
type RuleEffect struct {
	Severity           models.Severity `yaml:"severity,omitempty" json:"severity,omitempty"`
	RequiredApprovals  int             `yaml:"required_approvals,omitempty" json:"required_approvals,omitempty"`
	Escalate           bool            `yaml:"escalate,omitempty" json:"escalate,omitempty"`
	CandidatePlaybooks []string        `yaml:"candidate_playbooks,omitempty" json:"candidate_playbooks,omitempty"`
}

// SLAEntry is one row of the SLA table. An empty ExceptionType or
// Severity acts as a wildcard; specific rows win over wildcards.
type SLAEntry struct {
	ExceptionType string          `yaml:"exception_type,omitempty" json:"exception_type,omitempty"`
	Severity      models.Severity `yaml:"severity,omitempty" json:"severity,omitempty"`
	Duration      Duration        `yaml:"duration" json:"duration"`
}

// SLAFor resolves the deadline duration for (exceptionType, severity).
// Most-specific row wins; returns false when no row matches.
func (p *PolicyPack) SLAFor(exceptionType string, severity models.Severity) (time.Duration, bool) {
	best := -1
	var bestDur time.Duration
	for _, e := range p.SLATable {
		if e.ExceptionType != "" && e.ExceptionType != exceptionType {
			continue
		}
		if e.Severity != "" && e.Severity != severity {
			continue
		}
		score := 0
		if e.ExceptionType != "" {
			score += 2
		}
		if e.Severity != "" {
			score++
		}
		if score > best {
			best = score
			bestDur = e.Duration.Std()
		}
	}
	return bestDur, best >= 0
}

// RankingConfig declares the playbook scoring weights and the minimum
// score a candidate must reach to be matched at all.
type RankingConfig struct {
	// Weights maps feature names to their contribution when the
	// playbook's tag set contains the exception's feature value.
	Weights map[string]float64 `yaml:"weights" json:"weights"`

	// BaseScore is granted to every declared candidate.
	BaseScore float64 `yaml:"base_score" json:"base_score"`

	// Threshold below which no playbook is matched and the exception
	// escalates instead.
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// Playbook is an immutable, versioned remediation procedure. Edits
// require a new version; playbook_id+version is the identity.
type Playbook struct {
	PlaybookID string `yaml:"playbook_id" json:"playbook_id"`
	Version    int    `yaml:"version" json:"version"`
	Name       string `yaml:"name" json:"name"`

	// Tags are matched against exception features during ranking.
	Tags map[string]string `yaml:"tags" json:"tags"`

	Steps []PlaybookStep `yaml:"steps" json:"steps"`
}

// Key returns the catalog identity, e.g. "PB_SETTLE_v3".
func (p *Playbook) Key() string {
	return fmt.Sprintf("%s_v%d", p.PlaybookID, p.Version)
}

// TotalSteps returns the number of declared steps.
func (p *Playbook) TotalSteps() int { return len(p.Steps) }

// Step returns the step with the given 1-based order.
func (p *Playbook) Step(order int) (*PlaybookStep, bool) {
	for i := range p.Steps {
		if p.Steps[i].StepOrder == order {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// PlaybookStep is one declared action.
type PlaybookStep struct {
	StepOrder     int                  `yaml:"step_order" json:"step_order"`
	Name          string               `yaml:"name" json:"name"`
	ActionType    models.ActionType    `yaml:"action_type" json:"action_type"`
	ActionConfig  map[string]any       `yaml:"action_config,omitempty" json:"action_config,omitempty"`
	FailurePolicy models.FailurePolicy `yaml:"failure_policy" json:"failure_policy"`
	MaxRetries    int                  `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// ToolID returns the tool this step invokes, if action_type is tool.
func (s *PlaybookStep) ToolID() (string, bool) {
	if s.ActionType != models.ActionTool {
		return "", false
	}
	id, _ := s.ActionConfig["tool_id"].(string)
	return id, id != ""
}

// Snapshot is an immutable resolved document set for one (tenant,
// domain). Handlers resolve a snapshot once per invocation and hold it
// for the duration; re-resolution mid-handler is a bug.
type Snapshot struct {
	ID       string
	TenantID string
	Domain   string

	DomainPack *DomainPack
	PolicyPack *PolicyPack

	// Catalog maps Playbook.Key() to the playbook.
	Catalog map[string]*Playbook
}

// PlaybookByKey resolves a catalog entry, e.g. "PB_SETTLE_v3".
func (s *Snapshot) PlaybookByKey(key string) (*Playbook, bool) {
	pb, ok := s.Catalog[key]
	return pb, ok
}

// CatalogKeys returns the catalog keys in sorted order.
func (s *Snapshot) CatalogKeys() []string {
	keys := make([]string, 0, len(s.Catalog))
	for k := range s.Catalog {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
