package handlers

import (
	"encoding/json"
	"time"

	"github.com/opsgrid/remex/pkg/models"
)

// IngestPayload rides exceptions.ingested.
type IngestPayload struct {
	SourceSystem string          `json:"source_system"`
	Domain       string          `json:"domain"`
	RawPayload   json.RawMessage `json:"raw_payload"`
}

// NormalizedPayload rides exceptions.normalized.
type NormalizedPayload struct {
	ExceptionType string          `json:"exception_type"`
	Severity      models.Severity `json:"severity"`
}

// TriagePayload rides triage.completed.
type TriagePayload struct {
	Features    map[string]any `json:"features"`
	SLADeadline *time.Time     `json:"sla_deadline,omitempty"`
}

// PolicyRequestPayload rides policy.requested: operator approvals and
// forced re-evaluation.
type PolicyRequestPayload struct {
	Approved bool    `json:"approved,omitempty"`
	ActorID  *string `json:"actor_id,omitempty"`
}

// PolicyPayload rides policy.completed.
type PolicyPayload struct {
	Severity           models.Severity `json:"severity"`
	SeverityOverridden bool            `json:"severity_overridden"`
	RequiredApprovals  int             `json:"required_approvals"`
	Escalate           bool            `json:"escalate"`
	CandidatePlaybooks []string        `json:"candidate_playbooks,omitempty"`
	MatchedRules       []string        `json:"matched_rules,omitempty"`
	SnapshotID         string          `json:"snapshot_id"`
}

// PlaybookMatchedPayload rides playbook.matched.
type PlaybookMatchedPayload struct {
	PlaybookID      string  `json:"playbook_id"`
	PlaybookVersion int     `json:"playbook_version"`
	TotalSteps      int     `json:"total_steps"`
	Score           float64 `json:"score"`
}

// StepRequestPayload rides step.requested.
type StepRequestPayload struct {
	StepOrder int `json:"step_order"`
}

// StepCompletionPayload rides step.completed: external or operator
// acknowledgement of human and decision steps.
type StepCompletionPayload struct {
	StepOrder int               `json:"step_order"`
	Status    models.StepStatus `json:"status"`
	Notes     *string           `json:"notes,omitempty"`
	ActorID   *string           `json:"actor_id,omitempty"`
}

// ToolRequestPayload rides tool.requested.
type ToolRequestPayload struct {
	StepOrder      int             `json:"step_order"`
	ToolID         string          `json:"tool_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Input          json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload rides tool.completed.
type ToolResultPayload struct {
	StepOrder   int                        `json:"step_order"`
	ToolID      string                     `json:"tool_id"`
	ExecutionID string                     `json:"execution_id"`
	Status      models.ToolExecutionStatus `json:"status"`
	Output      json.RawMessage            `json:"output,omitempty"`
	Error       *string                    `json:"error,omitempty"`
}

// FeedbackPayload rides feedback.captured.
type FeedbackPayload struct {
	Verdict   models.FeedbackVerdict `json:"verdict"`
	Rationale *string                `json:"rationale,omitempty"`
	ActorID   *string                `json:"actor_id,omitempty"`
	Reopen    bool                   `json:"reopen,omitempty"`
}

// SLAPayload rides sla.imminent and sla.expired.
type SLAPayload struct {
	Deadline time.Time `json:"deadline"`
	Window   string    `json:"window,omitempty"`
}
