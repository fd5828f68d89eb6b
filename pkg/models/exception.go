// Package models defines the persisted domain types for the exception
// pipeline: exceptions, their event timeline, playbook progress, tool
// executions, and operator feedback.
package models

import (
	"encoding/json"
	"time"
)

// Severity of an exception.
type Severity string

// Severity levels, ordered LOW < MEDIUM < HIGH < CRITICAL.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank orders severities for comparisons in policy rules.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the numeric ordering of the severity (LOW=1 .. CRITICAL=4),
// or 0 for unknown values.
func (s Severity) Rank() int { return severityRank[s] }

// Status of an exception.
type Status string

// Exception lifecycle statuses.
const (
	StatusOpen            Status = "OPEN"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusResolved        Status = "RESOLVED"
	StatusEscalated       Status = "ESCALATED"
	StatusClosed          Status = "CLOSED"
)

// Terminal reports whether the status ends automated processing.
// ESCALATED is terminal for the pipeline unless an operator reopens.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosed || s == StatusEscalated
}

// allowedTransitions is the status state machine. Transitions not listed
// are forbidden; reopen is a separate explicit path (see CanReopen).
var allowedTransitions = map[Status][]Status{
	StatusOpen:            {StatusPendingApproval, StatusEscalated, StatusInProgress, StatusClosed},
	StatusPendingApproval: {StatusInProgress, StatusEscalated, StatusClosed},
	StatusInProgress:      {StatusResolved, StatusEscalated},
	StatusResolved:        {StatusClosed},
}

// CanTransition reports whether from → to is a legal status transition.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanReopen reports whether an operator reopen is allowed from the status.
// Reopen returns the exception to OPEN and re-enters the policy stage.
func CanReopen(from Status) bool {
	return from == StatusEscalated || from == StatusResolved
}

// Stage identifies the pipeline stage an exception is in.
type Stage string

// Pipeline stages in processing order.
const (
	StageIntake   Stage = "intake"
	StageTriage   Stage = "triage"
	StagePolicy   Stage = "policy"
	StagePlaybook Stage = "playbook"
	StageStep     Stage = "step"
	StageFeedback Stage = "feedback"
	StageTerminal Stage = "terminal"
)

// stageOrder positions stages along the pipeline for monotonicity checks.
var stageOrder = map[Stage]int{
	StageIntake:   1,
	StageTriage:   2,
	StagePolicy:   3,
	StagePlaybook: 4,
	StageStep:     5,
	StageFeedback: 6,
	StageTerminal: 7,
}

// Order returns the pipeline position of the stage (intake=1 .. terminal=7),
// or 0 for unknown values.
func (s Stage) Order() int { return stageOrder[s] }

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// Exception is the primary aggregate: one business-level failure ingested
// from a source system, scoped to a tenant.
type Exception struct {
	TenantID          string          `db:"tenant_id" json:"tenant_id"`
	ExceptionID       string          `db:"exception_id" json:"exception_id"`
	SourceSystem      string          `db:"source_system" json:"source_system"`
	Domain            string          `db:"domain" json:"domain"`
	ExceptionType     string          `db:"exception_type" json:"exception_type"`
	Severity          Severity        `db:"severity" json:"severity"`
	SeverityOverride  bool            `db:"severity_override" json:"severity_override"`
	Status            Status          `db:"status" json:"status"`
	RawPayload        json.RawMessage `db:"raw_payload" json:"raw_payload"`
	NormalizedPayload json.RawMessage `db:"normalized_payload" json:"normalized_payload,omitempty"`
	CurrentStage      Stage           `db:"current_stage" json:"current_stage"`
	CurrentPlaybookID *string         `db:"current_playbook_id" json:"current_playbook_id,omitempty"`
	CurrentStep       *int            `db:"current_step" json:"current_step,omitempty"`
	SLADeadline       *time.Time      `db:"sla_deadline" json:"sla_deadline,omitempty"`
	LastSLAEmitted    *string         `db:"last_sla_emitted" json:"last_sla_emitted,omitempty"`
	CorrelationID     string          `db:"correlation_id" json:"correlation_id"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
	ResolvedAt        *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`

	// Version increases on every persisted mutation. Writes compare-and-set
	// on it; see store.ErrVersionConflict.
	Version int64 `db:"version" json:"version"`
}

// Normalized unmarshals the normalized payload into a generic map for
// policy rule evaluation. Returns an empty map when not yet normalized.
func (e *Exception) Normalized() map[string]any {
	out := map[string]any{}
	if len(e.NormalizedPayload) > 0 {
		_ = json.Unmarshal(e.NormalizedPayload, &out)
	}
	return out
}
