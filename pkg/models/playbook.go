package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepStatus of a single playbook step.
type StepStatus string

// Step statuses.
const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
	StepFailed     StepStatus = "failed"
)

// StepDone reports whether the status allows the next step to start.
func (s StepStatus) Done() bool { return s == StepCompleted || s == StepSkipped }

// ActionType of a playbook step.
type ActionType string

// Step action types.
const (
	ActionTool     ActionType = "tool"
	ActionHuman    ActionType = "human"
	ActionDecision ActionType = "decision"
)

// FailurePolicy declares how a step reacts to tool failure.
type FailurePolicy string

// Step failure policies.
const (
	FailureRetry    FailurePolicy = "retry"
	FailureSkip     FailurePolicy = "skip"
	FailureEscalate FailurePolicy = "escalate"
)

// PlaybookProgress tracks a matched playbook's advancement for one
// exception. The playbook definition itself is immutable and lives in the
// config registry keyed by (playbook_id, version).
type PlaybookProgress struct {
	TenantID        string    `db:"tenant_id" json:"tenant_id"`
	ExceptionID     string    `db:"exception_id" json:"exception_id"`
	PlaybookID      string    `db:"playbook_id" json:"playbook_id"`
	PlaybookVersion int       `db:"playbook_version" json:"playbook_version"`
	TotalSteps      int       `db:"total_steps" json:"total_steps"`
	CurrentStep     int       `db:"current_step" json:"current_step"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// StepProgress is the per-step record under a PlaybookProgress.
// At most one step is in_progress; step k leaves pending only once step
// k-1 is completed or skipped.
type StepProgress struct {
	TenantID      string        `db:"tenant_id" json:"tenant_id"`
	ExceptionID   string        `db:"exception_id" json:"exception_id"`
	StepOrder     int           `db:"step_order" json:"step_order"`
	Name          string        `db:"name" json:"name"`
	ActionType    ActionType    `db:"action_type" json:"action_type"`
	ToolID        *string       `db:"tool_id" json:"tool_id,omitempty"`
	FailurePolicy FailurePolicy `db:"failure_policy" json:"failure_policy"`
	MaxRetries    int           `db:"max_retries" json:"max_retries"`
	Attempts      int           `db:"attempts" json:"attempts"`
	Status        StepStatus    `db:"status" json:"status"`
	StartedAt     *time.Time    `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	Notes         *string       `db:"notes" json:"notes,omitempty"`
}

// ToolExecutionStatus of a tool invocation.
type ToolExecutionStatus string

// Tool execution statuses. Terminal statuses are write-once.
const (
	ToolRequested ToolExecutionStatus = "requested"
	ToolRunning   ToolExecutionStatus = "running"
	ToolSucceeded ToolExecutionStatus = "succeeded"
	ToolFailed    ToolExecutionStatus = "failed"
)

// Terminal reports whether the status is final.
func (s ToolExecutionStatus) Terminal() bool {
	return s == ToolSucceeded || s == ToolFailed
}

// ToolExecution records one invocation of an external tool on behalf of a
// playbook step (or an ad hoc operator action).
type ToolExecution struct {
	ExecutionID     string              `db:"execution_id" json:"execution_id"`
	TenantID        string              `db:"tenant_id" json:"tenant_id"`
	ExceptionID     string              `db:"exception_id" json:"exception_id"`
	StepOrder       int                 `db:"step_order" json:"step_order"`
	ToolID          string              `db:"tool_id" json:"tool_id"`
	IdempotencyKey  string              `db:"idempotency_key" json:"idempotency_key"`
	RequestedByType ActorType           `db:"requested_by_type" json:"requested_by_type"`
	RequestedByID   *string             `db:"requested_by_id" json:"requested_by_id,omitempty"`
	InputPayload    json.RawMessage     `db:"input_payload" json:"input_payload,omitempty"`
	OutputPayload   json.RawMessage     `db:"output_payload" json:"output_payload,omitempty"`
	Status          ToolExecutionStatus `db:"status" json:"status"`
	ErrorMessage    *string             `db:"error_message" json:"error_message,omitempty"`
	CreatedAt       time.Time           `db:"created_at" json:"created_at"`
	CompletedAt     *time.Time          `db:"completed_at" json:"completed_at,omitempty"`
}

// ToolIdempotencyKey derives the declared idempotency key for a tool
// invocation. Replayed requests for the same attempt resolve to the same
// key and therefore the same execution; a retry is a new attempt and a
// new execution.
func ToolIdempotencyKey(exceptionID string, stepOrder int, toolID string, attempt int) string {
	return fmt.Sprintf("%s|%d|%s|%d", exceptionID, stepOrder, toolID, attempt)
}

// FeedbackVerdict is the operator's judgement of a resolution.
type FeedbackVerdict string

// Feedback verdicts.
const (
	VerdictCorrect   FeedbackVerdict = "correct"
	VerdictIncorrect FeedbackVerdict = "incorrect"
)

// Feedback is a persisted operator verdict on resolution quality.
type Feedback struct {
	ID          int64           `db:"id" json:"id"`
	TenantID    string          `db:"tenant_id" json:"tenant_id"`
	ExceptionID string          `db:"exception_id" json:"exception_id"`
	Verdict     FeedbackVerdict `db:"verdict" json:"verdict"`
	Rationale   *string         `db:"rationale" json:"rationale,omitempty"`
	ActorID     *string         `db:"actor_id" json:"actor_id,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}
