package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActorType identifies who caused an exception event.
type ActorType string

// Actor types.
const (
	ActorAgent  ActorType = "agent"
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
)

// Timeline event types written by the pipeline. Operators read these back
// through the timeline API in creation order.
const (
	EventExceptionCreated    = "ExceptionCreated"
	EventExceptionNormalized = "ExceptionNormalized"
	EventTriageCompleted     = "TriageCompleted"
	EventPolicyCompleted     = "PolicyCompleted"
	EventPolicyEscalated     = "PolicyEscalated"
	EventPlaybookMatched     = "PlaybookMatched"
	EventPlaybookCompleted   = "PlaybookCompleted"
	EventStepRequested       = "StepRequested"
	EventStepCompleted       = "StepCompleted"
	EventStepSkipped         = "StepSkipped"
	EventToolRequested       = "ToolRequested"
	EventToolCompleted       = "ToolCompleted"
	EventFeedbackCaptured    = "FeedbackCaptured"
	EventExceptionReopened   = "ExceptionReopened"
	EventSLAImminent         = "SLAImminent"
	EventSLAExpired          = "SLAExpired"
	EventProcessingError     = "ProcessingError"
)

// ExceptionEvent is one append-only record in an exception's timeline.
// Events are never updated or deleted.
type ExceptionEvent struct {
	EventID       string          `db:"event_id" json:"event_id"`
	TenantID      string          `db:"tenant_id" json:"tenant_id"`
	ExceptionID   string          `db:"exception_id" json:"exception_id"`
	EventType     string          `db:"event_type" json:"event_type"`
	ActorType     ActorType       `db:"actor_type" json:"actor_type"`
	ActorID       *string         `db:"actor_id" json:"actor_id,omitempty"`
	Payload       json.RawMessage `db:"payload" json:"payload,omitempty"`
	Producer      string          `db:"producer" json:"producer"`
	Attempt       int             `db:"attempt" json:"attempt"`
	SchemaVersion int             `db:"schema_version" json:"schema_version"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`

	// Seq breaks created_at ties; assigned by the store on insert.
	Seq int64 `db:"seq" json:"seq"`

	// DedupKey is the logical identity used to skip re-emission under
	// replay: exception_id + event_type + attempt + producer.
	DedupKey string `db:"dedup_key" json:"-"`
}

// ComputeDedupKey builds the logical event key used for replay
// de-duplication.
func ComputeDedupKey(exceptionID, eventType string, attempt int, producer string) string {
	return fmt.Sprintf("%s|%s|%d|%s", exceptionID, eventType, attempt, producer)
}
