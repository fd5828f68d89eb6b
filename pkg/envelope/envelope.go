// Package envelope defines the wire format shared by every topic and the
// routing table that binds topics to consumer roles.
//
// The envelope is bit-stable across producers: unknown fields received on
// the wire are preserved on forwarding, so older workers can relay events
// produced by newer schema versions without data loss.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the envelope schema version this build produces.
const SchemaVersion = 1

// Envelope wraps every event payload on every topic.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	TenantID      string          `json:"tenant_id"`
	ExceptionID   string          `json:"exception_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id"`
	Attempt       int             `json:"attempt"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	// extra holds unknown top-level fields received on the wire. They are
	// re-emitted verbatim on marshal.
	extra map[string]json.RawMessage
}

// known top-level envelope fields; anything else lands in extra.
var knownFields = map[string]bool{
	"schema_version": true,
	"event_id":       true,
	"event_type":     true,
	"tenant_id":      true,
	"exception_id":   true,
	"occurred_at":    true,
	"producer":       true,
	"correlation_id": true,
	"attempt":        true,
	"payload":        true,
}

// New builds an envelope for a freshly produced event. The payload is
// marshaled to JSON; a nil payload yields an empty object.
func New(eventType, tenantID, exceptionID, producer, correlationID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload for %s: %w", eventType, err)
	}
	if payload == nil {
		raw = json.RawMessage(`{}`)
	}
	return &Envelope{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.NewString(),
		EventType:     eventType,
		TenantID:      tenantID,
		ExceptionID:   exceptionID,
		OccurredAt:    time.Now().UTC().Truncate(time.Millisecond),
		Producer:      producer,
		CorrelationID: correlationID,
		Attempt:       1,
		Payload:       raw,
	}, nil
}

type envelopeAlias Envelope

// UnmarshalJSON decodes the envelope, stashing unknown fields for
// forwarding.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var alias envelopeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if knownFields[k] {
			delete(all, k)
		}
	}
	*e = Envelope(alias)
	if len(all) > 0 {
		e.extra = all
	}
	return nil
}

// MarshalJSON encodes the envelope including preserved unknown fields.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	out := map[string]json.RawMessage{}
	for k, v := range e.extra {
		out[k] = v
	}
	put := func(k string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[k] = raw
		return nil
	}
	if err := put("schema_version", e.SchemaVersion); err != nil {
		return nil, err
	}
	if err := put("event_id", e.EventID); err != nil {
		return nil, err
	}
	if err := put("event_type", e.EventType); err != nil {
		return nil, err
	}
	if err := put("tenant_id", e.TenantID); err != nil {
		return nil, err
	}
	if err := put("exception_id", e.ExceptionID); err != nil {
		return nil, err
	}
	if err := put("occurred_at", e.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")); err != nil {
		return nil, err
	}
	if err := put("producer", e.Producer); err != nil {
		return nil, err
	}
	if err := put("correlation_id", e.CorrelationID); err != nil {
		return nil, err
	}
	if err := put("attempt", e.Attempt); err != nil {
		return nil, err
	}
	if len(e.Payload) > 0 {
		out["payload"] = e.Payload
	}
	return json.Marshal(out)
}

// Validate checks that every required envelope field is present.
func (e *Envelope) Validate() error {
	switch {
	case e.SchemaVersion < 1:
		return fmt.Errorf("envelope: schema_version missing")
	case e.EventID == "":
		return fmt.Errorf("envelope: event_id missing")
	case e.EventType == "":
		return fmt.Errorf("envelope: event_type missing")
	case e.TenantID == "":
		return fmt.Errorf("envelope: tenant_id missing")
	case e.ExceptionID == "":
		return fmt.Errorf("envelope: exception_id missing")
	case e.OccurredAt.IsZero():
		return fmt.Errorf("envelope: occurred_at missing")
	case e.Producer == "":
		return fmt.Errorf("envelope: producer missing")
	case e.Attempt < 1:
		return fmt.Errorf("envelope: attempt must be >= 1")
	}
	return nil
}

// DedupKey is the logical identity used by downstream consumers to skip
// duplicate deliveries.
func (e *Envelope) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d|%s", e.ExceptionID, e.EventType, e.Attempt, e.Producer)
}

// WithAttempt returns a copy of the envelope with the attempt counter set.
// Used by the retry dispatcher when republishing.
func (e *Envelope) WithAttempt(attempt int) *Envelope {
	clone := *e
	clone.Attempt = attempt
	return &clone
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s: empty payload", e.EventID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.EventType, err)
	}
	return nil
}
