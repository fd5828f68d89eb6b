// Package handlers implements the role-specific pipeline logic. Each
// handler turns one inbound envelope plus the exception's current state
// into a single atomic store delta and the next-stage envelopes.
package handlers

import (
	"errors"
	"fmt"
)

// Class buckets handler failures for the runtime's routing decision.
type Class int

// Failure classes.
const (
	// ClassTransient failures are retried with backoff, then dead-lettered.
	ClassTransient Class = iota

	// ClassPermanent failures are dead-lettered immediately.
	ClassPermanent

	// ClassStale means the event no longer applies to the exception's
	// state. Acked and recorded, never retried.
	ClassStale
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "Transient"
	case ClassPermanent:
		return "Permanent"
	case ClassStale:
		return "StalePrecondition"
	}
	return "Unknown"
}

// Failure reasons carried into DLQ entries and ProcessingError events.
const (
	ReasonSchemaRejected    = "SchemaRejected"
	ReasonUnknownType       = "UnknownExceptionType"
	ReasonConfigMissing     = "ConfigMissing"
	ReasonInvariantBreach   = "InvariantBreach"
	ReasonStalePrecondition = "StalePrecondition"
	ReasonRetriesExhausted  = "RetriesExhausted"
)

// Error is a classified handler failure.
type Error struct {
	Class  Class
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Reason, e.Class, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Reason, e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent wraps err as a permanently failed invocation.
func Permanent(reason string, err error) *Error {
	return &Error{Class: ClassPermanent, Reason: reason, Err: err}
}

// Permanentf builds a permanent failure from a format string.
func Permanentf(reason, format string, args ...any) *Error {
	return &Error{Class: ClassPermanent, Reason: reason, Err: fmt.Errorf(format, args...)}
}

// Stale builds a stale-precondition failure.
func Stale(format string, args ...any) *Error {
	return &Error{Class: ClassStale, Reason: ReasonStalePrecondition, Err: fmt.Errorf(format, args...)}
}

// Classify returns the failure class of err. Unclassified errors are
// transient: infrastructure hiccups must be retried, not dropped.
func Classify(err error) Class {
	var he *Error
	if errors.As(err, &he) {
		return he.Class
	}
	return ClassTransient
}

// ReasonOf returns the failure reason, or "Transient" for plain errors.
func ReasonOf(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.Reason
	}
	return "Transient"
}
