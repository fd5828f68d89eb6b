// Package store implements the relational state store: exceptions, their
// event timeline, playbook progress, tool executions, feedback, the
// transactional outbox, and the DLQ ledger. The store is the source of
// truth; the event log is transport only.
//
// Every query is tenant-scoped. Mutations to an exception go through
// Apply, which commits the state delta, the new timeline events, and the
// outbound envelopes in one transaction.
package store

import (
	"errors"

	"github.com/jmoiron/sqlx"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the requested row does not exist for the tenant.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a compare-and-set on exception.version
	// lost a race; the caller re-reads and re-evaluates.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyExists indicates an insert hit an existing primary key.
	ErrAlreadyExists = errors.New("already exists")
)

// Store bundles all repositories over one connection pool.
type Store struct {
	db *sqlx.DB
}

// New wraps a sqlx handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}
