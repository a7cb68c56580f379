// Package memory stores the records of finished interviews.
//
// A [SessionRecord] holds the reconciled transcript, how the interview ended
// and, when available, the model-generated [Analysis]. Records are written
// once after an interview ends and read back for review and reporting.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (PostgreSQL, a document store, in-memory, …) without
// depending on insightflow internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned by [SessionStore.Get] when no record exists
// for the requested ID.
var ErrSessionNotFound = errors.New("memory: session not found")

// ListOpts narrows a [SessionStore.List] call. All non-zero fields are
// applied as AND conditions.
type ListOpts struct {
	// PlanTitle restricts results to interviews run from one plan.
	PlanTitle string

	// After filters records that started after this instant (exclusive).
	// A zero Time disables the lower bound.
	After time.Time

	// Before filters records that started before this instant (exclusive).
	// A zero Time disables the upper bound.
	Before time.Time

	// Limit caps the number of results returned.
	// A value of 0 means no limit.
	Limit int
}

// Match reports whether rec satisfies the filters in o, ignoring Limit.
// Backends that filter in memory use it so all of them agree on semantics.
func (o ListOpts) Match(rec SessionRecord) bool {
	if o.PlanTitle != "" && rec.PlanTitle != o.PlanTitle {
		return false
	}
	if !o.After.IsZero() && !rec.StartedAt.After(o.After) {
		return false
	}
	if !o.Before.IsZero() && !rec.StartedAt.Before(o.Before) {
		return false
	}
	return true
}

// SessionStore persists interview records.
type SessionStore interface {
	// Save writes rec, replacing any record with the same ID.
	// rec.ID must be non-empty.
	Save(ctx context.Context, rec SessionRecord) error

	// Get returns the record with the given ID, or an error wrapping
	// [ErrSessionNotFound].
	Get(ctx context.Context, id string) (SessionRecord, error)

	// List returns the records matching opts, newest first.
	// Returns an empty (non-nil) slice when nothing matches.
	List(ctx context.Context, opts ListOpts) ([]SessionRecord, error)
}

// Pinger is implemented by stores that can report whether their backend is
// reachable. Readiness checks use it when available.
type Pinger interface {
	Ping(ctx context.Context) error
}
