package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// Guard wraps a [SessionStore] so that a failing backend never takes an
// interview down with it. Save failures are logged and swallowed, List falls
// back to an empty result, and [Guard.IsDegraded] reports whether the most
// recent operation failed.
//
// Get is passed through unchanged because it has no meaningful default; a
// missing record is not a backend failure and does not mark the store as
// degraded.
//
// All methods are safe for concurrent use.
type Guard struct {
	store    SessionStore
	degraded atomic.Bool
}

var _ SessionStore = (*Guard)(nil)

// NewGuard creates a Guard wrapping store.
func NewGuard(store SessionStore) *Guard {
	return &Guard{store: store}
}

// Save writes rec to the underlying store. On failure the error is logged and
// swallowed; the store is marked as degraded.
func (g *Guard) Save(ctx context.Context, rec SessionRecord) error {
	if err := g.store.Save(ctx, rec); err != nil {
		g.degraded.Store(true)
		slog.Warn("memory guard: Save failed, swallowing error",
			"session_id", rec.ID,
			"error", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Get reads one record from the underlying store.
func (g *Guard) Get(ctx context.Context, id string) (SessionRecord, error) {
	rec, err := g.store.Get(ctx, id)
	switch {
	case err == nil:
		g.degraded.Store(false)
	case !errors.Is(err, ErrSessionNotFound):
		g.degraded.Store(true)
		slog.Warn("memory guard: Get failed", "session_id", id, "error", err)
	}
	return rec, err
}

// List reads records from the underlying store. On failure an empty slice is
// returned and the store is marked as degraded.
func (g *Guard) List(ctx context.Context, opts ListOpts) ([]SessionRecord, error) {
	recs, err := g.store.List(ctx, opts)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("memory guard: List failed, returning empty", "error", err)
		return []SessionRecord{}, nil
	}
	g.degraded.Store(false)
	return recs, nil
}

// Ping checks the underlying store when it implements [Pinger]. A failed
// ping marks the store as degraded.
func (g *Guard) Ping(ctx context.Context) error {
	p, ok := g.store.(Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		g.degraded.Store(true)
		return err
	}
	g.degraded.Store(false)
	return nil
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}
