package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// MemStore is an in-process [SessionStore]. Records live until the process
// exits. It is the default when no database is configured.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]SessionRecord
}

var _ SessionStore = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]SessionRecord)}
}

// Save implements [SessionStore].
func (s *MemStore) Save(_ context.Context, rec SessionRecord) error {
	if rec.ID == "" {
		return errors.New("memory: save: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = clone(rec)
	return nil
}

// Get implements [SessionStore].
func (s *MemStore) Get(_ context.Context, id string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return clone(rec), nil
}

// List implements [SessionStore].
func (s *MemStore) List(_ context.Context, opts ListOpts) ([]SessionRecord, error) {
	s.mu.RLock()
	out := make([]SessionRecord, 0, len(s.records))
	for _, rec := range s.records {
		if opts.Match(rec) {
			out = append(out, clone(rec))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b SessionRecord) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Ping implements [Pinger]. An in-process store is always reachable.
func (s *MemStore) Ping(context.Context) error { return nil }

// clone copies the slices and the analysis so callers cannot mutate stored
// records.
func clone(rec SessionRecord) SessionRecord {
	rec.Transcript = slices.Clone(rec.Transcript)
	if rec.Analysis != nil {
		a := *rec.Analysis
		a.Sentiment = slices.Clone(a.Sentiment)
		a.Keywords = slices.Clone(a.Keywords)
		a.Themes = slices.Clone(a.Themes)
		rec.Analysis = &a
	}
	return rec
}
