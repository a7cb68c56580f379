// Package mock provides an in-memory test double for [memory.SessionStore].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use
// via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.SessionStore{SaveErr: errors.New("db down")}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Save"); got != 1 {
//	    t.Errorf("expected 1 Save call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/insightflow/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// SessionStore is a configurable test double for [memory.SessionStore].
// Successful Saves are kept so Get and List can return them unless a
// *Result field overrides the answer.
type SessionStore struct {
	mu sync.Mutex

	calls []Call
	saved []memory.SessionRecord

	// SaveErr is returned by [SessionStore.Save] when non-nil.
	SaveErr error

	// GetErr is returned by [SessionStore.Get] when non-nil.
	GetErr error

	// ListResult is returned by [SessionStore.List] when non-nil.
	ListResult []memory.SessionRecord

	// ListErr is returned by [SessionStore.List] when non-nil.
	ListErr error

	// PingErr is returned by [SessionStore.Ping] when non-nil.
	PingErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *SessionStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SessionStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Saved returns a copy of every record saved successfully, in order.
func (m *SessionStore) Saved() []memory.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.SessionRecord, len(m.saved))
	copy(out, m.saved)
	return out
}

// Save implements [memory.SessionStore].
func (m *SessionStore) Save(_ context.Context, rec memory.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Save", Args: []any{rec}})
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.saved = append(m.saved, rec)
	return nil
}

// Get implements [memory.SessionStore].
func (m *SessionStore) Get(_ context.Context, id string) (memory.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Get", Args: []any{id}})
	if m.GetErr != nil {
		return memory.SessionRecord{}, m.GetErr
	}
	for i := len(m.saved) - 1; i >= 0; i-- {
		if m.saved[i].ID == id {
			return m.saved[i], nil
		}
	}
	return memory.SessionRecord{}, memory.ErrSessionNotFound
}

// List implements [memory.SessionStore].
func (m *SessionStore) List(_ context.Context, opts memory.ListOpts) ([]memory.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "List", Args: []any{opts}})
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	src := m.ListResult
	if src == nil {
		src = m.saved
	}
	out := make([]memory.SessionRecord, len(src))
	copy(out, src)
	return out, nil
}

// Ping implements [memory.Pinger].
func (m *SessionStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}

var (
	_ memory.SessionStore = (*SessionStore)(nil)
	_ memory.Pinger       = (*SessionStore)(nil)
)
