// Package mock provides an in-memory test double for [memory.Store].
//
// The store applies the same validation and merge rules as the PostgreSQL
// backend, records every method call for assertion in tests, and lets tests
// inject an error per method. It is safe for concurrent use.
//
// Typical usage:
//
//	store := mock.NewStore()
//	_, _ = store.Add(ctx, memory.Memory{WorkflowID: "wf", Key: "chat", Data: msg})
//
//	if got := store.CallCount("Add"); got != 1 {
//	    t.Errorf("expected 1 Add call, got %d", got)
//	}
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is an in-memory [memory.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call
	byKey map[string]*memory.Memory

	// Errs maps a method name ("Get", "List", "Add", "Put", "Delete") to the
	// error it returns instead of touching state.
	Errs map[string]error

	// Now, if set, supplies timestamps. Defaults to time.Now.
	Now func() time.Time
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{byKey: make(map[string]*memory.Memory)}
}

func ref(workflowID, key string) string { return workflowID + "\x00" + key }

func (s *Store) enter(method string, args ...any) error {
	s.calls = append(s.calls, Call{Method: method, Args: args})
	if s.byKey == nil {
		s.byKey = make(map[string]*memory.Memory)
	}
	return s.Errs[method]
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Get implements [memory.Store].
func (s *Store) Get(_ context.Context, workflowID, key string) (*memory.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Get", workflowID, key); err != nil {
		return nil, err
	}
	m, ok := s.byKey[ref(workflowID, key)]
	if !ok {
		return nil, apierr.NotFound("memory", key)
	}
	cp := *m
	return &cp, nil
}

// List implements [memory.Store].
func (s *Store) List(_ context.Context, workflowID string) ([]memory.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("List", workflowID); err != nil {
		return nil, err
	}
	out := []memory.Memory{}
	for _, m := range s.byKey {
		if m.WorkflowID == workflowID {
			out = append(out, *m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Add implements [memory.Store].
func (s *Store) Add(_ context.Context, m memory.Memory) (*memory.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Add", m); err != nil {
		return nil, err
	}
	m, err := memory.Validate(m)
	if err != nil {
		return nil, err
	}
	existing := s.byKey[ref(m.WorkflowID, m.Key)]
	data, err := memory.Merge(existing, m)
	if err != nil {
		return nil, err
	}
	return s.store(existing, m, data), nil
}

// Put implements [memory.Store].
func (s *Store) Put(_ context.Context, m memory.Memory) (*memory.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Put", m); err != nil {
		return nil, err
	}
	existing := s.byKey[ref(m.WorkflowID, m.Key)]
	if existing != nil {
		m.Type = existing.Type
	}
	m, err := memory.Validate(m)
	if err != nil {
		return nil, err
	}
	return s.store(existing, m, m.Data), nil
}

func (s *Store) store(existing *memory.Memory, m memory.Memory, data []byte) *memory.Memory {
	now := s.now()
	if existing == nil {
		existing = &memory.Memory{
			ID:         uuid.NewString(),
			Key:        m.Key,
			WorkflowID: m.WorkflowID,
			Type:       m.Type,
			CreatedAt:  now,
		}
		s.byKey[ref(m.WorkflowID, m.Key)] = existing
	}
	existing.Data = data
	existing.UpdatedAt = now
	cp := *existing
	return &cp
}

// Delete implements [memory.Store].
func (s *Store) Delete(_ context.Context, workflowID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Delete", workflowID, key); err != nil {
		return err
	}
	k := ref(workflowID, key)
	if _, ok := s.byKey[k]; !ok {
		return apierr.NotFound("memory", key)
	}
	delete(s.byKey, k)
	return nil
}

// Calls returns a copy of all recorded method calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and stored memories.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.byKey = make(map[string]*memory.Memory)
}
