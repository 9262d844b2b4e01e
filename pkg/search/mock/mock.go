// Package mock provides an in-memory search.Store for tests.
//
// The store evaluates filters, cosine distance and limits in process so the
// executor can be tested without a database, and it counts calls per method
// so tests can assert which phases ran.
package mock

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/MrWong99/flowexec/pkg/search"
)

var _ search.Store = (*Store)(nil)

// Store is an in-memory search.Store.
type Store struct {
	mu     sync.Mutex
	chunks []search.Chunk

	// Err, if non-nil, is returned by every method.
	Err error

	FilterChunksCalls   int
	FilterChunkIDsCalls int
	NearestChunksCalls  int

	// Queries records every query received, in call order.
	Queries []search.Query
}

// New returns a Store pre-populated with chunks.
func New(chunks ...search.Chunk) *Store {
	return &Store{chunks: chunks}
}

// Add appends chunks.
func (s *Store) Add(chunks ...search.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunks...)
}

func (s *Store) record(q search.Query, counter *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*counter++
	s.Queries = append(s.Queries, q)
	return s.Err
}

func (s *Store) candidates(q search.Query) []search.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	kbs := make(map[string]bool, len(q.KnowledgeBaseIDs))
	for _, kb := range q.KnowledgeBaseIDs {
		kbs[kb] = true
	}
	var ids map[string]bool
	if q.IDs != nil {
		ids = make(map[string]bool, len(q.IDs))
		for _, id := range q.IDs {
			ids[id] = true
		}
	}

	var out []search.Chunk
	for _, c := range s.chunks {
		if !c.Enabled {
			continue
		}
		if ids != nil {
			if !ids[c.ID] {
				continue
			}
		} else if !kbs[c.KnowledgeBaseID] {
			continue
		}
		if !matchesAll(c, q.Filters) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func matchesAll(c search.Chunk, filters []search.TagFilter) bool {
	for _, f := range filters {
		tag, _ := c.Tag(f.Key)
		if !f.Matches(tag) {
			return false
		}
	}
	return true
}

func limit[T any](xs []T, n int) []T {
	if n > 0 && len(xs) > n {
		return xs[:n]
	}
	return xs
}

// FilterChunks implements search.Store.
func (s *Store) FilterChunks(_ context.Context, q search.Query) ([]search.Result, error) {
	if err := s.record(q, &s.FilterChunksCalls); err != nil {
		return nil, err
	}
	var out []search.Result
	for _, c := range s.candidates(q) {
		r := c.Result
		r.Distance = 0
		out = append(out, r)
	}
	return limit(out, q.Limit), nil
}

// FilterChunkIDs implements search.Store.
func (s *Store) FilterChunkIDs(_ context.Context, q search.Query) ([]string, error) {
	if err := s.record(q, &s.FilterChunkIDsCalls); err != nil {
		return nil, err
	}
	var out []string
	for _, c := range s.candidates(q) {
		out = append(out, c.ID)
	}
	return out, nil
}

// NearestChunks implements search.Store using cosine distance.
func (s *Store) NearestChunks(_ context.Context, q search.Query) ([]search.Result, error) {
	if err := s.record(q, &s.NearestChunksCalls); err != nil {
		return nil, err
	}
	var out []search.Result
	for _, c := range s.candidates(search.Query{KnowledgeBaseIDs: q.KnowledgeBaseIDs, IDs: q.IDs}) {
		d := CosineDistance(c.Embedding, q.Vector)
		if d >= q.Threshold {
			continue
		}
		r := c.Result
		r.Distance = d
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return limit(out, q.Limit), nil
}

// CosineDistance returns 1 - cos(a, b), the value of pgvector's <=> operator.
// Mismatched or zero vectors are maximally distant.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
