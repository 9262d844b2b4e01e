package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Executor runs the three search modes against a Store. It holds no mutable
// state and is safe for concurrent use.
type Executor struct {
	store Store
}

// NewExecutor returns an Executor backed by store.
func NewExecutor(store Store) *Executor {
	return &Executor{store: store}
}

// TagOnly returns enabled chunks matching p.Filters. Every result has
// Distance 0. Requires non-empty filters.
func (e *Executor) TagOnly(ctx context.Context, p Params) ([]Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := p.requireFilters("tag-only"); err != nil {
		return nil, err
	}

	strategy := PlanStrategy(len(p.KnowledgeBaseIDs), p.TopK)
	q := Query{Filters: ParseFilters(p.Filters)}
	slog.Debug("search: tag-only", "kb_count", len(p.KnowledgeBaseIDs), "top_k", p.TopK, "parallel", strategy.UseParallel)

	var (
		results []Result
		err     error
	)
	if strategy.UseParallel {
		q.Limit = strategy.ParallelLimit
		results, err = e.fanOut(ctx, p.KnowledgeBaseIDs, q, e.store.FilterChunks)
	} else {
		q.KnowledgeBaseIDs = p.KnowledgeBaseIDs
		q.Limit = p.TopK
		results, err = e.store.FilterChunks(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("tag-only search: %w", err)
	}

	for i := range results {
		results[i].Distance = 0
	}
	return truncate(results, p.TopK), nil
}

// VectorOnly returns enabled chunks closer than p.DistanceThreshold to
// p.QueryVector, nearest first.
func (e *Executor) VectorOnly(ctx context.Context, p Params) ([]Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	vec, err := p.requireVector("vector-only")
	if err != nil {
		return nil, err
	}

	strategy := PlanStrategy(len(p.KnowledgeBaseIDs), p.TopK)
	q := Query{Vector: vec, Threshold: p.DistanceThreshold}
	slog.Debug("search: vector-only", "kb_count", len(p.KnowledgeBaseIDs), "top_k", p.TopK, "parallel", strategy.UseParallel)

	var results []Result
	if strategy.UseParallel {
		q.Limit = strategy.ParallelLimit
		results, err = e.fanOut(ctx, p.KnowledgeBaseIDs, q, e.store.NearestChunks)
	} else {
		q.KnowledgeBaseIDs = p.KnowledgeBaseIDs
		q.Limit = p.TopK
		results, err = e.store.NearestChunks(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("vector-only search: %w", err)
	}

	sortByDistance(results)
	return truncate(results, p.TopK), nil
}

// TagAndVector first resolves the ids of enabled chunks matching p.Filters,
// then ranks exactly those chunks by distance to p.QueryVector. When no chunk
// passes the tag filter the vector phase is skipped and an empty slice is
// returned.
func (e *Executor) TagAndVector(ctx context.Context, p Params) ([]Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := p.requireFilters("tag and vector"); err != nil {
		return nil, err
	}
	vec, err := p.requireVector("tag and vector")
	if err != nil {
		return nil, err
	}

	ids, err := e.store.FilterChunkIDs(ctx, Query{
		KnowledgeBaseIDs: p.KnowledgeBaseIDs,
		Filters:          ParseFilters(p.Filters),
	})
	if err != nil {
		return nil, fmt.Errorf("tag and vector search: tag phase: %w", err)
	}
	if len(ids) == 0 {
		slog.Debug("search: no chunks left after tag filtering")
		return []Result{}, nil
	}
	slog.Debug("search: tag phase done", "matches", len(ids))

	results, err := e.store.NearestChunks(ctx, Query{
		IDs:       ids,
		Vector:    vec,
		Threshold: p.DistanceThreshold,
		Limit:     p.TopK,
	})
	if err != nil {
		return nil, fmt.Errorf("tag and vector search: vector phase: %w", err)
	}

	sortByDistance(results)
	return truncate(results, p.TopK), nil
}

// fanOut runs query once per knowledge base concurrently and concatenates
// the answers in knowledge-base order.
func (e *Executor) fanOut(ctx context.Context, kbIDs []string, q Query, query func(context.Context, Query) ([]Result, error)) ([]Result, error) {
	perKB := make([][]Result, len(kbIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, kb := range kbIDs {
		kq := q
		kq.KnowledgeBaseIDs = []string{kb}
		g.Go(func() error {
			rows, err := query(gctx, kq)
			if err != nil {
				return fmt.Errorf("knowledge base %s: %w", kb, err)
			}
			perKB[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, rows := range perKB {
		total += len(rows)
	}
	out := make([]Result, 0, total)
	for _, rows := range perKB {
		out = append(out, rows...)
	}
	return out, nil
}

func sortByDistance(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
}

func truncate(results []Result, topK int) []Result {
	if results == nil {
		return []Result{}
	}
	if len(results) > topK {
		return results[:topK]
	}
	return results
}
