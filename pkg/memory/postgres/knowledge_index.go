package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/flowexec/pkg/search"
)

// KnowledgeIndex is the knowledge chunk table with a pgvector HNSW index for
// cosine-distance search. Only enabled rows are ever returned.
//
// Obtain one via [Store.Knowledge] rather than constructing directly.
// All methods are safe for concurrent use.
type KnowledgeIndex struct {
	pool *pgxpool.Pool
}

var _ search.Store = (*KnowledgeIndex)(nil)

const resultColumns = `id, content, document_id, chunk_index,
		       tag1, tag2, tag3, tag4, tag5, tag6, tag7`

// IndexChunk upserts a pre-embedded chunk. If a chunk with the same ID
// already exists it is completely replaced.
func (k *KnowledgeIndex) IndexChunk(ctx context.Context, c search.Chunk) error {
	const q = `
		INSERT INTO embedding
		    (id, knowledge_base_id, document_id, chunk_index, content, embedding,
		     tag1, tag2, tag3, tag4, tag5, tag6, tag7, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
		    knowledge_base_id = EXCLUDED.knowledge_base_id,
		    document_id       = EXCLUDED.document_id,
		    chunk_index       = EXCLUDED.chunk_index,
		    content           = EXCLUDED.content,
		    embedding         = EXCLUDED.embedding,
		    tag1 = EXCLUDED.tag1, tag2 = EXCLUDED.tag2, tag3 = EXCLUDED.tag3,
		    tag4 = EXCLUDED.tag4, tag5 = EXCLUDED.tag5, tag6 = EXCLUDED.tag6,
		    tag7 = EXCLUDED.tag7,
		    enabled           = EXCLUDED.enabled`

	_, err := k.pool.Exec(ctx, q,
		c.ID,
		c.KnowledgeBaseID,
		c.DocumentID,
		c.ChunkIndex,
		c.Content,
		pgvector.NewVector(c.Embedding),
		c.Tag1, c.Tag2, c.Tag3, c.Tag4, c.Tag5, c.Tag6, c.Tag7,
		c.Enabled,
	)
	if err != nil {
		return fmt.Errorf("knowledge index: index chunk: %w", err)
	}
	return nil
}

// queryBuilder accumulates positional arguments and WHERE conditions.
type queryBuilder struct {
	args       []any
	conditions []string
}

func (b *queryBuilder) next(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *queryBuilder) where(cond string) { b.conditions = append(b.conditions, cond) }

// scope restricts rows to enabled chunks of q.IDs when set, else of
// q.KnowledgeBaseIDs, and applies q.Filters.
func (b *queryBuilder) scope(q search.Query) {
	b.where("enabled")
	if q.IDs != nil {
		b.where("id = ANY(" + b.next(q.IDs) + ")")
	} else {
		b.where("knowledge_base_id = ANY(" + b.next(q.KnowledgeBaseIDs) + ")")
	}
	for _, f := range q.Filters {
		i, ok := search.TagIndex(f.Key)
		if !ok {
			continue
		}
		lowered := make([]string, len(f.Values))
		for j, v := range f.Values {
			lowered[j] = strings.ToLower(v)
		}
		b.where(fmt.Sprintf("LOWER(tag%d) = ANY(%s)", i+1, b.next(lowered)))
	}
}

func (b *queryBuilder) whereClause() string {
	return "WHERE " + strings.Join(b.conditions, "\n\t\t  AND  ")
}

func (b *queryBuilder) limit(n int) string {
	if n <= 0 {
		return ""
	}
	return "LIMIT " + b.next(n)
}

// FilterChunks implements [search.Store].
func (k *KnowledgeIndex) FilterChunks(ctx context.Context, q search.Query) ([]search.Result, error) {
	var b queryBuilder
	b.scope(q)
	where := b.whereClause()
	sql := fmt.Sprintf(`
		SELECT %s, 0::float8 AS distance, knowledge_base_id
		FROM   embedding
		%s
		ORDER  BY created_at, id
		%s`, resultColumns, where, b.limit(q.Limit))

	rows, err := k.pool.Query(ctx, sql, b.args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge index: filter chunks: %w", err)
	}
	return collectResults(rows)
}

// FilterChunkIDs implements [search.Store].
func (k *KnowledgeIndex) FilterChunkIDs(ctx context.Context, q search.Query) ([]string, error) {
	var b queryBuilder
	b.scope(q)
	sql := "SELECT id FROM embedding\n" + b.whereClause()

	rows, err := k.pool.Query(ctx, sql, b.args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge index: filter chunk ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("knowledge index: scan ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// NearestChunks implements [search.Store]. Results are ordered by ascending
// cosine distance (most similar first).
func (k *KnowledgeIndex) NearestChunks(ctx context.Context, q search.Query) ([]search.Result, error) {
	var b queryBuilder
	vec := b.next(pgvector.NewVector(q.Vector)) // $1 = query vector
	b.scope(search.Query{KnowledgeBaseIDs: q.KnowledgeBaseIDs, IDs: q.IDs})
	b.where(fmt.Sprintf("embedding <=> %s < %s", vec, b.next(q.Threshold)))
	where := b.whereClause()
	sql := fmt.Sprintf(`
		SELECT %s, embedding <=> %s AS distance, knowledge_base_id
		FROM   embedding
		%s
		ORDER  BY distance
		%s`, resultColumns, vec, where, b.limit(q.Limit))

	rows, err := k.pool.Query(ctx, sql, b.args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge index: nearest chunks: %w", err)
	}
	return collectResults(rows)
}

func collectResults(rows pgx.Rows) ([]search.Result, error) {
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (search.Result, error) {
		var r search.Result
		dest := []any{&r.ID, &r.Content, &r.DocumentID, &r.ChunkIndex}
		for _, tag := range r.Tags() {
			dest = append(dest, tag)
		}
		dest = append(dest, &r.Distance, &r.KnowledgeBaseID)
		if err := row.Scan(dest...); err != nil {
			return search.Result{}, err
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge index: scan rows: %w", err)
	}
	if results == nil {
		results = []search.Result{}
	}
	return results, nil
}
