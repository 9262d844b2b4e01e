// Package postgres provides the PostgreSQL-backed storage of flowexec: the
// knowledge chunk index searched by package search, and the per-workflow
// memory store.
//
// Both share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1024)
//	if err != nil { … }
//
//	exec := search.NewExecutor(store.Knowledge())
//	_, _ = store.Memories().Add(ctx, memory.Memory{WorkflowID: wf, Key: "chat", Data: msg})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlKnowledge returns the chunk table DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlKnowledge(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS embedding (
    id                 TEXT         PRIMARY KEY,
    knowledge_base_id  TEXT         NOT NULL,
    document_id        TEXT         NOT NULL,
    chunk_index        INTEGER      NOT NULL DEFAULT 0,
    content            TEXT         NOT NULL,
    embedding          vector(%d),
    tag1               TEXT,
    tag2               TEXT,
    tag3               TEXT,
    tag4               TEXT,
    tag5               TEXT,
    tag6               TEXT,
    tag7               TEXT,
    enabled            BOOLEAN      NOT NULL DEFAULT true,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_embedding_kb_id
    ON embedding (knowledge_base_id);

CREATE INDEX IF NOT EXISTS idx_embedding_document_id
    ON embedding (document_id);

CREATE INDEX IF NOT EXISTS idx_embedding_vector
    ON embedding USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

const ddlMemory = `
CREATE TABLE IF NOT EXISTS memory (
    id           TEXT         PRIMARY KEY,
    key          TEXT         NOT NULL,
    workflow_id  TEXT         NOT NULL,
    type         TEXT         NOT NULL,
    data         JSONB        NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (workflow_id, key)
);

CREATE INDEX IF NOT EXISTS idx_memory_workflow_id
    ON memory (workflow_id);
`

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
//
// embeddingDimensions must match the embedding model configured for your
// deployment (e.g. 1024 for text-embedding-v4). Changing this value after the
// first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlKnowledge(embeddingDimensions),
		ddlMemory,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
