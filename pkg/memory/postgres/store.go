package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store owns the connection pool shared by [KnowledgeIndex] and
// [MemoryStore]. Safe for concurrent use.
type Store struct {
	pool      *pgxpool.Pool
	knowledge *KnowledgeIndex
	memories  *MemoryStore
}

// Option adjusts the pool configuration before connecting.
type Option func(*pgxpool.Config)

// WithMaxConns caps the pool size. Values below 1 keep the pgx default.
func WithMaxConns(n int32) Option {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

// NewStore connects to dsn, verifies the connection and applies [Migrate].
// dims is the width of the chunk embedding column and has to match the
// embeddings provider.
func NewStore(ctx context.Context, dsn string, dims int, opts ...Option) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	for _, opt := range opts {
		opt(poolCfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := setup(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{
		pool:      pool,
		knowledge: &KnowledgeIndex{pool: pool},
		memories:  NewMemoryStore(pool),
	}, nil
}

func setup(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

// Knowledge returns the chunk index backing vector and tag search.
func (s *Store) Knowledge() *KnowledgeIndex { return s.knowledge }

// Memories returns the per-workflow memory store.
func (s *Store) Memories() *MemoryStore { return s.memories }

// Ping reports whether the database answers. The readiness probe uses it.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close waits for acquired connections to be released and closes the pool.
func (s *Store) Close() { s.pool.Close() }
