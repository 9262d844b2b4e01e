package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/memory"
)

// DB is the database interface used by [MemoryStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// MemoryStore is the workflow memory table. Add and Put are single upsert
// statements, so concurrent writers to the same key never lose messages.
//
// Obtain one via [Store.Memories] or [NewMemoryStore].
// All methods are safe for concurrent use.
type MemoryStore struct {
	db DB
}

var _ memory.Store = (*MemoryStore)(nil)

// NewMemoryStore returns a MemoryStore over db. The caller is responsible for
// running [Migrate] first.
func NewMemoryStore(db DB) *MemoryStore {
	return &MemoryStore{db: db}
}

const memoryColumns = "id, key, workflow_id, type, data, created_at, updated_at"

// Get implements [memory.Store].
func (s *MemoryStore) Get(ctx context.Context, workflowID, key string) (*memory.Memory, error) {
	const q = `
		SELECT ` + memoryColumns + `
		FROM   memory
		WHERE  workflow_id = $1 AND key = $2`

	m, err := scanMemory(s.db.QueryRow(ctx, q, workflowID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NotFound("memory", key)
	}
	if err != nil {
		return nil, fmt.Errorf("memory store: get: %w", err)
	}
	return m, nil
}

// List implements [memory.Store].
func (s *MemoryStore) List(ctx context.Context, workflowID string) ([]memory.Memory, error) {
	const q = `
		SELECT ` + memoryColumns + `
		FROM   memory
		WHERE  workflow_id = $1
		ORDER  BY created_at, id`

	rows, err := s.db.Query(ctx, q, workflowID)
	if err != nil {
		return nil, fmt.Errorf("memory store: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Memory, error) {
		m, err := scanMemory(row)
		if err != nil {
			return memory.Memory{}, err
		}
		return *m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory store: scan rows: %w", err)
	}
	if out == nil {
		out = []memory.Memory{}
	}
	return out, nil
}

// Add implements [memory.Store]. Agent messages are appended with the jsonb
// array concatenation operator inside the upsert.
func (s *MemoryStore) Add(ctx context.Context, m memory.Memory) (*memory.Memory, error) {
	m, err := memory.Validate(m)
	if err != nil {
		return nil, err
	}

	const q = `
		INSERT INTO memory (id, key, workflow_id, type, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id, key) DO UPDATE SET
		    data = CASE WHEN memory.type = 'agent'
		                THEN memory.data || EXCLUDED.data
		                ELSE EXCLUDED.data END,
		    updated_at = now()
		WHERE memory.type = EXCLUDED.type
		RETURNING ` + memoryColumns

	return s.upsert(ctx, q, m)
}

// Put implements [memory.Store]. The stored type wins over m.Type when the
// memory already exists.
func (s *MemoryStore) Put(ctx context.Context, m memory.Memory) (*memory.Memory, error) {
	existing, err := s.Get(ctx, m.WorkflowID, m.Key)
	var nf *apierr.NotFoundError
	switch {
	case err == nil:
		m.Type = existing.Type
	case !errors.As(err, &nf):
		return nil, err
	}
	m, err = memory.Validate(m)
	if err != nil {
		return nil, err
	}

	const q = `
		INSERT INTO memory (id, key, workflow_id, type, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id, key) DO UPDATE SET
		    data       = EXCLUDED.data,
		    updated_at = now()
		WHERE memory.type = EXCLUDED.type
		RETURNING ` + memoryColumns

	return s.upsert(ctx, q, m)
}

func (s *MemoryStore) upsert(ctx context.Context, q string, m memory.Memory) (*memory.Memory, error) {
	out, err := scanMemory(s.db.QueryRow(ctx, q,
		uuid.NewString(), m.Key, m.WorkflowID, string(m.Type), []byte(m.Data)))
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflict guard rejected the update: the stored type differs.
		existing, getErr := s.Get(ctx, m.WorkflowID, m.Key)
		if getErr != nil {
			return nil, getErr
		}
		_, mergeErr := memory.Merge(existing, m)
		if mergeErr == nil {
			mergeErr = fmt.Errorf("memory store: upsert of %q rejected", m.Key)
		}
		return nil, mergeErr
	}
	if err != nil {
		return nil, fmt.Errorf("memory store: upsert: %w", err)
	}
	return out, nil
}

// Delete implements [memory.Store].
func (s *MemoryStore) Delete(ctx context.Context, workflowID, key string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM memory WHERE workflow_id = $1 AND key = $2`, workflowID, key)
	if err != nil {
		return fmt.Errorf("memory store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("memory", key)
	}
	return nil
}

func scanMemory(row pgx.Row) (*memory.Memory, error) {
	var (
		m    memory.Memory
		typ  string
		data []byte
	)
	if err := row.Scan(&m.ID, &m.Key, &m.WorkflowID, &typ, &data, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Type = memory.Type(typ)
	m.Data = data
	return &m, nil
}
