package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/mbd888/genforge/internal/pagination"
)

// Store persists activity entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// ListByTenant returns a tenant's entries, newest first.
	ListByTenant(ctx context.Context, tenantID string, p pagination.Params) (pagination.Page[*Entry], error)
}

// MemoryStore keeps entries in memory for demo/testing.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an in-memory activity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string, p pagination.Params) (pagination.Page[*Entry], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if e := m.entries[i]; e.TenantID == tenantID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return pagination.Slice(out, p), nil
}

// PostgresStore writes entries to PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an activity store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, tenant_id, actor_type, actor_id, action, subject, detail, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7::JSONB, $8)`,
		e.ID, e.TenantID, e.ActorType, e.ActorID, e.Action, e.Subject, detail, e.CreatedAt)
	return err
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, p pagination.Params) (pagination.Page[*Entry], error) {
	p = p.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activity_log WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return pagination.Page[*Entry]{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(tenant_id, ''), actor_type, actor_id, action, subject, detail, created_at
		FROM activity_log WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, tenantID, p.Limit, p.Offset)
	if err != nil {
		return pagination.Page[*Entry]{}, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var detail []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorType, &e.ActorID, &e.Action,
			&e.Subject, &detail, &e.CreatedAt); err != nil {
			return pagination.Page[*Entry]{}, err
		}
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &e.Detail)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[*Entry]{}, err
	}
	return pagination.NewPage(out, total, p), nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
