package tenant

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/genforge/internal/pagination"
)

// MemoryStore is an in-memory tenant store for demo/development.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant // by ID
	slugs   map[string]string  // slug → ID
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		slugs:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.slugs[t.Slug]; exists {
		return ErrSlugTaken
	}
	m.tenants[t.ID] = t.Clone()
	m.slugs[t.Slug] = t.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) GetBySlug(_ context.Context, slug string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.slugs[slug]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return m.tenants[id].Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tenants[t.ID]
	if !ok {
		return ErrTenantNotFound
	}
	cp := t.Clone()
	cp.Slug = cur.Slug
	cp.Credits = cur.Credits
	cp.CreatedAt = cur.CreatedAt
	m.tenants[t.ID] = cp
	return nil
}

// SetCredits overwrites the credit account. Only the ledger's memory store
// calls this, while holding the tenant's ledger lock.
func (m *MemoryStore) SetCredits(_ context.Context, id string, c Credits, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	t.Credits = c
	t.UpdatedAt = at
	return nil
}

func (m *MemoryStore) List(_ context.Context, p pagination.Params) (pagination.Page[*Tenant], error) {
	m.mu.RLock()
	all := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		all = append(all, t.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return pagination.Slice(all, p), nil
}

var _ Store = (*MemoryStore)(nil)
