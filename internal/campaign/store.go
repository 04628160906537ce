package campaign

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/genforge/internal/pagination"
)

// Store persists campaigns.
type Store interface {
	Create(ctx context.Context, c *Campaign) error
	Get(ctx context.Context, id string) (*Campaign, error)
	Update(ctx context.Context, c *Campaign) error
	// List returns a tenant's campaigns, newest first.
	List(ctx context.Context, tenantID string, p pagination.Params) (pagination.Page[*Campaign], error)
}

// MemoryStore is an in-memory campaign store for demo/testing.
type MemoryStore struct {
	mu        sync.RWMutex
	campaigns map[string]*Campaign
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{campaigns: make(map[string]*Campaign)}
}

func (m *MemoryStore) Create(_ context.Context, c *Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, c *Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[c.ID]; !ok {
		return ErrCampaignNotFound
	}
	m.campaigns[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) List(_ context.Context, tenantID string, p pagination.Params) (pagination.Page[*Campaign], error) {
	m.mu.RLock()
	var out []*Campaign
	for _, c := range m.campaigns {
		if c.TenantID == tenantID {
			out = append(out, c.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return pagination.Slice(out, p), nil
}
