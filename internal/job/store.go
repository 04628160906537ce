package job

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/genforge/internal/pagination"
)

// Filter narrows a listing. Empty fields match everything.
type Filter struct {
	TenantID   string   `form:"-"`
	UserID     string   `form:"-"`
	CampaignID string   `form:"campaignId"`
	Module     Module   `form:"module"`
	Statuses   []Status `form:"status"`
}

func (f Filter) match(j *Job) bool {
	if f.TenantID != "" && j.TenantID != f.TenantID {
		return false
	}
	if f.UserID != "" && j.UserID != f.UserID {
		return false
	}
	if f.CampaignID != "" && j.CampaignID != f.CampaignID {
		return false
	}
	if f.Module != "" && j.Module != f.Module {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status) {
		return false
	}
	return true
}

// Store persists jobs.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	GetMany(ctx context.Context, ids []string) ([]*Job, error)
	// List returns matching jobs, newest first.
	List(ctx context.Context, f Filter, p pagination.Params) (pagination.Page[*Job], error)
	// UpdateStatus moves the job to status and applies patch, provided its
	// current status is one of from (any status when from is empty).
	// Otherwise it returns ErrStatusConflict.
	UpdateStatus(ctx context.Context, id string, status Status, patch Patch, from ...Status) (*Job, error)
	// Patch applies patch without changing status.
	Patch(ctx context.Context, id string, patch Patch) (*Job, error)
	Stats(ctx context.Context, userID string) (*Stats, error)
}

// MemoryStore is an in-memory job store for demo/testing.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore creates an in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) Create(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) GetMany(_ context.Context, ids []string) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := m.jobs[id]; ok {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter, p pagination.Params) (pagination.Page[*Job], error) {
	m.mu.RLock()
	var out []*Job
	for _, j := range m.jobs {
		if f.match(j) {
			out = append(out, j.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].QueuedAt.Equal(out[k].QueuedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].QueuedAt.After(out[k].QueuedAt)
	})
	return pagination.Slice(out, p), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, patch Patch, from ...Status) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if len(from) > 0 && !slices.Contains(from, j.Status) {
		return nil, ErrStatusConflict
	}
	j.Status = status
	patch.Apply(j)
	j.UpdatedAt = time.Now().UTC()
	return j.Clone(), nil
}

func (m *MemoryStore) Patch(_ context.Context, id string, patch Patch) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	patch.Apply(j)
	j.UpdatedAt = time.Now().UTC()
	return j.Clone(), nil
}

func (m *MemoryStore) Stats(_ context.Context, userID string) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := NewStats()
	for _, j := range m.jobs {
		if j.UserID == userID {
			s.Add(j)
		}
	}
	return s, nil
}

var _ Store = (*MemoryStore)(nil)
