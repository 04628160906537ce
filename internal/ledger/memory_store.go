package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/genforge/internal/pagination"
	"github.com/mbd888/genforge/internal/syncutil"
	"github.com/mbd888/genforge/internal/tenant"
)

// ErrTransactionNotFound is returned by FindByKey when nothing matches.
var ErrTransactionNotFound = errors.New("ledger: transaction not found")

// MemoryStore keeps transactions in memory and credit accounts in a
// tenant.MemoryStore, for demo/testing.
type MemoryStore struct {
	tenants *tenant.MemoryStore
	locks   *syncutil.KeyedMutex

	mu   sync.RWMutex
	txs  map[string][]*Transaction // tenantID → chain, oldest first
	keys map[string]*Transaction   // tenantID + "\x00" + key
}

// NewMemoryStore creates a ledger store over tenants.
func NewMemoryStore(tenants *tenant.MemoryStore) *MemoryStore {
	return &MemoryStore{
		tenants: tenants,
		locks:   syncutil.NewKeyedMutex(),
		txs:     make(map[string][]*Transaction),
		keys:    make(map[string]*Transaction),
	}
}

func keyOf(tenantID, key string) string { return tenantID + "\x00" + key }

func (m *MemoryStore) Apply(ctx context.Context, tenantID, key string, fn MutateFunc) (*Result, error) {
	unlock, err := m.locks.LockContext(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if key != "" {
		m.mu.RLock()
		_, dup := m.keys[keyOf(tenantID, key)]
		m.mu.RUnlock()
		if dup {
			return nil, ErrDuplicateKey
		}
	}

	t, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	seq := int64(len(m.txs[tenantID]))
	m.mu.RUnlock()

	mut, err := fn(&Account{Tenant: t, Seq: seq})
	if err != nil {
		return nil, err
	}
	if mut.Credits.Balance < 0 || !mut.Credits.Consistent() {
		return nil, ErrInsufficientBalance
	}
	if err := m.tenants.SetCredits(ctx, tenantID, mut.Credits, mut.Tx.CreatedAt); err != nil {
		return nil, err
	}

	stored := *mut.Tx
	m.mu.Lock()
	m.txs[tenantID] = append(m.txs[tenantID], &stored)
	if key != "" {
		m.keys[keyOf(tenantID, key)] = &stored
	}
	m.mu.Unlock()

	t.Credits = mut.Credits
	t.UpdatedAt = mut.Tx.CreatedAt
	txCopy := stored
	return &Result{Tenant: t, Transaction: &txCopy}, nil
}

func (m *MemoryStore) Tenant(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	return m.tenants.Get(ctx, tenantID)
}

func (m *MemoryStore) FindByKey(_ context.Context, tenantID, key string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.keys[keyOf(tenantID, key)]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) History(_ context.Context, tenantID string, f Filter, p pagination.Params) (pagination.Page[*Transaction], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.txs[tenantID]
	out := make([]*Transaction, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		if f.Type != "" && chain[i].Type != f.Type {
			continue
		}
		cp := *chain[i]
		out = append(out, &cp)
	}
	return pagination.Slice(out, p), nil
}

func (m *MemoryStore) Chain(_ context.Context, tenantID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.txs[tenantID]
	out := make([]*Transaction, len(chain))
	for i, tx := range chain {
		cp := *tx
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ConsumptionSince(_ context.Context, since time.Time) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[string]int64)
	for tenantID, chain := range m.txs {
		for i := len(chain) - 1; i >= 0 && !chain[i].CreatedAt.Before(since); i-- {
			if chain[i].Type == TypeConsumption {
				sums[tenantID] -= chain[i].Amount
			}
		}
	}
	return sums, nil
}

var _ Store = (*MemoryStore)(nil)
