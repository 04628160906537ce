package ledger

import (
	"context"
	"time"

	"github.com/mbd888/genforge/internal/pagination"
	"github.com/mbd888/genforge/internal/tenant"
)

// Account is a tenant as seen under its ledger lock. Seq is the sequence
// number of the tenant's latest transaction (0 when none).
type Account struct {
	Tenant *tenant.Tenant
	Seq    int64
}

// Mutation is the outcome of one ledger operation: the new credit account and
// the transaction that explains it.
type Mutation struct {
	Credits tenant.Credits
	Tx      *Transaction
}

// MutateFunc decides a mutation from the locked account. Returning an error
// aborts without writing anything.
type MutateFunc func(acct *Account) (*Mutation, error)

// Filter narrows a history query.
type Filter struct {
	Type Type `form:"type"`
}

// Store persists credit accounts and their transactions.
type Store interface {
	// Apply locks the tenant's account, runs fn and atomically persists the
	// returned credits and transaction. When key is non-empty and a
	// transaction with that key already exists for the tenant, Apply
	// returns ErrDuplicateKey without calling fn.
	Apply(ctx context.Context, tenantID, key string, fn MutateFunc) (*Result, error)

	Tenant(ctx context.Context, tenantID string) (*tenant.Tenant, error)
	FindByKey(ctx context.Context, tenantID, key string) (*Transaction, error)

	// History returns transactions newest first.
	History(ctx context.Context, tenantID string, f Filter, p pagination.Params) (pagination.Page[*Transaction], error)
	// Chain returns every transaction of the tenant, oldest first.
	Chain(ctx context.Context, tenantID string) ([]*Transaction, error)
	// ConsumptionSince sums CONSUMPTION magnitudes per tenant since t.
	ConsumptionSince(ctx context.Context, t time.Time) (map[string]int64, error)
}
