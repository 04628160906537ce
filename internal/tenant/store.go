package tenant

import (
	"context"

	"github.com/mbd888/genforge/internal/pagination"
)

// Store persists tenants.
//
// Update writes profile, status, plan and overrides. It never writes
// Credits; the ledger owns the credit columns.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	List(ctx context.Context, p pagination.Params) (pagination.Page[*Tenant], error)
}
