package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
	"github.com/mbd888/genforge/internal/pagination"
)

// Columns is the tenant select list understood by ScanRow.
const Columns = `id, name, slug, status, plan_id, plan_custom, feature_overrides,
	credits_balance, credits_lifetime_issued, credits_lifetime_consumed, created_at, updated_at`

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanRow reads one tenant selected with Columns.
func ScanRow(row RowScanner) (*Tenant, error) {
	t := &Tenant{}
	var (
		status, planID string
		custom         []byte
		overrides      pq.StringArray
	)
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &status, &planID, &custom, &overrides,
		&t.Credits.Balance, &t.Credits.LifetimeIssued, &t.Credits.LifetimeConsumed,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Plan.ID = PlanID(planID)
	if len(custom) > 0 {
		t.Plan.Custom = &CustomLimits{}
		if err := json.Unmarshal(custom, t.Plan.Custom); err != nil {
			return nil, err
		}
	}
	t.FeatureOverrides = []string(overrides)
	return t, nil
}

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	custom, err := marshalCustom(t.Plan)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, slug, status, plan_id, plan_custom, feature_overrides,
			credits_balance, credits_lifetime_issued, credits_lifetime_consumed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Name, t.Slug, string(t.Status), string(t.Plan.ID), custom, pq.Array(overridesOrEmpty(t)),
		t.Credits.Balance, t.Credits.LifetimeIssued, t.Credits.LifetimeConsumed, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSlugTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return ScanRow(p.db.QueryRowContext(ctx, `SELECT `+Columns+` FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return ScanRow(p.db.QueryRowContext(ctx, `SELECT `+Columns+` FROM tenants WHERE slug = $1`, slug))
}

func (p *PostgresStore) Update(ctx context.Context, t *Tenant) error {
	custom, err := marshalCustom(t.Plan)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET name = $1, status = $2, plan_id = $3, plan_custom = $4,
			feature_overrides = $5, updated_at = $6
		WHERE id = $7`,
		t.Name, string(t.Status), string(t.Plan.ID), custom, pq.Array(overridesOrEmpty(t)), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, params pagination.Params) (pagination.Page[*Tenant], error) {
	params = params.Normalize()

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenants`).Scan(&total); err != nil {
		return pagination.Page[*Tenant]{}, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+Columns+` FROM tenants
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2`, params.Limit, params.Offset)
	if err != nil {
		return pagination.Page[*Tenant]{}, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Tenant
	for rows.Next() {
		t, err := ScanRow(rows)
		if err != nil {
			return pagination.Page[*Tenant]{}, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[*Tenant]{}, err
	}
	return pagination.NewPage(out, total, params), nil
}

func marshalCustom(p Plan) ([]byte, error) {
	if p.Custom == nil {
		return nil, nil
	}
	return json.Marshal(p.Custom)
}

func overridesOrEmpty(t *Tenant) []string {
	if t.FeatureOverrides == nil {
		return []string{}
	}
	return t.FeatureOverrides
}

var _ Store = (*PostgresStore)(nil)
