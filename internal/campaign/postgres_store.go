package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
	"github.com/mbd888/genforge/internal/pagination"
)

const columns = `id, tenant_id, user_id, name, brief, tone, platforms, content_types, job_ids,
	assets, script, status, credits_used, created_at, updated_at, completed_at`

// PostgresStore persists campaigns in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed campaign store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, c *Campaign) error {
	assets, script, err := encode(c)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO campaigns (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.TenantID, c.UserID, c.Name, c.Brief, c.Tone,
		pq.Array(c.Platforms), pq.Array(contentStrings(c.ContentTypes)), pq.Array(c.JobIDs),
		assets, script, string(c.Status), c.CreditsUsed, c.CreatedAt, c.UpdatedAt, c.CompletedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Campaign, error) {
	return scanCampaign(p.db.QueryRowContext(ctx, `SELECT `+columns+` FROM campaigns WHERE id = $1`, id))
}

func (p *PostgresStore) Update(ctx context.Context, c *Campaign) error {
	assets, script, err := encode(c)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE campaigns SET job_ids = $1, assets = $2, script = $3, status = $4, credits_used = $5,
			updated_at = $6, completed_at = $7
		WHERE id = $8`,
		pq.Array(c.JobIDs), assets, script, string(c.Status), c.CreditsUsed, c.UpdatedAt, c.CompletedAt, c.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, tenantID string, params pagination.Params) (pagination.Page[*Campaign], error) {
	params = params.Normalize()
	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return pagination.Page[*Campaign]{}, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+columns+` FROM campaigns WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, tenantID, params.Limit, params.Offset)
	if err != nil {
		return pagination.Page[*Campaign]{}, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return pagination.Page[*Campaign]{}, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[*Campaign]{}, err
	}
	return pagination.NewPage(out, total, params), nil
}

func encode(c *Campaign) (assets, script []byte, err error) {
	list := c.Assets
	if list == nil {
		list = []Asset{}
	}
	if assets, err = json.Marshal(list); err != nil {
		return nil, nil, err
	}
	if c.Script != nil {
		if script, err = json.Marshal(c.Script); err != nil {
			return nil, nil, err
		}
	}
	return assets, script, nil
}

func contentStrings(types []ContentType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*Campaign, error) {
	c := &Campaign{}
	var (
		platforms, contentTypes, jobIDs pq.StringArray
		assets, script                  []byte
		status                          string
		completed                       sql.NullTime
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.UserID, &c.Name, &c.Brief, &c.Tone,
		&platforms, &contentTypes, &jobIDs, &assets, &script, &status, &c.CreditsUsed,
		&c.CreatedAt, &c.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.Platforms = []string(platforms)
	c.JobIDs = []string(jobIDs)
	for _, t := range contentTypes {
		c.ContentTypes = append(c.ContentTypes, ContentType(t))
	}
	if err := json.Unmarshal(assets, &c.Assets); err != nil {
		return nil, err
	}
	if len(script) > 0 {
		c.Script = &Script{}
		if err := json.Unmarshal(script, c.Script); err != nil {
			return nil, err
		}
	}
	if completed.Valid {
		t := completed.Time
		c.CompletedAt = &t
	}
	return c, nil
}
