package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/genforge/internal/pagination"
)

const columns = `id, tenant_id, user_id, module, status, input, output, credits_used,
	retry_count, max_retries, error, refunded, provider_job_id, campaign_id,
	queued_at, started_at, completed_at, updated_at`

// PostgresStore persists jobs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed job store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, j *Job) error {
	input, output, errJSON, err := encode(j)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO jobs (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		j.ID, j.TenantID, j.UserID, string(j.Module), string(j.Status), input, output, j.CreditsUsed,
		j.RetryCount, j.MaxRetries, errJSON, j.Refunded, j.ProviderJobID, j.CampaignID,
		j.QueuedAt, j.StartedAt, j.CompletedAt, j.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	return scanJob(p.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = $1`, id))
}

func (p *PostgresStore) GetMany(ctx context.Context, ids []string) ([]*Job, error) {
	if len(ids) == 0 {
		return []*Job{}, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (p *PostgresStore) List(ctx context.Context, f Filter, params pagination.Params) (pagination.Page[*Job], error) {
	params = params.Normalize()
	where, args := filterClause(f)

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return pagination.Page[*Job]{}, err
	}

	args = append(args, params.Limit, params.Offset)
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT `+columns+` FROM jobs%s
		ORDER BY queued_at DESC, id DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return pagination.Page[*Job]{}, err
	}
	out, err := scanJobs(rows)
	if err != nil {
		return pagination.Page[*Job]{}, err
	}
	return pagination.NewPage(out, total, params), nil
}

func filterClause(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.CampaignID != "" {
		add("campaign_id = $%d", f.CampaignID)
	}
	if f.Module != "" {
		add("module = $%d", string(f.Module))
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", pq.Array(statusStrings(f.Statuses)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// UpdateStatus runs the guarded read-modify-write inside a transaction with
// the row locked, so concurrent transitions on one job are serialized.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, patch Patch, from ...Status) (*Job, error) {
	return p.update(ctx, id, func(j *Job) error {
		if len(from) > 0 && !slices.Contains(from, j.Status) {
			return ErrStatusConflict
		}
		j.Status = status
		patch.Apply(j)
		return nil
	})
}

func (p *PostgresStore) Patch(ctx context.Context, id string, patch Patch) (*Job, error) {
	return p.update(ctx, id, func(j *Job) error {
		patch.Apply(j)
		return nil
	})
}

func (p *PostgresStore) update(ctx context.Context, id string, fn func(j *Job) error) (*Job, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(j); err != nil {
		return nil, err
	}
	j.UpdatedAt = time.Now().UTC()

	_, output, errJSON, err := encode(j)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, output = $2, retry_count = $3, error = $4, refunded = $5,
			provider_job_id = $6, started_at = $7, completed_at = $8, updated_at = $9
		WHERE id = $10`,
		string(j.Status), output, j.RetryCount, errJSON, j.Refunded,
		j.ProviderJobID, j.StartedAt, j.CompletedAt, j.UpdatedAt, id,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

func (p *PostgresStore) Stats(ctx context.Context, userID string) (*Stats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, module, COUNT(*), COALESCE(SUM(credits_used) FILTER (WHERE NOT refunded), 0)
		FROM jobs WHERE user_id = $1
		GROUP BY status, module`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	s := NewStats()
	for rows.Next() {
		var status, module string
		var count int
		var spent int64
		if err := rows.Scan(&status, &module, &count, &spent); err != nil {
			return nil, err
		}
		s.Total += count
		s.ByStatus[Status(status)] += count
		s.ByModule[Module(module)] += count
		s.CreditsSpent += spent
	}
	return s, rows.Err()
}

func encode(j *Job) (input, output, errJSON []byte, err error) {
	if input, err = json.Marshal(j.Input); err != nil {
		return nil, nil, nil, err
	}
	out := j.Output
	if out == nil {
		out = []Output{}
	}
	if output, err = json.Marshal(out); err != nil {
		return nil, nil, nil, err
	}
	if j.Error != nil {
		if errJSON, err = json.Marshal(j.Error); err != nil {
			return nil, nil, nil, err
		}
	}
	return input, output, errJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var (
		module, status        string
		input, output, errRaw []byte
		started, completed    sql.NullTime
	)
	err := row.Scan(&j.ID, &j.TenantID, &j.UserID, &module, &status, &input, &output, &j.CreditsUsed,
		&j.RetryCount, &j.MaxRetries, &errRaw, &j.Refunded, &j.ProviderJobID, &j.CampaignID,
		&j.QueuedAt, &started, &completed, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Module = Module(module)
	j.Status = Status(status)
	if err := json.Unmarshal(input, &j.Input); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(output, &j.Output); err != nil {
		return nil, err
	}
	if len(errRaw) > 0 {
		j.Error = &Error{}
		if err := json.Unmarshal(errRaw, j.Error); err != nil {
			return nil, err
		}
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer func() { _ = rows.Close() }()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

var _ Store = (*PostgresStore)(nil)
