package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/genforge/internal/pagination"
	"github.com/mbd888/genforge/internal/tenant"
)

const txColumns = `id, tenant_id, seq, type, amount, balance_before, balance_after,
	reason, feature_id, related_job_id, performed_by, COALESCE(idempotency_key, ''), created_at`

// PostgresStore keeps credit accounts on the tenants table and transactions
// in credit_transactions. Apply serializes per tenant with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// seqScanner appends the ledger_seq column to a tenant row scan.
type seqScanner struct {
	row *sql.Row
	seq *int64
}

func (s seqScanner) Scan(dest ...any) error {
	return s.row.Scan(append(dest, s.seq)...)
}

func (p *PostgresStore) Apply(ctx context.Context, tenantID, key string, fn MutateFunc) (*Result, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	t, err := tenant.ScanRow(seqScanner{
		row: tx.QueryRowContext(ctx, `SELECT `+tenant.Columns+`, ledger_seq FROM tenants WHERE id = $1 FOR UPDATE`, tenantID),
		seq: &seq,
	})
	if err != nil {
		return nil, err
	}

	if key != "" {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE tenant_id = $1 AND idempotency_key = $2)`,
			tenantID, key).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrDuplicateKey
		}
	}

	mut, err := fn(&Account{Tenant: t, Seq: seq})
	if err != nil {
		return nil, err
	}

	c := mut.Credits
	if _, err := tx.ExecContext(ctx, `
		UPDATE tenants SET credits_balance = $1, credits_lifetime_issued = $2,
			credits_lifetime_consumed = $3, ledger_seq = $4, updated_at = $5
		WHERE id = $6`,
		c.Balance, c.LifetimeIssued, c.LifetimeConsumed, mut.Tx.Seq, mut.Tx.CreatedAt, tenantID,
	); err != nil {
		return nil, mapPQError(err)
	}

	m := mut.Tx
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, tenant_id, seq, type, amount, balance_before, balance_after,
			reason, feature_id, related_job_id, performed_by, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13)`,
		m.ID, m.TenantID, m.Seq, string(m.Type), m.Amount, m.BalanceBefore, m.BalanceAfter,
		m.Reason, m.FeatureID, m.RelatedJobID, m.PerformedBy, m.IdempotencyKey, m.CreatedAt,
	); err != nil {
		return nil, mapPQError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Credits = c
	t.UpdatedAt = m.CreatedAt
	stored := *m
	return &Result{Tenant: t, Transaction: &stored}, nil
}

func (p *PostgresStore) Tenant(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	return tenant.ScanRow(p.db.QueryRowContext(ctx, `SELECT `+tenant.Columns+` FROM tenants WHERE id = $1`, tenantID))
}

func (p *PostgresStore) FindByKey(ctx context.Context, tenantID, key string) (*Transaction, error) {
	tx, err := scanTransaction(p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM credit_transactions
		WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) History(ctx context.Context, tenantID string, f Filter, params pagination.Params) (pagination.Page[*Transaction], error) {
	params = params.Normalize()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credit_transactions
		WHERE tenant_id = $1 AND ($2 = '' OR type = $2)`, tenantID, string(f.Type)).Scan(&total); err != nil {
		return pagination.Page[*Transaction]{}, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM credit_transactions
		WHERE tenant_id = $1 AND ($2 = '' OR type = $2)
		ORDER BY seq DESC
		LIMIT $3 OFFSET $4`, tenantID, string(f.Type), params.Limit, params.Offset)
	if err != nil {
		return pagination.Page[*Transaction]{}, err
	}
	out, err := scanTransactions(rows)
	if err != nil {
		return pagination.Page[*Transaction]{}, err
	}
	return pagination.NewPage(out, total, params), nil
}

func (p *PostgresStore) Chain(ctx context.Context, tenantID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM credit_transactions
		WHERE tenant_id = $1 ORDER BY seq`, tenantID)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (p *PostgresStore) ConsumptionSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tenant_id, -SUM(amount) FROM credit_transactions
		WHERE type = 'CONSUMPTION' AND created_at >= $1
		GROUP BY tenant_id`, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	sums := make(map[string]int64)
	for rows.Next() {
		var id string
		var sum int64
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		sums[id] = sum
	}
	return sums, rows.Err()
}

func scanTransaction(row tenant.RowScanner) (*Transaction, error) {
	tx := &Transaction{}
	var typ string
	err := row.Scan(&tx.ID, &tx.TenantID, &tx.Seq, &typ, &tx.Amount, &tx.BalanceBefore, &tx.BalanceAfter,
		&tx.Reason, &tx.FeatureID, &tx.RelatedJobID, &tx.PerformedBy, &tx.IdempotencyKey, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	tx.Type = Type(typ)
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	defer func() { _ = rows.Close() }()
	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// mapPQError translates constraint violations into ledger errors.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505": // unique_violation
		return ErrDuplicateKey
	case "23514": // check_violation
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, pqErr.Constraint)
	}
	return err
}

var _ Store = (*PostgresStore)(nil)
