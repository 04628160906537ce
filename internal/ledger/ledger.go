// Package ledger keeps each tenant's credit account.
//
// Every balance change is one append-only Transaction whose BalanceAfter
// equals BalanceBefore plus Amount, and whose BalanceBefore equals the
// previous transaction's BalanceAfter. Mutations of one tenant are
// linearized by the Store; different tenants never share a lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/mbd888/genforge/internal/activity"
	"github.com/mbd888/genforge/internal/idgen"
	"github.com/mbd888/genforge/internal/logging"
	"github.com/mbd888/genforge/internal/pagination"
	"github.com/mbd888/genforge/internal/tenant"
	"github.com/mbd888/genforge/internal/traces"
)

// MaxBalance caps any tenant balance.
const MaxBalance int64 = 10_000_000

// HighVelocityBase is the consumption within HighVelocityWindow flagged at
// multiplier 1.
const HighVelocityBase int64 = 500

// HighVelocityWindow is the trailing period HighVelocity sums over.
const HighVelocityWindow = 24 * time.Hour

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: amount must be a positive integer within the balance cap")
	ErrTenantSuspended     = errors.New("ledger: tenant suspended")
	ErrTenantLocked        = errors.New("ledger: tenant locked for payment failure")
	ErrFeatureRequired     = errors.New("ledger: consumption requires a feature id")
	ErrJobRequired         = errors.New("ledger: refund requires a related job id")
	ErrReferenceRequired   = errors.New("ledger: purchase requires a payment reference")
	ErrBalanceCap          = errors.New("ledger: balance cap exceeded")
	ErrDuplicateKey        = errors.New("ledger: idempotency key already applied")
	ErrInvalidPeriod       = errors.New("ledger: period must be YYYY-MM")
)

// InsufficientBalanceError carries the shortfall of a rejected debit.
type InsufficientBalanceError struct {
	TenantID  string
	Balance   int64
	Requested int64
}

// Shortfall is how many credits were missing.
func (e *InsufficientBalanceError) Shortfall() int64 { return e.Requested - e.Balance }

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance for tenant %s: have %d, need %d, short %d",
		e.TenantID, e.Balance, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Type classifies a transaction.
type Type string

const (
	TypeGrant       Type = "GRANT"
	TypeConsumption Type = "CONSUMPTION"
	TypeRefund      Type = "REFUND"
	TypeDeduct      Type = "DEDUCT"
	TypePurchase    Type = "PURCHASE"
)

// Transaction is one immutable balance change.
type Transaction struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	Seq            int64     `json:"seq"`
	Type           Type      `json:"type"`
	Amount         int64     `json:"amount"` // signed
	BalanceBefore  int64     `json:"balanceBefore"`
	BalanceAfter   int64     `json:"balanceAfter"`
	Reason         string    `json:"reason,omitempty"`
	FeatureID      string    `json:"featureId,omitempty"`
	RelatedJobID   string    `json:"relatedJobId,omitempty"`
	PerformedBy    string    `json:"performedBy,omitempty"`
	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Result is the tenant snapshot after a mutation plus the transaction that
// produced it. Duplicate is set when an idempotent operation was replayed
// and Transaction is the originally recorded one.
type Result struct {
	Tenant      *tenant.Tenant `json:"tenant"`
	Transaction *Transaction   `json:"transaction"`
	Duplicate   bool           `json:"duplicate,omitempty"`
}

// Ledger applies credit operations.
type Ledger struct {
	store   Store
	events  activity.Recorder
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New creates a ledger over store.
func New(store Store, events activity.Recorder, logger *slog.Logger) *Ledger {
	if events == nil {
		events = activity.Nop{}
	}
	return &Ledger{store: store, events: events, logger: logging.OrDefault(logger), nowFunc: time.Now}
}

// Consume debits amount for featureID. relatedJobID may be empty.
func (l *Ledger) Consume(ctx context.Context, tenantID string, amount int64, featureID, relatedJobID string) (*Result, error) {
	if featureID == "" {
		return nil, ErrFeatureRequired
	}
	op := operation{
		typ:          TypeConsumption,
		amount:       amount,
		featureID:    featureID,
		relatedJobID: relatedJobID,
		reason:       "consumption: " + featureID,
		check: func(t *tenant.Tenant) error {
			switch t.Status {
			case tenant.StatusSuspended:
				return ErrTenantSuspended
			case tenant.StatusLockedPaymentFail:
				return ErrTenantLocked
			}
			return checkFunds(t, amount)
		},
	}
	return l.apply(ctx, tenantID, op)
}

// Grant credits amount on an administrator's behalf.
func (l *Ledger) Grant(ctx context.Context, tenantID string, amount int64, reason, adminID string) (*Result, error) {
	return l.apply(ctx, tenantID, operation{
		typ:         TypeGrant,
		amount:      amount,
		reason:      reason,
		performedBy: adminID,
		capped:      true,
		check:       rejectSuspended,
	})
}

// Deduct removes amount on an administrator's behalf.
func (l *Ledger) Deduct(ctx context.Context, tenantID string, amount int64, reason, adminID string) (*Result, error) {
	return l.apply(ctx, tenantID, operation{
		typ:         TypeDeduct,
		amount:      amount,
		reason:      reason,
		performedBy: adminID,
		check: func(t *tenant.Tenant) error {
			if err := rejectSuspended(t); err != nil {
				return err
			}
			return checkFunds(t, amount)
		},
	})
}

// Refund returns amount for relatedJobID. At most one refund is ever recorded
// per job; replays return the original transaction with Duplicate set.
// Refunds restore consumed credits, so they ignore account status and the cap.
func (l *Ledger) Refund(ctx context.Context, tenantID string, amount int64, relatedJobID, reason string) (*Result, error) {
	if relatedJobID == "" {
		return nil, ErrJobRequired
	}
	return l.apply(ctx, tenantID, operation{
		typ:          TypeRefund,
		amount:       amount,
		reason:       reason,
		relatedJobID: relatedJobID,
		key:          "refund:" + relatedJobID,
	})
}

// Purchase credits paid-for credits. Replays of paymentRef are no-ops.
func (l *Ledger) Purchase(ctx context.Context, tenantID string, amount int64, paymentRef string) (*Result, error) {
	if paymentRef == "" {
		return nil, ErrReferenceRequired
	}
	return l.apply(ctx, tenantID, operation{
		typ:    TypePurchase,
		amount: amount,
		reason: "purchase " + paymentRef,
		key:    "purchase:" + paymentRef,
		capped: true,
	})
}

// GrantMonthlyAllotment issues the plan's monthly credits for period
// (YYYY-MM) at most once. A plan with no allotment yields a nil result.
func (l *Ledger) GrantMonthlyAllotment(ctx context.Context, tenantID, period string) (*Result, error) {
	if _, err := time.Parse("2006-01", period); err != nil {
		return nil, ErrInvalidPeriod
	}
	t, err := l.store.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	amount := t.Plan.MonthlyCredits(l.nowFunc())
	if amount <= 0 {
		return nil, nil
	}
	return l.apply(ctx, tenantID, operation{
		typ:         TypeGrant,
		amount:      amount,
		reason:      "monthly allotment " + period,
		performedBy: activity.ActorSystem,
		key:         "allotment:" + period,
		capped:      true,
		check:       rejectSuspended,
	})
}

// Balance returns the tenant's credit account.
func (l *Ledger) Balance(ctx context.Context, tenantID string) (tenant.Credits, error) {
	t, err := l.store.Tenant(ctx, tenantID)
	if err != nil {
		return tenant.Credits{}, err
	}
	return t.Credits, nil
}

// History returns the tenant's transactions, newest first.
func (l *Ledger) History(ctx context.Context, tenantID string, f Filter, p pagination.Params) (pagination.Page[*Transaction], error) {
	return l.store.History(ctx, tenantID, f, p)
}

// Velocity is one tenant's consumption within the detection window.
type Velocity struct {
	TenantID string `json:"tenantId"`
	Consumed int64  `json:"consumed"`
}

// HighVelocity returns tenants whose consumption over HighVelocityWindow exceeds
// HighVelocityBase times multiplier, highest first.
func (l *Ledger) HighVelocity(ctx context.Context, multiplier float64) ([]Velocity, error) {
	if multiplier <= 0 {
		multiplier = 1
	}
	threshold := int64(float64(HighVelocityBase) * multiplier)
	sums, err := l.store.ConsumptionSince(ctx, l.nowFunc().Add(-HighVelocityWindow))
	if err != nil {
		return nil, err
	}
	out := make([]Velocity, 0)
	for id, consumed := range sums {
		if consumed > threshold {
			out = append(out, Velocity{TenantID: id, Consumed: consumed})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Consumed == out[j].Consumed {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Consumed > out[j].Consumed
	})
	return out, nil
}

// operation describes one mutation. amount is always the positive magnitude.
type operation struct {
	typ          Type
	amount       int64
	featureID    string
	relatedJobID string
	reason       string
	performedBy  string
	key          string
	capped       bool
	check        func(t *tenant.Tenant) error
}

func (op operation) debit() bool {
	return op.typ == TypeConsumption || op.typ == TypeDeduct
}

func (l *Ledger) apply(ctx context.Context, tenantID string, op operation) (*Result, error) {
	if op.amount <= 0 || op.amount > MaxBalance {
		return nil, ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "ledger."+string(op.typ), traces.TenantID(tenantID), traces.Amount(op.amount))
	defer span.End()
	done := observeOp(op.typ)

	if op.performedBy == "" {
		_, op.performedBy = activity.ActorFromContext(ctx)
	}
	now := l.nowFunc().UTC()

	res, err := l.store.Apply(ctx, tenantID, op.key, func(acct *Account) (*Mutation, error) {
		t := acct.Tenant
		if op.check != nil {
			if err := op.check(t); err != nil {
				return nil, err
			}
		}
		credits := t.Credits
		signed := op.amount
		if op.debit() {
			signed = -op.amount
			credits.Balance -= op.amount
			credits.LifetimeConsumed += op.amount
		} else {
			credits.Balance += op.amount
			credits.LifetimeIssued += op.amount
		}
		if op.capped && credits.Balance > MaxBalance {
			return nil, ErrBalanceCap
		}
		return &Mutation{
			Credits: credits,
			Tx: &Transaction{
				ID:             idgen.WithPrefix(idgen.PrefixTransaction),
				TenantID:       tenantID,
				Seq:            acct.Seq + 1,
				Type:           op.typ,
				Amount:         signed,
				BalanceBefore:  t.Credits.Balance,
				BalanceAfter:   credits.Balance,
				Reason:         op.reason,
				FeatureID:      op.featureID,
				RelatedJobID:   op.relatedJobID,
				PerformedBy:    op.performedBy,
				IdempotencyKey: op.key,
				CreatedAt:      now,
			},
		}, nil
	})
	if errors.Is(err, ErrDuplicateKey) {
		done("duplicate")
		return l.replay(ctx, tenantID, op.key)
	}
	if err != nil {
		done("rejected")
		span.RecordError(err)
		return nil, err
	}
	done("ok")

	tx := res.Transaction
	if op.typ == TypeConsumption {
		CreditsConsumedTotal.Add(float64(op.amount))
	} else {
		l.events.Record(ctx, activity.Entry{
			TenantID: tenantID,
			Action:   "credits." + string(op.typ),
			Subject:  tx.ID,
			Detail: map[string]string{
				"amount":  strconv.FormatInt(tx.Amount, 10),
				"balance": strconv.FormatInt(tx.BalanceAfter, 10),
				"reason":  tx.Reason,
			},
		})
	}
	logging.L(ctx).Debug("ledger mutation applied",
		"tenant_id", tenantID, "type", tx.Type, "amount", tx.Amount, "balance", tx.BalanceAfter)
	return res, nil
}

func (l *Ledger) replay(ctx context.Context, tenantID, key string) (*Result, error) {
	tx, err := l.store.FindByKey(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	t, err := l.store.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Result{Tenant: t, Transaction: tx, Duplicate: true}, nil
}

func rejectSuspended(t *tenant.Tenant) error {
	if t.Status == tenant.StatusSuspended {
		return ErrTenantSuspended
	}
	return nil
}

func checkFunds(t *tenant.Tenant, amount int64) error {
	if t.Credits.Balance < amount {
		return &InsufficientBalanceError{TenantID: t.ID, Balance: t.Credits.Balance, Requested: amount}
	}
	return nil
}
