package ledger

import (
	"context"
	"fmt"
)

// Report is the outcome of replaying a tenant's transaction chain.
type Report struct {
	TenantID     string   `json:"tenantId"`
	Transactions int      `json:"transactions"`
	Balance      int64    `json:"balance"`
	Replayed     int64    `json:"replayedBalance"`
	OK           bool     `json:"ok"`
	Problems     []string `json:"problems,omitempty"`
}

// Verify replays the tenant's transactions from a zero balance and checks
// each link of the chain, then compares the result with the stored account.
func (l *Ledger) Verify(ctx context.Context, tenantID string) (*Report, error) {
	t, err := l.store.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	chain, err := l.store.Chain(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	r := &Report{TenantID: tenantID, Transactions: len(chain), Balance: t.Credits.Balance}
	var balance, issued, consumed int64
	for i, tx := range chain {
		if tx.Seq != int64(i+1) {
			r.Problems = append(r.Problems, fmt.Sprintf("%s: seq %d, want %d", tx.ID, tx.Seq, i+1))
		}
		if tx.BalanceBefore != balance {
			r.Problems = append(r.Problems, fmt.Sprintf("%s: balanceBefore %d, previous balanceAfter %d", tx.ID, tx.BalanceBefore, balance))
		}
		if tx.BalanceAfter != tx.BalanceBefore+tx.Amount {
			r.Problems = append(r.Problems, fmt.Sprintf("%s: balanceAfter %d != %d%+d", tx.ID, tx.BalanceAfter, tx.BalanceBefore, tx.Amount))
		}
		if tx.BalanceAfter < 0 {
			r.Problems = append(r.Problems, fmt.Sprintf("%s: negative balance %d", tx.ID, tx.BalanceAfter))
		}
		balance = tx.BalanceAfter
		if tx.Amount > 0 {
			issued += tx.Amount
		} else {
			consumed -= tx.Amount
		}
	}
	r.Replayed = balance

	if balance != t.Credits.Balance {
		r.Problems = append(r.Problems, fmt.Sprintf("stored balance %d, replayed %d", t.Credits.Balance, balance))
	}
	if issued != t.Credits.LifetimeIssued {
		r.Problems = append(r.Problems, fmt.Sprintf("stored lifetimeIssued %d, replayed %d", t.Credits.LifetimeIssued, issued))
	}
	if consumed != t.Credits.LifetimeConsumed {
		r.Problems = append(r.Problems, fmt.Sprintf("stored lifetimeConsumed %d, replayed %d", t.Credits.LifetimeConsumed, consumed))
	}
	r.OK = len(r.Problems) == 0
	return r, nil
}
