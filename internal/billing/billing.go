// Package billing turns completed Stripe checkouts into credit purchases.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/genforge/internal/ledger"
	"github.com/mbd888/genforge/internal/logging"
)

var (
	ErrUnpaid          = errors.New("billing: checkout session not paid")
	ErrMissingTenant   = errors.New("billing: checkout session has no tenant")
	ErrInvalidQuantity = errors.New("billing: checkout session has no credit quantity")
)

// Metadata keys set on the checkout session when it is created.
const (
	MetaTenantID = "tenant_id"
	MetaCredits  = "credits"
)

// Purchaser records paid credits.
type Purchaser interface {
	Purchase(ctx context.Context, tenantID string, amount int64, paymentRef string) (*ledger.Result, error)
}

// Fulfiller credits tenants for paid checkout sessions.
type Fulfiller struct {
	purchaser      Purchaser
	creditsPerCent int64
	logger         *slog.Logger
}

// NewFulfiller creates a fulfiller. creditsPerCent prices sessions that do
// not name a credit quantity; zero disables that fallback.
func NewFulfiller(p Purchaser, creditsPerCent int64, logger *slog.Logger) *Fulfiller {
	return &Fulfiller{purchaser: p, creditsPerCent: creditsPerCent, logger: logging.OrDefault(logger)}
}

// Fulfill records the purchase for sess. The session id is the payment
// reference, so replayed events credit once.
func (f *Fulfiller) Fulfill(ctx context.Context, sess *stripe.CheckoutSession) (*ledger.Result, error) {
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid &&
		sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
		return nil, ErrUnpaid
	}
	tenantID := sess.Metadata[MetaTenantID]
	if tenantID == "" {
		tenantID = sess.ClientReferenceID
	}
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	credits, err := f.credits(sess)
	if err != nil {
		return nil, err
	}

	res, err := f.purchaser.Purchase(ctx, tenantID, credits, sess.ID)
	if err != nil {
		PurchasesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	outcome := "credited"
	if res.Duplicate {
		outcome = "duplicate"
	}
	PurchasesTotal.WithLabelValues(outcome).Inc()
	f.logger.Info("checkout fulfilled",
		"tenant_id", tenantID, "session", sess.ID, "credits", credits, "duplicate", res.Duplicate)
	return res, nil
}

func (f *Fulfiller) credits(sess *stripe.CheckoutSession) (int64, error) {
	if raw, ok := sess.Metadata[MetaCredits]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidQuantity, raw)
		}
		return n, nil
	}
	if f.creditsPerCent > 0 && sess.AmountTotal > 0 {
		return sess.AmountTotal * f.creditsPerCent, nil
	}
	return 0, ErrInvalidQuantity
}
