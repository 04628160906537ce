package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/genforge/internal/ledger"
	"github.com/mbd888/genforge/internal/logging"
	"github.com/mbd888/genforge/internal/tenant"
)

// maxPayloadBytes bounds webhook bodies.
const maxPayloadBytes = 65536

// Handler receives Stripe webhooks.
type Handler struct {
	fulfiller *Fulfiller
	secret    string
}

// NewHandler creates a webhook handler verifying signatures with secret.
func NewHandler(f *Fulfiller, secret string) *Handler {
	return &Handler{fulfiller: f, secret: secret}
}

// RegisterRoutes sets up the public webhook route.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/stripe", h.HandleStripe)
}

// HandleStripe handles POST /webhooks/stripe
func (h *Handler) HandleStripe(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		WebhookRejectedTotal.Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "webhook signature verification failed"})
		return
	}

	log := logging.L(c.Request.Context()).With("event_id", event.ID, "event_type", event.Type)
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": false})
		return
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		log.Error("malformed checkout session", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed checkout session"})
		return
	}

	res, err := h.fulfiller.Fulfill(c.Request.Context(), &sess)
	switch {
	case errors.Is(err, ErrUnpaid):
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": false})
	case errors.Is(err, ErrMissingTenant), errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, tenant.ErrTenantNotFound), errors.Is(err, ledger.ErrBalanceCap):
		// Retrying cannot fix these; acknowledge loudly.
		log.Error("checkout not fulfilled", "session", sess.ID, "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unfulfillable", "message": err.Error()})
	case err != nil:
		log.Error("checkout fulfillment failed", "session", sess.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "fulfillment failed"})
	default:
		c.JSON(http.StatusOK, gin.H{
			"received":  true,
			"handled":   true,
			"duplicate": res.Duplicate,
			"balance":   res.Tenant.Credits.Balance,
		})
	}
}
