package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/genforge/internal/activity"
	"github.com/mbd888/genforge/internal/auth"
	"github.com/mbd888/genforge/internal/pagination"
	"github.com/mbd888/genforge/internal/tenant"
	"github.com/mbd888/genforge/internal/validation"
)

// Handler provides HTTP endpoints for credit accounts.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterProtectedRoutes sets up routes for the caller's own tenant.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/credits", h.GetOwnBalance)
	r.GET("/credits/transactions", h.ListOwnTransactions)
}

// RegisterAdminRoutes sets up administrative credit routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/credits/grant", h.Grant)
	r.POST("/tenants/:id/credits/deduct", h.Deduct)
	r.POST("/tenants/:id/credits/allotment", h.GrantAllotment)
	r.GET("/tenants/:id/credits/transactions", h.ListTransactions)
	r.GET("/tenants/:id/credits/verify", h.Verify)
	r.GET("/credits/high-velocity", h.HighVelocity)
}

type adjustRequest struct {
	Amount int64  `json:"amount" validate:"gt=0"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// GetOwnBalance handles GET /v1/credits
func (h *Handler) GetOwnBalance(c *gin.Context) {
	credits, err := h.ledger.Balance(c.Request.Context(), auth.GetTenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": credits})
}

// ListOwnTransactions handles GET /v1/credits/transactions
func (h *Handler) ListOwnTransactions(c *gin.Context) {
	h.listTransactions(c, auth.GetTenantID(c))
}

// ListTransactions handles GET /admin/tenants/:id/credits/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	h.listTransactions(c, c.Param("id"))
}

func (h *Handler) listTransactions(c *gin.Context, tenantID string) {
	var q struct {
		pagination.Params
		Filter
	}
	_ = c.ShouldBindQuery(&q)
	page, err := h.ledger.History(c.Request.Context(), tenantID, q.Filter, q.Params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Grant handles POST /admin/tenants/:id/credits/grant
func (h *Handler) Grant(c *gin.Context) {
	var req adjustRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	adminID := auth.GetAdminID(c)
	ctx := activity.WithActor(c.Request.Context(), activity.ActorAdmin, adminID)
	res, err := h.ledger.Grant(ctx, c.Param("id"), req.Amount, req.Reason, adminID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Deduct handles POST /admin/tenants/:id/credits/deduct
func (h *Handler) Deduct(c *gin.Context) {
	var req adjustRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	adminID := auth.GetAdminID(c)
	ctx := activity.WithActor(c.Request.Context(), activity.ActorAdmin, adminID)
	res, err := h.ledger.Deduct(ctx, c.Param("id"), req.Amount, req.Reason, adminID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GrantAllotment handles POST /admin/tenants/:id/credits/allotment
func (h *Handler) GrantAllotment(c *gin.Context) {
	var req struct {
		Period string `json:"period" validate:"required"`
	}
	if !validation.BindJSON(c, &req) {
		return
	}
	res, err := h.ledger.GrantMonthlyAllotment(c.Request.Context(), c.Param("id"), req.Period)
	if err != nil {
		writeError(c, err)
		return
	}
	if res == nil {
		c.JSON(http.StatusOK, gin.H{"granted": false})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Verify handles GET /admin/tenants/:id/credits/verify
func (h *Handler) Verify(c *gin.Context) {
	report, err := h.ledger.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// HighVelocity handles GET /admin/credits/high-velocity
func (h *Handler) HighVelocity(c *gin.Context) {
	multiplier := 1.0
	if raw := c.Query("multiplier"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "multiplier must be a positive number"})
			return
		}
		multiplier = v
	}
	out, err := h.ledger.HighVelocity(c.Request.Context(), multiplier)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": out, "multiplier": multiplier})
}

func writeError(c *gin.Context, err error) {
	var insufficient *InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_credits",
			"message":   err.Error(),
			"balance":   insufficient.Balance,
			"requested": insufficient.Requested,
			"shortfall": insufficient.Shortfall(),
		})
	case errors.Is(err, tenant.ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
	case errors.Is(err, ErrTenantSuspended), errors.Is(err, ErrTenantLocked):
		c.JSON(http.StatusForbidden, gin.H{"error": "tenant_unavailable", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrBalanceCap), errors.Is(err, ErrInvalidPeriod),
		errors.Is(err, ErrFeatureRequired), errors.Is(err, ErrJobRequired), errors.Is(err, ErrReferenceRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "ledger operation failed"})
	}
}
