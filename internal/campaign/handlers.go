package campaign

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/genforge/internal/activity"
	"github.com/mbd888/genforge/internal/auth"
	"github.com/mbd888/genforge/internal/feature"
	"github.com/mbd888/genforge/internal/gate"
	"github.com/mbd888/genforge/internal/ledger"
	"github.com/mbd888/genforge/internal/pagination"
	"github.com/mbd888/genforge/internal/validation"
)

// Handler provides HTTP endpoints for campaigns.
type Handler struct {
	svc *Service
}

// NewHandler creates a new campaign handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterProtectedRoutes sets up routes for authenticated users.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/campaigns", h.CreateCampaign)
	r.GET("/campaigns", h.ListCampaigns)
	r.GET("/campaigns/:id", h.GetCampaign)
	r.POST("/campaigns/script", h.PreviewScript)
}

// CreateCampaign handles POST /v1/campaigns
func (h *Handler) CreateCampaign(c *gin.Context) {
	var req CreateRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	req.TenantID = auth.GetTenantID(c)
	req.UserID = auth.GetUserID(c)
	ctx := activity.WithActor(c.Request.Context(), activity.ActorUser, req.UserID)
	camp, err := h.svc.Create(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"campaign": camp})
}

// ListCampaigns handles GET /v1/campaigns
func (h *Handler) ListCampaigns(c *gin.Context) {
	var p pagination.Params
	_ = c.ShouldBindQuery(&p)
	page, err := h.svc.List(c.Request.Context(), auth.GetTenantID(c), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetCampaign handles GET /v1/campaigns/:id
func (h *Handler) GetCampaign(c *gin.Context) {
	camp, err := h.svc.Get(c.Request.Context(), c.Param("id"), auth.GetTenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": camp})
}

// PreviewScript handles POST /v1/campaigns/script. It is free but gated.
func (h *Handler) PreviewScript(c *gin.Context) {
	var req struct {
		Brief     string   `json:"brief" validate:"required,max=4000"`
		Tone      string   `json:"tone" validate:"max=64"`
		Platforms []string `json:"platforms" validate:"required,min=1,max=6,dive,oneof=instagram tiktok youtube linkedin facebook x"`
	}
	if !validation.BindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	if err := h.svc.gate.Check(ctx, auth.GetTenantID(c), feature.CampaignWizard); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"script": h.svc.GenerateScript(ctx, req.Brief, req.Tone, req.Platforms)})
}

func writeError(c *gin.Context, err error) {
	var (
		insufficient *ledger.InsufficientBalanceError
		denied       *gate.DeniedError
	)
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_credits",
			"message":   "not enough credits to start a campaign",
			"balance":   insufficient.Balance,
			"required":  insufficient.Requested,
			"shortfall": insufficient.Shortfall(),
		})
	case errors.As(err, &denied):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "feature_unavailable",
			"message": err.Error(),
			"feature": denied.FeatureID,
			"reason":  denied.Reason,
		})
	case errors.Is(err, ErrCampaignNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "campaign not found"})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ledger.ErrTenantSuspended), errors.Is(err, ledger.ErrTenantLocked):
		c.JSON(http.StatusForbidden, gin.H{"error": "tenant_unavailable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "campaign operation failed"})
	}
}
