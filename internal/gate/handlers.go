package gate

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/genforge/internal/activity"
	"github.com/mbd888/genforge/internal/auth"
	"github.com/mbd888/genforge/internal/tenant"
	"github.com/mbd888/genforge/internal/validation"
)

// Handler provides HTTP endpoints for feature switches and entitlements.
type Handler struct {
	gate *Gate
}

// NewHandler creates a new gate handler.
func NewHandler(g *Gate) *Handler {
	return &Handler{gate: g}
}

// RegisterProtectedRoutes sets up the caller's entitlement route.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/features", h.Entitlements)
}

// RegisterAdminRoutes sets up the global switch routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/features", h.ListSystemFeatures)
	r.PUT("/features/:feature", h.Toggle)
}

// Entitlements handles GET /v1/features
func (h *Handler) Entitlements(c *gin.Context) {
	out, err := h.gate.Entitlements(c.Request.Context(), auth.GetTenantID(c))
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to evaluate features"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"features": out})
}

// ListSystemFeatures handles GET /admin/features
func (h *Handler) ListSystemFeatures(c *gin.Context) {
	out, err := h.gate.SystemFeatures(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list features"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"features": out})
}

// Toggle handles PUT /admin/features/:feature
func (h *Handler) Toggle(c *gin.Context) {
	var req struct {
		Enabled *bool  `json:"enabled" validate:"required"`
		Reason  string `json:"reason" validate:"max=500"`
	}
	if !validation.BindJSON(c, &req) {
		return
	}
	adminID := auth.GetAdminID(c)
	ctx := activity.WithActor(c.Request.Context(), activity.ActorAdmin, adminID)
	sf, err := h.gate.Toggle(ctx, c.Param("feature"), *req.Enabled, req.Reason, adminID)
	switch {
	case errors.Is(err, ErrUnknownFeature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_feature", "message": err.Error()})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to toggle feature"})
	default:
		c.JSON(http.StatusOK, gin.H{"feature": sf})
	}
}
