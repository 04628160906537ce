package tenant

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/genforge/internal/auth"
	"github.com/mbd888/genforge/internal/pagination"
	"github.com/mbd888/genforge/internal/validation"
)

// Handler provides HTTP endpoints for tenant management.
type Handler struct {
	svc *Service
}

// NewHandler creates a new tenant handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterAdminRoutes sets up the admin-only tenant routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.GET("/tenants", h.ListTenants)
	r.GET("/tenants/:id", h.GetTenant)
	r.PUT("/tenants/:id/plan", h.AssignPlan)
	r.PUT("/tenants/:id/status", h.SetStatus)
	r.PUT("/tenants/:id/overrides/:feature", h.AddOverride)
	r.DELETE("/tenants/:id/overrides/:feature", h.RemoveOverride)
}

// RegisterProtectedRoutes sets up routes for authenticated tenant users.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/tenant", h.GetOwnTenant)
	r.GET("/plans", h.ListPlans)
}

// CreateTenant handles POST /admin/tenants
func (h *Handler) CreateTenant(c *gin.Context) {
	var req CreateRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	t, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tenant": t})
}

// ListTenants handles GET /admin/tenants
func (h *Handler) ListTenants(c *gin.Context) {
	var p pagination.Params
	_ = c.ShouldBindQuery(&p)
	page, err := h.svc.List(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetTenant handles GET /admin/tenants/:id
func (h *Handler) GetTenant(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// GetOwnTenant handles GET /v1/tenant
func (h *Handler) GetOwnTenant(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), auth.GetTenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// ListPlans handles GET /v1/plans
func (h *Handler) ListPlans(c *gin.Context) {
	out := make([]PlanDefinition, 0, len(Plans))
	for _, id := range []PlanID{PlanFree, PlanStarter, PlanPro, PlanTeam, PlanEnterprise} {
		out = append(out, Plans[id])
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

// AssignPlan handles PUT /admin/tenants/:id/plan
func (h *Handler) AssignPlan(c *gin.Context) {
	var plan Plan
	if !validation.BindJSON(c, &plan) {
		return
	}
	t, err := h.svc.AssignPlan(c.Request.Context(), c.Param("id"), plan)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// SetStatus handles PUT /admin/tenants/:id/status
func (h *Handler) SetStatus(c *gin.Context) {
	var req struct {
		Status Status `json:"status" validate:"required"`
	}
	if !validation.BindJSON(c, &req) {
		return
	}
	t, err := h.svc.SetStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// AddOverride handles PUT /admin/tenants/:id/overrides/:feature
func (h *Handler) AddOverride(c *gin.Context) {
	t, err := h.svc.AddOverride(c.Request.Context(), c.Param("id"), c.Param("feature"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// RemoveOverride handles DELETE /admin/tenants/:id/overrides/:feature
func (h *Handler) RemoveOverride(c *gin.Context) {
	t, err := h.svc.RemoveOverride(c.Request.Context(), c.Param("id"), c.Param("feature"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
	case errors.Is(err, ErrSlugTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "slug_taken", "message": "slug already in use"})
	case errors.Is(err, ErrInvalidSlug), errors.Is(err, ErrInvalidPlan),
		errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrUnknownFeature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "tenant operation failed"})
	}
}
