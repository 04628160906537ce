package scheduler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/genforge/internal/activity"
	"github.com/mbd888/genforge/internal/auth"
	"github.com/mbd888/genforge/internal/gate"
	"github.com/mbd888/genforge/internal/job"
	"github.com/mbd888/genforge/internal/ledger"
	"github.com/mbd888/genforge/internal/pagination"
	"github.com/mbd888/genforge/internal/ratelimit"
	"github.com/mbd888/genforge/internal/security"
	"github.com/mbd888/genforge/internal/tenant"
	"github.com/mbd888/genforge/internal/validation"
)

// Handler provides HTTP endpoints for jobs.
type Handler struct {
	scheduler *Scheduler
	limiter   *ratelimit.Limiter
}

// NewHandler creates a job handler. limiter, when non-nil, throttles job
// creation per tenant.
func NewHandler(s *Scheduler, limiter *ratelimit.Limiter) *Handler {
	return &Handler{scheduler: s, limiter: limiter}
}

// RegisterProtectedRoutes sets up routes for authenticated users.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	create := []gin.HandlerFunc{h.CreateJob}
	if h.limiter != nil {
		create = append([]gin.HandlerFunc{h.limiter.Middleware(auth.GetTenantID)}, create...)
	}
	r.POST("/jobs", create...)
	r.GET("/jobs", h.ListJobs)
	r.GET("/jobs/stats", h.GetStats)
	r.GET("/jobs/:id", h.GetJob)
	r.POST("/jobs/:id/retry", h.RetryJob)
	r.POST("/jobs/:id/cancel", h.CancelJob)
}

// RegisterAdminRoutes sets up maintenance routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.AdminListJobs)
	r.GET("/jobs/pool", h.PoolStats)
	r.POST("/jobs/:id/retry", h.ForceRetry)
	r.POST("/maintenance/cancel-all", h.CancelAll)
}

type createJobRequest struct {
	Module job.Module `json:"module" validate:"required"`
	Input  job.Input  `json:"input"`
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(c *gin.Context) {
	var req createJobRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	// The provider fetches imageUrl server-side.
	if req.Input.ImageURL != "" {
		if err := security.ValidateImageURL(req.Input.ImageURL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "imageUrl: " + err.Error()})
			return
		}
	}
	userID := auth.GetUserID(c)
	ctx := activity.WithActor(c.Request.Context(), activity.ActorUser, userID)
	j, err := h.scheduler.CreateJob(ctx, CreateRequest{
		TenantID: auth.GetTenantID(c),
		UserID:   userID,
		Module:   req.Module,
		Input:    req.Input,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": j})
}

type listQuery struct {
	pagination.Params
	Module     job.Module   `form:"module"`
	Statuses   []job.Status `form:"status"`
	CampaignID string       `form:"campaignId"`
}

// ListJobs handles GET /v1/jobs. Users see their own jobs unless scope=tenant.
func (h *Handler) ListJobs(c *gin.Context) {
	var q listQuery
	_ = c.ShouldBindQuery(&q)
	f := job.Filter{
		TenantID:   auth.GetTenantID(c),
		Module:     q.Module,
		Statuses:   q.Statuses,
		CampaignID: q.CampaignID,
	}
	if c.Query("scope") != "tenant" {
		f.UserID = auth.GetUserID(c)
	}
	h.list(c, f, q.Params)
}

// AdminListJobs handles GET /admin/jobs
func (h *Handler) AdminListJobs(c *gin.Context) {
	var q listQuery
	_ = c.ShouldBindQuery(&q)
	h.list(c, job.Filter{
		TenantID:   c.Query("tenantId"),
		UserID:     c.Query("userId"),
		Module:     q.Module,
		Statuses:   q.Statuses,
		CampaignID: q.CampaignID,
	}, q.Params)
}

func (h *Handler) list(c *gin.Context, f job.Filter, p pagination.Params) {
	page, err := h.scheduler.ListJobs(c.Request.Context(), f, p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetJob handles GET /v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	j, err := h.scheduler.GetJob(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobResponse(j))
}

// GetStats handles GET /v1/jobs/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.scheduler.GetUserJobStats(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// RetryJob handles POST /v1/jobs/:id/retry
func (h *Handler) RetryJob(c *gin.Context) {
	userID := auth.GetUserID(c)
	ctx := activity.WithActor(c.Request.Context(), activity.ActorUser, userID)
	j, err := h.scheduler.RetryJob(ctx, c.Param("id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": j})
}

// CancelJob handles POST /v1/jobs/:id/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	userID := auth.GetUserID(c)
	ctx := activity.WithActor(c.Request.Context(), activity.ActorUser, userID)
	j, err := h.scheduler.CancelJob(ctx, c.Param("id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": j})
}

// ForceRetry handles POST /admin/jobs/:id/retry
func (h *Handler) ForceRetry(c *gin.Context) {
	ctx := activity.WithActor(c.Request.Context(), activity.ActorAdmin, auth.GetAdminID(c))
	j, err := h.scheduler.ForceRetry(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": j})
}

// CancelAll handles POST /admin/maintenance/cancel-all
func (h *Handler) CancelAll(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" validate:"max=500"`
	}
	if !validation.BindJSON(c, &req) {
		return
	}
	ctx := activity.WithActor(c.Request.Context(), activity.ActorAdmin, auth.GetAdminID(c))
	res, err := h.scheduler.CancelAllProcessing(ctx, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// PoolStats handles GET /admin/jobs/pool
func (h *Handler) PoolStats(c *gin.Context) {
	stats := h.scheduler.PoolStats()
	c.JSON(http.StatusOK, gin.H{"pool": stats, "workerUtilization": stats.WorkerUtilization()})
}

// jobResponse adds the user-facing error text next to the stored record.
func jobResponse(j *job.Job) gin.H {
	resp := gin.H{"job": j}
	if j.Error != nil {
		resp["errorMessage"] = j.Error.PublicMessage()
	}
	return resp
}

func writeError(c *gin.Context, err error) {
	var (
		insufficient *ledger.InsufficientBalanceError
		denied       *gate.DeniedError
		transition   *TransitionError
	)
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_credits",
			"message":   "not enough credits for this generation",
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
	case errors.As(err, &transition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state_transition",
			"message": err.Error(),
			"status":  transition.From,
		})
	case errors.Is(err, job.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "job not found"})
	case errors.Is(err, tenant.ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
	case errors.Is(err, ledger.ErrTenantSuspended), errors.Is(err, ledger.ErrTenantLocked):
		c.JSON(http.StatusForbidden, gin.H{"error": "tenant_unavailable", "message": err.Error()})
	case errors.Is(err, job.ErrUnknownModule), errors.Is(err, job.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrBusy), errors.Is(err, ErrStopped):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy", "message": "generation queue is full, credits were refunded"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "job operation failed"})
	}
}
