package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/genforge/internal/activity"
	"github.com/mbd888/genforge/internal/feature"
	"github.com/mbd888/genforge/internal/idgen"
	"github.com/mbd888/genforge/internal/logging"
	"github.com/mbd888/genforge/internal/pagination"
	"github.com/mbd888/genforge/internal/syncutil"
	"github.com/mbd888/genforge/internal/validation"
)

var validSlug = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

// ErrInvalidSlug is returned for malformed slugs.
var ErrInvalidSlug = errors.New("tenant: slug must be 3-64 lowercase alphanumerics or hyphens")

// InitialGrantFunc issues a new tenant's opening credit grant.
type InitialGrantFunc func(ctx context.Context, tenantID string, amount int64) error

// Service implements tenant administration. Read-modify-write operations
// on one tenant are serialized.
type Service struct {
	store   Store
	grant   InitialGrantFunc
	events  activity.Recorder
	locks   *syncutil.KeyedMutex
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewService creates a tenant service. grant may be nil, in which case new
// tenants start with zero credits.
func NewService(store Store, grant InitialGrantFunc, events activity.Recorder, logger *slog.Logger) *Service {
	if events == nil {
		events = activity.Nop{}
	}
	return &Service{
		store:   store,
		grant:   grant,
		events:  events,
		locks:   syncutil.NewKeyedMutex(),
		logger:  logging.OrDefault(logger),
		nowFunc: time.Now,
	}
}

// CreateRequest describes a new tenant. A nil InitialCredits grants the
// plan's monthly allotment.
type CreateRequest struct {
	Name           string `json:"name" validate:"required,max=200"`
	Slug           string `json:"slug" validate:"required"`
	Plan           Plan   `json:"plan"`
	InitialCredits *int64 `json:"initialCredits,omitempty" validate:"omitempty,gte=0"`
}

// Create registers a tenant and issues its opening grant.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Tenant, error) {
	req.Slug = strings.ToLower(strings.TrimSpace(req.Slug))
	if !validSlug.MatchString(req.Slug) {
		return nil, ErrInvalidSlug
	}
	if req.Plan.ID == "" {
		req.Plan.ID = PlanFree
	}
	if err := req.Plan.Validate(); err != nil {
		return nil, err
	}

	now := s.nowFunc().UTC()
	t := &Tenant{
		ID:               idgen.WithPrefix(idgen.PrefixTenant),
		Name:             validation.SanitizeString(req.Name, 200),
		Slug:             req.Slug,
		Status:           StatusActive,
		Plan:             req.Plan,
		FeatureOverrides: []string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}

	amount := t.Plan.MonthlyCredits(now)
	if req.InitialCredits != nil {
		amount = *req.InitialCredits
	}
	if amount > 0 && s.grant != nil {
		if err := s.grant(ctx, t.ID, amount); err != nil {
			return nil, fmt.Errorf("tenant: initial grant: %w", err)
		}
	}

	s.events.Record(ctx, activity.Entry{
		TenantID: t.ID,
		Action:   "tenant.create",
		Subject:  t.Slug,
		Detail:   map[string]string{"plan": string(t.Plan.ID), "initialCredits": strconv.FormatInt(amount, 10)},
	})
	logging.L(ctx).Info("tenant created", "tenant_id", t.ID, "slug", t.Slug, "plan", t.Plan.ID)
	return s.store.Get(ctx, t.ID)
}

// Get returns a tenant.
func (s *Service) Get(ctx context.Context, id string) (*Tenant, error) {
	return s.store.Get(ctx, id)
}

// List returns a page of tenants.
func (s *Service) List(ctx context.Context, p pagination.Params) (pagination.Page[*Tenant], error) {
	return s.store.List(ctx, p)
}

// AssignPlan replaces the tenant's plan.
func (s *Service) AssignPlan(ctx context.Context, id string, plan Plan) (*Tenant, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, "tenant.plan", func(t *Tenant) (map[string]string, error) {
		t.Plan = plan
		return map[string]string{"plan": string(plan.ID), "custom": strconv.FormatBool(plan.IsCustom())}, nil
	})
}

// SetStatus moves the tenant to status.
func (s *Service) SetStatus(ctx context.Context, id string, status Status) (*Tenant, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	return s.mutate(ctx, id, "tenant.status", func(t *Tenant) (map[string]string, error) {
		prev := t.Status
		t.Status = status
		return map[string]string{"from": string(prev), "to": string(status)}, nil
	})
}

// AddOverride grants a single feature regardless of plan.
func (s *Service) AddOverride(ctx context.Context, id, featureID string) (*Tenant, error) {
	if !feature.Known(featureID) {
		return nil, ErrUnknownFeature
	}
	return s.mutate(ctx, id, "tenant.override.add", func(t *Tenant) (map[string]string, error) {
		t.AddOverride(featureID)
		return map[string]string{"feature": featureID}, nil
	})
}

// RemoveOverride revokes a single-feature grant.
func (s *Service) RemoveOverride(ctx context.Context, id, featureID string) (*Tenant, error) {
	return s.mutate(ctx, id, "tenant.override.remove", func(t *Tenant) (map[string]string, error) {
		t.RemoveOverride(featureID)
		return map[string]string{"feature": featureID}, nil
	})
}

func (s *Service) mutate(ctx context.Context, id, action string, fn func(t *Tenant) (map[string]string, error)) (*Tenant, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	detail, err := fn(t)
	if err != nil {
		return nil, err
	}
	t.UpdatedAt = s.nowFunc().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}

	s.events.Record(ctx, activity.Entry{TenantID: id, Action: action, Detail: detail})
	s.logger.Info("tenant updated", "tenant_id", id, "action", action)
	return s.store.Get(ctx, id)
}
