// Package gate decides whether a tenant may use a feature.
//
// Precedence, first match wins:
//  1. a globally disabled feature is denied to everyone, overrides included
//  2. a tenant that is not ACTIVE is denied everything
//  3. a tenant override allows
//  4. a custom plan allows exactly its listed features
//  5. a system plan allows its catalogue features
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/genforge/internal/activity"
	"github.com/mbd888/genforge/internal/feature"
	"github.com/mbd888/genforge/internal/logging"
	"github.com/mbd888/genforge/internal/tenant"
	"github.com/mbd888/genforge/internal/traces"
)

var (
	ErrFeatureDenied = errors.New("gate: feature not available")

	// Refinements of ErrFeatureDenied.
	ErrFeatureDisabledGlobally = errors.New("gate: feature disabled globally")
	ErrFeatureNotEntitled      = errors.New("gate: feature not in tenant entitlements")
	ErrTenantInactive          = errors.New("gate: tenant is not active")

	ErrUnknownFeature  = errors.New("gate: unknown feature")
	ErrNotFound        = errors.New("gate: system feature record not found")
	ErrVersionConflict = errors.New("gate: system feature modified concurrently")
)

// Reason explains a decision.
type Reason string

const (
	ReasonSystemDisabled Reason = "system_disabled"
	ReasonTenantInactive Reason = "tenant_inactive"
	ReasonOverride       Reason = "override"
	ReasonCustomPlan     Reason = "custom_plan"
	ReasonPlan           Reason = "plan"
	ReasonNotInPlan      Reason = "not_in_plan"
	ReasonUnknownFeature Reason = "unknown_feature"
)

// Decision is the outcome of an entitlement check.
type Decision struct {
	FeatureID string `json:"featureId"`
	Allowed   bool   `json:"allowed"`
	Reason    Reason `json:"reason"`
}

// DeniedError reports a denied check.
type DeniedError struct {
	TenantID  string
	FeatureID string
	Plan      tenant.PlanID
	Reason    Reason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("gate: feature %s not available to tenant %s (%s)", e.FeatureID, e.TenantID, e.Reason)
}

// Unwrap exposes ErrFeatureDenied and the sentinel for the reason.
func (e *DeniedError) Unwrap() []error {
	switch e.Reason {
	case ReasonSystemDisabled:
		return []error{ErrFeatureDenied, ErrFeatureDisabledGlobally}
	case ReasonTenantInactive:
		return []error{ErrFeatureDenied, ErrTenantInactive}
	}
	return []error{ErrFeatureDenied, ErrFeatureNotEntitled}
}

// SystemFeature is the global switch for one feature. A feature with no
// record is enabled. The Disabled* stamp is set only while Enabled is false.
type SystemFeature struct {
	FeatureID      string     `json:"featureId"`
	Enabled        bool       `json:"isGloballyEnabled"`
	DisabledBy     string     `json:"disabledBy,omitempty"`
	DisabledAt     *time.Time `json:"disabledAt,omitempty"`
	DisabledReason string     `json:"disabledReason,omitempty"`
	Version        int64      `json:"version"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// TenantReader loads tenants.
type TenantReader interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

// Gate evaluates feature entitlements.
type Gate struct {
	tenants TenantReader
	store   Store
	events  activity.Recorder
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New creates a gate.
func New(tenants TenantReader, store Store, events activity.Recorder, logger *slog.Logger) *Gate {
	if events == nil {
		events = activity.Nop{}
	}
	return &Gate{tenants: tenants, store: store, events: events, logger: logging.OrDefault(logger), nowFunc: time.Now}
}

// Check returns nil when the tenant may use featureID and a *DeniedError
// otherwise.
func (g *Gate) Check(ctx context.Context, tenantID, featureID string) error {
	ctx, span := traces.StartSpan(ctx, "gate.Check", traces.TenantID(tenantID), traces.Feature(featureID))
	defer span.End()

	t, err := g.tenants.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	d, err := g.decide(ctx, t, featureID)
	if err != nil {
		return err
	}
	GateDecisionsTotal.WithLabelValues(featureID, string(d.Reason)).Inc()
	if d.Allowed {
		return nil
	}
	logging.L(ctx).Info("feature denied", "tenant_id", tenantID, "feature", featureID, "reason", d.Reason)
	return &DeniedError{TenantID: tenantID, FeatureID: featureID, Plan: t.Plan.ID, Reason: d.Reason}
}

// Allows reports whether the tenant may use featureID without recording a
// decision. Lookup errors deny.
func (g *Gate) Allows(ctx context.Context, tenantID, featureID string) bool {
	t, err := g.tenants.Get(ctx, tenantID)
	if err != nil {
		return false
	}
	d, err := g.decide(ctx, t, featureID)
	return err == nil && d.Allowed
}

// Entitlements returns the decision for every known feature.
func (g *Gate) Entitlements(ctx context.Context, tenantID string) ([]Decision, error) {
	t, err := g.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]Decision, 0, len(feature.All))
	for _, f := range feature.All {
		d, err := g.decide(ctx, t, f)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (g *Gate) decide(ctx context.Context, t *tenant.Tenant, featureID string) (Decision, error) {
	d := Decision{FeatureID: featureID}
	if !feature.Known(featureID) {
		d.Reason = ReasonUnknownFeature
		return d, nil
	}

	sf, err := g.store.Get(ctx, featureID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return d, err
	case !sf.Enabled:
		d.Reason = ReasonSystemDisabled
		return d, nil
	}

	if t.Status != tenant.StatusActive {
		d.Reason = ReasonTenantInactive
		return d, nil
	}
	if t.HasOverride(featureID) {
		d.Allowed, d.Reason = true, ReasonOverride
		return d, nil
	}
	if feature.Contains(t.Plan.Features(g.nowFunc()), featureID) {
		d.Allowed = true
		d.Reason = ReasonPlan
		if t.Plan.IsCustom() {
			d.Reason = ReasonCustomPlan
		}
		return d, nil
	}
	d.Reason = ReasonNotInPlan
	return d, nil
}

// SystemFeatures lists the state of every known feature.
func (g *Gate) SystemFeatures(ctx context.Context) ([]*SystemFeature, error) {
	stored, err := g.store.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*SystemFeature, len(stored))
	for _, sf := range stored {
		byID[sf.FeatureID] = sf
	}
	out := make([]*SystemFeature, 0, len(feature.All))
	for _, f := range feature.All {
		if sf, ok := byID[f]; ok {
			out = append(out, sf)
			continue
		}
		out = append(out, &SystemFeature{FeatureID: f, Enabled: true})
	}
	return out, nil
}

const maxToggleAttempts = 5

// Toggle sets the global switch for featureID. Disabling stamps who, when
// and why; enabling clears the stamp. Setting the current state again
// returns the stored record unchanged. Concurrent toggles are resolved with
// an optimistic version check.
func (g *Gate) Toggle(ctx context.Context, featureID string, enabled bool, reason, adminID string) (*SystemFeature, error) {
	if !feature.Known(featureID) {
		return nil, ErrUnknownFeature
	}
	for attempt := 0; attempt < maxToggleAttempts; attempt++ {
		var version int64
		cur, err := g.store.Get(ctx, featureID)
		switch {
		case errors.Is(err, ErrNotFound):
			// Unrecorded features are enabled; enabling one creates its record.
		case err != nil:
			return nil, err
		default:
			if cur.Enabled == enabled {
				return cur, nil
			}
			version = cur.Version
		}

		now := g.nowFunc().UTC()
		next := &SystemFeature{
			FeatureID: featureID,
			Enabled:   enabled,
			Version:   version + 1,
			UpdatedAt: now,
		}
		if !enabled {
			next.DisabledBy = adminID
			next.DisabledAt = &now
			next.DisabledReason = reason
		}
		err = g.store.Save(ctx, next, version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		g.events.Record(ctx, activity.Entry{
			Action:  "feature.toggle",
			Subject: featureID,
			Detail:  map[string]string{"enabled": strconv.FormatBool(enabled), "reason": reason},
		})
		g.logger.Warn("system feature toggled",
			"feature", featureID, "enabled", enabled, "admin", adminID, "reason", reason)
		return next, nil
	}
	return nil, ErrVersionConflict
}
