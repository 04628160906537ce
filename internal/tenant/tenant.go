// Package tenant models the organisations that own users, credits and plans.
package tenant

import (
	"errors"
	"slices"
	"time"
)

// Errors
var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrSlugTaken      = errors.New("tenant: slug already taken")
	ErrInvalidPlan    = errors.New("tenant: invalid plan")
	ErrInvalidStatus  = errors.New("tenant: invalid status")
	ErrUnknownFeature = errors.New("tenant: unknown feature")
)

// Status is a tenant's account state.
type Status string

const (
	StatusActive            Status = "ACTIVE"
	StatusSuspended         Status = "SUSPENDED"
	StatusLockedPaymentFail Status = "LOCKED_PAYMENT_FAIL"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusLockedPaymentFail:
		return true
	}
	return false
}

// Credits is the tenant's credit account. Balance always equals
// LifetimeIssued minus LifetimeConsumed.
type Credits struct {
	Balance          int64 `json:"balance"`
	LifetimeIssued   int64 `json:"lifetimeIssued"`
	LifetimeConsumed int64 `json:"lifetimeConsumed"`
}

// Consistent reports whether the account identity holds.
func (c Credits) Consistent() bool {
	return c.Balance >= 0 && c.Balance == c.LifetimeIssued-c.LifetimeConsumed
}

// Tenant represents an organisation using the platform.
type Tenant struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Slug             string    `json:"slug"`
	Status           Status    `json:"status"`
	Plan             Plan      `json:"plan"`
	Credits          Credits   `json:"credits"`
	FeatureOverrides []string  `json:"featureOverrides"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// HasOverride reports whether the tenant was granted featureID individually.
func (t *Tenant) HasOverride(featureID string) bool {
	return slices.Contains(t.FeatureOverrides, featureID)
}

// AddOverride grants featureID individually. It reports whether the list changed.
func (t *Tenant) AddOverride(featureID string) bool {
	if t.HasOverride(featureID) {
		return false
	}
	t.FeatureOverrides = append(t.FeatureOverrides, featureID)
	return true
}

// RemoveOverride revokes an individual grant. It reports whether the list changed.
func (t *Tenant) RemoveOverride(featureID string) bool {
	i := slices.Index(t.FeatureOverrides, featureID)
	if i < 0 {
		return false
	}
	t.FeatureOverrides = slices.Delete(t.FeatureOverrides, i, i+1)
	return true
}

// Clone returns a deep copy.
func (t *Tenant) Clone() *Tenant {
	cp := *t
	cp.FeatureOverrides = slices.Clone(t.FeatureOverrides)
	cp.Plan = t.Plan.clone()
	return &cp
}
