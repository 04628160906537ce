package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/genforge/internal/activity"
	"github.com/mbd888/genforge/internal/feature"
	"github.com/mbd888/genforge/internal/logging"
	"github.com/mbd888/genforge/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T, tenants ...*tenant.Tenant) (*Gate, *tenant.MemoryStore) {
	t.Helper()
	store := tenant.NewMemoryStore()
	for _, tn := range tenants {
		require.NoError(t, store.Create(context.Background(), tn))
	}
	return New(store, NewMemoryStore(), activity.Nop{}, logging.Discard()), store
}

func mkTenant(id string, plan tenant.Plan, overrides ...string) *tenant.Tenant {
	return &tenant.Tenant{ID: id, Slug: id, Status: tenant.StatusActive, Plan: plan, FeatureOverrides: overrides}
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	var denied *DeniedError
	require.True(t, errors.As(err, &denied), "expected DeniedError, got %v", err)
	return denied.Reason
}

func TestCheck_SystemPlan(t *testing.T) {
	g, _ := newTestGate(t, mkTenant("free", tenant.Plan{ID: tenant.PlanFree}))
	ctx := context.Background()

	assert.NoError(t, g.Check(ctx, "free", feature.TextToImage))
	err := g.Check(ctx, "free", feature.TextToVideo)
	assert.ErrorIs(t, err, ErrFeatureDenied)
	assert.ErrorIs(t, err, ErrFeatureNotEntitled)
	assert.NotErrorIs(t, err, ErrFeatureDisabledGlobally)
	assert.Equal(t, ReasonNotInPlan, reasonOf(t, err))
}

func TestCheck_OverrideBeatsPlan(t *testing.T) {
	g, _ := newTestGate(t, mkTenant("free", tenant.Plan{ID: tenant.PlanFree}, feature.TextToVideo))
	assert.NoError(t, g.Check(context.Background(), "free", feature.TextToVideo))
}

func TestCheck_SystemDisabledBeatsEverything(t *testing.T) {
	g, _ := newTestGate(t,
		mkTenant("ent", tenant.Plan{ID: tenant.PlanEnterprise}, feature.TextToVideo),
	)
	ctx := context.Background()
	_, err := g.Toggle(ctx, feature.TextToVideo, false, "provider outage", "ops")
	require.NoError(t, err)

	err = g.Check(ctx, "ent", feature.TextToVideo)
	assert.ErrorIs(t, err, ErrFeatureDisabledGlobally)
	assert.Equal(t, ReasonSystemDisabled, reasonOf(t, err))

	_, err = g.Toggle(ctx, feature.TextToVideo, true, "recovered", "ops")
	require.NoError(t, err)
	assert.NoError(t, g.Check(ctx, "ent", feature.TextToVideo))
}

func TestCheck_CustomPlanReplacesCatalogue(t *testing.T) {
	custom := tenant.Plan{ID: tenant.PlanTeam, Custom: &tenant.CustomLimits{
		MaxUsers: 50, MonthlyCredits: 10000, Features: []string{feature.TextToVideo},
	}}
	g, _ := newTestGate(t, mkTenant("acme", custom))
	ctx := context.Background()

	assert.NoError(t, g.Check(ctx, "acme", feature.TextToVideo))
	// TEXT_TO_IMAGE is in every system plan but not in this custom list.
	assert.Equal(t, ReasonNotInPlan, reasonOf(t, g.Check(ctx, "acme", feature.TextToImage)))

	_, err := g.Toggle(ctx, feature.TextToVideo, false, "maintenance", "ops")
	require.NoError(t, err)
	assert.Equal(t, ReasonSystemDisabled, reasonOf(t, g.Check(ctx, "acme", feature.TextToVideo)))
}

func TestCheck_ExpiredCustomPlan(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	custom := tenant.Plan{ID: tenant.PlanTeam, Custom: &tenant.CustomLimits{
		Features: []string{feature.TextToVideo}, ExpiresAt: &past,
	}}
	g, _ := newTestGate(t, mkTenant("acme", custom, feature.Export))
	ctx := context.Background()

	assert.Equal(t, ReasonNotInPlan, reasonOf(t, g.Check(ctx, "acme", feature.TextToVideo)))
	assert.NoError(t, g.Check(ctx, "acme", feature.Export))
}

func TestCheck_UnknownFeatureAndTenant(t *testing.T) {
	g, _ := newTestGate(t, mkTenant("ent", tenant.Plan{ID: tenant.PlanEnterprise}))
	ctx := context.Background()
	assert.Equal(t, ReasonUnknownFeature, reasonOf(t, g.Check(ctx, "ent", "TELEPORT")))
	assert.ErrorIs(t, g.Check(ctx, "ghost", feature.TextToImage), tenant.ErrTenantNotFound)
}

func TestEntitlements(t *testing.T) {
	g, _ := newTestGate(t, mkTenant("pro", tenant.Plan{ID: tenant.PlanPro}))
	out, err := g.Entitlements(context.Background(), "pro")
	require.NoError(t, err)
	require.Len(t, out, len(feature.All))

	allowed := map[string]bool{}
	for _, d := range out {
		allowed[d.FeatureID] = d.Allowed
	}
	assert.True(t, allowed[feature.CampaignWizard])
	assert.False(t, allowed[feature.PriorityQueue])
}

func TestToggle_ConcurrentVersions(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Toggle(ctx, feature.Export, false, "flap", "ops")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// One writer wins; the rest see the feature already disabled.
	sf, err := g.store.Get(ctx, feature.Export)
	require.NoError(t, err)
	assert.EqualValues(t, 1, sf.Version)
	assert.False(t, sf.Enabled)

	_, err = g.Toggle(ctx, "TELEPORT", true, "", "ops")
	assert.ErrorIs(t, err, ErrUnknownFeature)
}

func TestToggle_StampsAndClearsDisable(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.nowFunc = func() time.Time { return now }

	sf, err := g.Toggle(ctx, feature.TextToVideo, false, "provider outage", "ops")
	require.NoError(t, err)
	assert.False(t, sf.Enabled)
	assert.Equal(t, "ops", sf.DisabledBy)
	assert.Equal(t, "provider outage", sf.DisabledReason)
	require.NotNil(t, sf.DisabledAt)
	assert.True(t, now.Equal(*sf.DisabledAt))

	again, err := g.Toggle(ctx, feature.TextToVideo, false, "second opinion", "someone-else")
	require.NoError(t, err)
	assert.Equal(t, sf.Version, again.Version, "same state is a no-op")
	assert.Equal(t, "ops", again.DisabledBy)
	assert.Equal(t, "provider outage", again.DisabledReason)

	on, err := g.Toggle(ctx, feature.TextToVideo, true, "recovered", "ops")
	require.NoError(t, err)
	assert.True(t, on.Enabled)
	assert.Empty(t, on.DisabledBy)
	assert.Empty(t, on.DisabledReason)
	assert.Nil(t, on.DisabledAt)
	assert.Equal(t, sf.Version+1, on.Version)

	stored, err := g.store.Get(ctx, feature.TextToVideo)
	require.NoError(t, err)
	assert.Nil(t, stored.DisabledAt)
}

func TestCheck_InactiveTenantDenied(t *testing.T) {
	suspended := mkTenant("s1", tenant.Plan{ID: tenant.PlanPro}, feature.PriorityQueue)
	suspended.Status = tenant.StatusSuspended
	locked := mkTenant("l1", tenant.Plan{ID: tenant.PlanEnterprise})
	locked.Status = tenant.StatusLockedPaymentFail
	g, _ := newTestGate(t, suspended, locked)
	ctx := context.Background()

	for _, id := range []string{"s1", "l1"} {
		err := g.Check(ctx, id, feature.TextToImage)
		assert.ErrorIs(t, err, ErrFeatureDenied, id)
		assert.ErrorIs(t, err, ErrTenantInactive, id)
		assert.NotErrorIs(t, err, ErrFeatureNotEntitled, id)
		assert.Equal(t, ReasonTenantInactive, reasonOf(t, err))
		assert.False(t, g.Allows(ctx, id, feature.TextToImage), id)

		out, err := g.Entitlements(ctx, id)
		require.NoError(t, err)
		for _, d := range out {
			assert.False(t, d.Allowed, "%s %s", id, d.FeatureID)
		}
	}
	// Overrides do not outrank the status check.
	assert.Equal(t, ReasonTenantInactive, reasonOf(t, g.Check(ctx, "s1", feature.PriorityQueue)))

	// The kill switch is evaluated first.
	_, err := g.Toggle(ctx, feature.TextToImage, false, "outage", "ops")
	require.NoError(t, err)
	assert.Equal(t, ReasonSystemDisabled, reasonOf(t, g.Check(ctx, "s1", feature.TextToImage)))
}

func TestSystemFeatures_DefaultsEnabled(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	_, err := g.Toggle(ctx, feature.TextToAudio, false, "", "ops")
	require.NoError(t, err)

	all, err := g.SystemFeatures(ctx)
	require.NoError(t, err)
	require.Len(t, all, len(feature.All))
	for _, sf := range all {
		assert.Equal(t, sf.FeatureID != feature.TextToAudio, sf.Enabled, sf.FeatureID)
	}
}

func TestCheck_GlobalDisableOnFreePlan(t *testing.T) {
	g, _ := newTestGate(t, mkTenant("free", tenant.Plan{ID: tenant.PlanFree}))
	ctx := context.Background()
	require.NoError(t, g.Check(ctx, "free", feature.TextToImage))

	_, err := g.Toggle(ctx, feature.TextToImage, false, "moderation backlog", "ops")
	require.NoError(t, err)
	err = g.Check(ctx, "free", feature.TextToImage)
	assert.ErrorIs(t, err, ErrFeatureDisabledGlobally)
	assert.False(t, g.Allows(ctx, "free", feature.TextToImage))

	_, err = g.Toggle(ctx, feature.TextToImage, true, "cleared", "ops")
	require.NoError(t, err)
	assert.NoError(t, g.Check(ctx, "free", feature.TextToImage))
	assert.True(t, g.Allows(ctx, "free", feature.TextToImage))
}
