package tenant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/genforge/internal/activity"
	"github.com/mbd888/genforge/internal/feature"
	"github.com/mbd888/genforge/internal/logging"
	"github.com/mbd888/genforge/internal/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlans_Catalogue(t *testing.T) {
	now := time.Now()
	free := Plan{ID: PlanFree}
	assert.ElementsMatch(t, []string{feature.TextToImage, feature.Export}, free.Features(now))
	assert.EqualValues(t, 50, free.MonthlyCredits(now))
	assert.Equal(t, 1, free.MaxUsers())

	pro := Plan{ID: PlanPro}
	assert.True(t, feature.Contains(pro.Features(now), feature.CampaignWizard))
	assert.False(t, feature.Contains(pro.Features(now), feature.PriorityQueue))

	team := Plan{ID: PlanTeam}
	assert.True(t, feature.Contains(team.Features(now), feature.PriorityQueue))

	ent := Plan{ID: PlanEnterprise}
	for _, f := range feature.All {
		assert.True(t, feature.Contains(ent.Features(now), f), f)
	}
	assert.Equal(t, 0, ent.MaxUsers())
}

func TestPlan_CustomLimits(t *testing.T) {
	now := time.Now()
	p := Plan{ID: PlanTeam, Custom: &CustomLimits{
		MaxUsers:       50,
		MonthlyCredits: 10000,
		Features:       []string{feature.TextToVideo},
	}}
	require.NoError(t, p.Validate())
	assert.True(t, p.IsCustom())
	assert.Equal(t, []string{feature.TextToVideo}, p.Features(now))
	assert.EqualValues(t, 10000, p.MonthlyCredits(now))

	past := now.Add(-time.Hour)
	p.Custom.ExpiresAt = &past
	assert.Empty(t, p.Features(now))
	assert.Zero(t, p.MonthlyCredits(now))
}

func TestPlan_Validate(t *testing.T) {
	assert.ErrorIs(t, Plan{ID: "GOLD"}.Validate(), ErrInvalidPlan)
	bad := Plan{ID: PlanPro, Custom: &CustomLimits{Features: []string{"TELEPORT"}}}
	assert.ErrorIs(t, bad.Validate(), ErrUnknownFeature)
	neg := Plan{ID: PlanPro, Custom: &CustomLimits{MonthlyCredits: -1}}
	assert.ErrorIs(t, neg.Validate(), ErrInvalidPlan)
}

func TestTenant_Overrides(t *testing.T) {
	tn := &Tenant{}
	assert.True(t, tn.AddOverride(feature.TextToVideo))
	assert.False(t, tn.AddOverride(feature.TextToVideo))
	assert.True(t, tn.HasOverride(feature.TextToVideo))
	assert.True(t, tn.RemoveOverride(feature.TextToVideo))
	assert.False(t, tn.RemoveOverride(feature.TextToVideo))
	assert.Empty(t, tn.FeatureOverrides)
}

func TestTenant_CloneIsDeep(t *testing.T) {
	exp := time.Now()
	orig := &Tenant{
		FeatureOverrides: []string{"A"},
		Plan:             Plan{ID: PlanPro, Custom: &CustomLimits{Features: []string{"B"}, ExpiresAt: &exp}},
	}
	cp := orig.Clone()
	cp.FeatureOverrides[0] = "X"
	cp.Plan.Custom.Features[0] = "Y"
	assert.Equal(t, "A", orig.FeatureOverrides[0])
	assert.Equal(t, "B", orig.Plan.Custom.Features[0])
}

func TestMemoryStore_UpdateNeverTouchesCredits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, &Tenant{ID: "t1", Slug: "acme", Status: StatusActive, Plan: Plan{ID: PlanFree}}))
	require.NoError(t, s.SetCredits(ctx, "t1", Credits{Balance: 10, LifetimeIssued: 10}, time.Now()))

	tn, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	tn.Credits = Credits{}
	tn.Status = StatusSuspended
	require.NoError(t, s.Update(ctx, tn))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)
	assert.EqualValues(t, 10, got.Credits.Balance)

	assert.ErrorIs(t, s.Create(ctx, &Tenant{ID: "t2", Slug: "acme"}), ErrSlugTaken)
	assert.ErrorIs(t, s.Update(ctx, &Tenant{ID: "missing"}), ErrTenantNotFound)
}

type grantRecorder struct {
	mu     sync.Mutex
	grants map[string]int64
	store  *MemoryStore
}

func (g *grantRecorder) grant(ctx context.Context, tenantID string, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[tenantID] += amount
	return g.store.SetCredits(ctx, tenantID, Credits{Balance: amount, LifetimeIssued: amount}, time.Now())
}

func newTestService() (*Service, *MemoryStore, *grantRecorder, *activity.MemoryStore) {
	store := NewMemoryStore()
	g := &grantRecorder{grants: map[string]int64{}, store: store}
	events := activity.NewMemoryStore()
	svc := NewService(store, g.grant, activity.NewLog(events, logging.Discard()), logging.Discard())
	return svc, store, g, events
}

func TestService_CreateGrantsPlanAllotment(t *testing.T) {
	svc, _, g, events := newTestService()
	ctx := context.Background()

	tn, err := svc.Create(ctx, CreateRequest{Name: "Acme", Slug: " Acme-Co ", Plan: Plan{ID: PlanStarter}})
	require.NoError(t, err)
	assert.Equal(t, "acme-co", tn.Slug)
	assert.Equal(t, StatusActive, tn.Status)
	assert.EqualValues(t, 500, g.grants[tn.ID])
	assert.EqualValues(t, 500, tn.Credits.Balance)

	page, err := events.ListByTenant(ctx, tn.ID, pagination.Params{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "tenant.create", page.Items[0].Action)
}

func TestService_CreateExplicitCredits(t *testing.T) {
	svc, _, g, _ := newTestService()
	zero := int64(0)
	tn, err := svc.Create(context.Background(), CreateRequest{Name: "Zero", Slug: "zero", InitialCredits: &zero})
	require.NoError(t, err)
	assert.Equal(t, PlanFree, tn.Plan.ID)
	_, granted := g.grants[tn.ID]
	assert.False(t, granted)
}

func TestService_CreateRejectsBadInput(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	_, err := svc.Create(ctx, CreateRequest{Name: "x", Slug: "-"})
	assert.ErrorIs(t, err, ErrInvalidSlug)
	_, err = svc.Create(ctx, CreateRequest{Name: "x", Slug: "okay", Plan: Plan{ID: "GOLD"}})
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestService_AdminMutations(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	tn, err := svc.Create(ctx, CreateRequest{Name: "Acme", Slug: "acme"})
	require.NoError(t, err)

	tn, err = svc.SetStatus(ctx, tn.ID, StatusSuspended)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, tn.Status)
	_, err = svc.SetStatus(ctx, tn.ID, "FROZEN")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	tn, err = svc.AddOverride(ctx, tn.ID, feature.TextToVideo)
	require.NoError(t, err)
	assert.Equal(t, []string{feature.TextToVideo}, tn.FeatureOverrides)
	_, err = svc.AddOverride(ctx, tn.ID, "TELEPORT")
	assert.ErrorIs(t, err, ErrUnknownFeature)

	tn, err = svc.RemoveOverride(ctx, tn.ID, feature.TextToVideo)
	require.NoError(t, err)
	assert.Empty(t, tn.FeatureOverrides)

	tn, err = svc.AssignPlan(ctx, tn.ID, Plan{ID: PlanTeam, Custom: &CustomLimits{MaxUsers: 50, MonthlyCredits: 10000}})
	require.NoError(t, err)
	assert.True(t, tn.Plan.IsCustom())

	_, err = svc.SetStatus(ctx, "ten_missing", StatusActive)
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestService_ConcurrentOverridesAreNotLost(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	tn, err := svc.Create(ctx, CreateRequest{Name: "Acme", Slug: "acme"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, f := range feature.All {
		wg.Add(1)
		go func(f string) {
			defer wg.Done()
			_, err := svc.AddOverride(ctx, tn.ID, f)
			assert.NoError(t, err)
		}(f)
	}
	wg.Wait()

	got, err := svc.Get(ctx, tn.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, feature.All, got.FeatureOverrides)
}
