package campaign

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mbd888/genforge/internal/gate"
	"github.com/mbd888/genforge/internal/job"
	"github.com/mbd888/genforge/internal/ledger"
	"github.com/mbd888/genforge/internal/logging"
	"github.com/mbd888/genforge/internal/pagination"
	"github.com/mbd888/genforge/internal/provider"
	"github.com/mbd888/genforge/internal/scheduler"
	"github.com/mbd888/genforge/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantProvider settles on submit; prompts mentioning "doomed" fail.
type instantProvider struct{}

func (instantProvider) Generate(_ context.Context, m job.Module, in job.Input) (*provider.Result, error) {
	if strings.Contains(in.Prompt, "doomed") {
		return &provider.Result{ProviderJobID: "x", State: provider.StateFailed,
			Error: &provider.Error{Code: "upstream", Message: "render crashed"}}, nil
	}
	return &provider.Result{ProviderJobID: "x", State: provider.StateSucceeded,
		Outputs: []job.Output{{URL: "https://cdn.example/" + string(m) + "/" + in.Platform}}}, nil
}

func (instantProvider) CheckStatus(_ context.Context, id string) (*provider.Result, error) {
	return &provider.Result{ProviderJobID: id, State: provider.StatePending}, nil
}

type fakeText struct {
	reply string
	err   error
	panic bool
}

func (f fakeText) GenerateText(context.Context, string, string) (string, error) {
	if f.panic {
		panic("client misconfigured")
	}
	return f.reply, f.err
}

type fixture struct {
	svc     *Service
	ledger  *ledger.Ledger
	tenants *tenant.MemoryStore
	jobs    *job.MemoryStore
	store   *MemoryStore
}

func newFixture(t *testing.T, text provider.TextGenerator) *fixture {
	t.Helper()
	tenants := tenant.NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore(tenants), nil, logging.Discard())
	g := gate.New(tenants, gate.NewMemoryStore(), nil, logging.Discard())
	jobs := job.NewMemoryStore()
	cfg := scheduler.DefaultConfig()
	cfg.Workers = 4
	cfg.PollInterval = 5 * time.Millisecond
	sched := scheduler.New(jobs, l, g, instantProvider{}, nil, cfg, logging.Discard())
	t.Cleanup(func() { _ = sched.Stop(time.Second) })

	store := NewMemoryStore()
	svc := NewService(store, sched, jobs, l, g, text, nil, logging.Discard())
	return &fixture{svc: svc, ledger: l, tenants: tenants, jobs: jobs, store: store}
}

func (f *fixture) seed(t *testing.T, id string, plan tenant.PlanID, credits int64) {
	t.Helper()
	now := time.Now()
	require.NoError(t, f.tenants.Create(context.Background(), &tenant.Tenant{
		ID: id, Name: id, Slug: id, Status: tenant.StatusActive,
		Plan: tenant.Plan{ID: plan}, CreatedAt: now, UpdatedAt: now,
	}))
	if credits > 0 {
		_, err := f.ledger.Grant(context.Background(), id, credits, "seed", "test")
		require.NoError(t, err)
	}
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	c, err := f.ledger.Balance(context.Background(), id)
	require.NoError(t, err)
	return c.Balance
}

func (f *fixture) settle(t *testing.T, id string) *Campaign {
	t.Helper()
	var c *Campaign
	require.Eventually(t, func() bool {
		var err error
		c, err = f.svc.Get(context.Background(), id, "acme")
		return err == nil && c.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)
	return c
}

func request(brief string, platforms []string, types ...ContentType) CreateRequest {
	return CreateRequest{
		TenantID: "acme", UserID: "u1", Name: "Spring launch", Brief: brief,
		Tone: "playful", Platforms: platforms, ContentTypes: types,
	}
}

func TestCreate_FansOutAndCompletes(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "acme", tenant.PlanPro, 100)

	c, err := f.svc.Create(context.Background(),
		request("Trail shoes that dry in minutes.", []string{"instagram", "tiktok"}, ContentImage, ContentVideo))
	require.NoError(t, err)
	assert.Equal(t, StatusGenerating, c.Status)
	require.Len(t, c.Assets, 4)
	assert.Len(t, c.JobIDs, 4)
	assert.EqualValues(t, 10+2*1+2*5, c.CreditsUsed)
	assert.EqualValues(t, 100-22, f.balance(t, "acme"))
	assert.Equal(t, "template", c.Script.Source)

	assert.Equal(t, "instagram", c.Assets[0].Platform)
	assert.Equal(t, ContentImage, c.Assets[0].Type)
	assert.Equal(t, "4:5", c.Assets[0].Metadata["aspectRatio"])
	assert.Equal(t, ContentVideo, c.Assets[1].Type)
	assert.Equal(t, "tiktok", c.Assets[2].Platform)

	page, err := f.jobs.List(context.Background(), job.Filter{CampaignID: c.ID}, pagination.Params{})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)

	done := f.settle(t, c.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	for _, a := range done.Assets {
		assert.Equal(t, string(job.StatusCompleted), a.Status)
		assert.NotEmpty(t, a.Metadata["url"])
	}
}

func TestCreate_PartialAdmission(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "acme", tenant.PlanPro, 12)

	c, err := f.svc.Create(context.Background(),
		request("Cold brew, bottled.", []string{"youtube"}, ContentImage, ContentVideo))
	require.NoError(t, err)
	require.Len(t, c.Assets, 2)
	assert.Len(t, c.JobIDs, 1)

	var failed *Asset
	for i := range c.Assets {
		if c.Assets[i].Type == ContentVideo {
			failed = &c.Assets[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, string(job.StatusFailed), failed.Status)
	assert.Empty(t, failed.JobID)
	assert.Contains(t, failed.Error, "insufficient credits")
	assert.EqualValues(t, 1, f.balance(t, "acme"))

	assert.Equal(t, StatusCompleted, f.settle(t, c.ID).Status)
}

func TestCreate_AllAssetsFail(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "acme", tenant.PlanPro, 100)

	c, err := f.svc.Create(context.Background(),
		request("A doomed idea", []string{"linkedin", "x"}, ContentImage))
	require.NoError(t, err)
	done := f.settle(t, c.ID)
	assert.Equal(t, StatusFailed, done.Status)
	// asset jobs were refunded, the wizard fee was not
	require.Eventually(t, func() bool { return f.balance(t, "acme") == 90 }, time.Second, 10*time.Millisecond)
}

func TestCreate_NothingAdmittedIsFailed(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "acme", tenant.PlanPro, 10)

	c, err := f.svc.Create(context.Background(), request("Tiny budget", []string{"facebook"}, ContentImage))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, c.Status)
	assert.Empty(t, c.JobIDs)
	assert.NotNil(t, c.CompletedAt)
}

func TestCreate_AdmissionErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "starter", tenant.PlanStarter, 100)
	f.seed(t, "acme", tenant.PlanPro, 4)
	ctx := context.Background()

	req := request("Nope", []string{"instagram"}, ContentImage)
	req.TenantID = "starter"
	_, err := f.svc.Create(ctx, req)
	assert.ErrorIs(t, err, gate.ErrFeatureNotEntitled)
	assert.EqualValues(t, 100, f.balance(t, "starter"))

	_, err = f.svc.Create(ctx, request("Too small", []string{"instagram"}, ContentImage))
	assert.ErrorIs(t, err, scheduler.ErrInsufficientCredits)
	var detail *ledger.InsufficientBalanceError
	require.True(t, errors.As(err, &detail))
	assert.EqualValues(t, 6, detail.Shortfall())

	_, err = f.svc.Create(ctx, request("Bad platform", []string{"myspace"}, ContentImage))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.Create(ctx, request("No types", []string{"instagram"}))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	page, err := f.store.List(ctx, "acme", pagination.Params{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestCreate_LongBriefFitsPromptLimit(t *testing.T) {
	longScene := strings.Repeat("é", job.MaxPromptRunes+500)
	reply := `{"headline":"Big","scenes":[{"platform":"instagram","description":"` + longScene + `"}]}`

	tests := []struct {
		name   string
		text   provider.TextGenerator
		suffix string
	}{
		{"template script", nil, "framing, playful tone"},
		{"model script", fakeText{reply: reply}, "é"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.text)
			f.seed(t, "acme", tenant.PlanPro, 100)

			c, err := f.svc.Create(context.Background(),
				request(strings.Repeat("a", 3990), []string{"instagram"}, ContentImage))
			require.NoError(t, err)
			require.Len(t, c.JobIDs, 1, c.Assets)
			assert.Empty(t, c.Assets[0].Error)
			assert.EqualValues(t, 100-10-1, f.balance(t, "acme"))

			j, err := f.jobs.Get(context.Background(), c.JobIDs[0])
			require.NoError(t, err)
			assert.LessOrEqual(t, utf8.RuneCountInString(j.Input.Prompt), job.MaxPromptRunes)
			assert.True(t, strings.HasSuffix(j.Input.Prompt, tt.suffix), j.Input.Prompt[len(j.Input.Prompt)-40:])
		})
	}
}

func TestGet_OtherTenantIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "acme", tenant.PlanPro, 100)
	c, err := f.svc.Create(context.Background(), request("Mine", []string{"instagram"}, ContentImage))
	require.NoError(t, err)

	_, err = f.svc.Get(context.Background(), c.ID, "rival")
	assert.ErrorIs(t, err, ErrCampaignNotFound)
}

func TestList_RefreshesUnsettled(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "acme", tenant.PlanPro, 100)
	c, err := f.svc.Create(context.Background(), request("Listed", []string{"instagram"}, ContentImage))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		page, err := f.svc.List(context.Background(), "acme", pagination.Params{})
		return err == nil && page.Total == 1 && page.Items[0].ID == c.ID && page.Items[0].Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := f.store.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestDerive(t *testing.T) {
	mk := func(statuses ...job.Status) []*job.Job {
		out := make([]*job.Job, len(statuses))
		for i, s := range statuses {
			out[i] = &job.Job{Status: s}
		}
		return out
	}
	tests := []struct {
		name string
		jobs []*job.Job
		want Status
	}{
		{"no jobs", nil, StatusFailed},
		{"one still processing", mk(job.StatusCompleted, job.StatusProcessing), StatusGenerating},
		{"retrying counts as active", mk(job.StatusFailed, job.StatusRetrying), StatusGenerating},
		{"queued counts as active", mk(job.StatusQueued), StatusGenerating},
		{"any success completes", mk(job.StatusFailed, job.StatusCompleted, job.StatusCancelled), StatusCompleted},
		{"all failed", mk(job.StatusFailed, job.StatusFailed), StatusFailed},
		{"cancelled is not success", mk(job.StatusCancelled, job.StatusFailed), StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(tt.jobs))
		})
	}
}

func TestGenerateScript(t *testing.T) {
	platforms := []string{"instagram", "youtube"}
	good := "```json\n" + `{"headline":"Dry in minutes","hook":"Rain?","callToAction":"Shop now",
		"scenes":[{"platform":"instagram","description":"runner splashing through puddles"}]}` + "\n```"

	tests := []struct {
		name   string
		text   provider.TextGenerator
		source string
	}{
		{"no generator", nil, "template"},
		{"model reply", fakeText{reply: good}, "model"},
		{"upstream error", fakeText{err: errors.New("503")}, "template"},
		{"not json", fakeText{reply: "Sure! Here's a script..."}, "template"},
		{"missing scenes", fakeText{reply: `{"headline":"x","scenes":[]}`}, "template"},
		{"panicking client", fakeText{panic: true}, "template"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.text)
			sc := f.svc.GenerateScript(context.Background(), "Trail shoes that dry in minutes. Built for mud.", "bold", platforms)
			require.NotNil(t, sc)
			assert.Equal(t, tt.source, sc.Source)
			assert.NotEmpty(t, sc.Headline)
			assert.NotEmpty(t, sc.SceneFor("instagram"))
			assert.NotEmpty(t, sc.SceneFor("youtube"))
		})
	}
}

func TestTemplateScript_Deterministic(t *testing.T) {
	a := TemplateScript("Trail shoes that dry in minutes. Built for mud.", "bold", []string{"tiktok"})
	b := TemplateScript("Trail shoes that dry in minutes. Built for mud.", "bold", []string{"tiktok"})
	assert.Equal(t, a, b)
	assert.Equal(t, "Trail shoes that dry in minutes", a.Headline)
	assert.Contains(t, a.SceneFor("tiktok"), "9:16")
	assert.Equal(t, "Something new", TemplateScript("", "", nil).Headline)
}
