package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/genforge/internal/activity"
	"github.com/mbd888/genforge/internal/feature"
	"github.com/mbd888/genforge/internal/gate"
	"github.com/mbd888/genforge/internal/job"
	"github.com/mbd888/genforge/internal/ledger"
	"github.com/mbd888/genforge/internal/logging"
	"github.com/mbd888/genforge/internal/pagination"
	"github.com/mbd888/genforge/internal/provider"
	"github.com/mbd888/genforge/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider settles every generation on submit unless told otherwise.
// Prompts containing "fail" are rejected upstream.
type scriptedProvider struct {
	calls    atomic.Int32
	generate func(ctx context.Context, m job.Module, in job.Input) (*provider.Result, error)
}

func (p *scriptedProvider) Generate(ctx context.Context, m job.Module, in job.Input) (*provider.Result, error) {
	n := p.calls.Add(1)
	if p.generate != nil {
		return p.generate(ctx, m, in)
	}
	if strings.Contains(in.Prompt, "fail") {
		return &provider.Result{
			ProviderJobID: "up_fail",
			State:         provider.StateFailed,
			Error:         &provider.Error{Code: "content_policy", Message: "prompt rejected upstream"},
		}, nil
	}
	return &provider.Result{
		ProviderJobID: "up_" + string(rune('a'+n%26)),
		State:         provider.StateSucceeded,
		Outputs:       []job.Output{{URL: "https://cdn.example/out.png", MimeType: "image/png"}},
	}, nil
}

func (p *scriptedProvider) CheckStatus(_ context.Context, id string) (*provider.Result, error) {
	return &provider.Result{ProviderJobID: id, State: provider.StatePending}, nil
}

type harness struct {
	sched   *Scheduler
	ledger  *ledger.Ledger
	gate    *gate.Gate
	jobs    *job.MemoryStore
	tenants *tenant.MemoryStore
	prov    *scriptedProvider
}

func newHarness(t *testing.T, cfgFn func(*Config)) *harness {
	t.Helper()
	tenants := tenant.NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore(tenants), nil, logging.Discard())
	g := gate.New(tenants, gate.NewMemoryStore(), nil, logging.Discard())
	jobs := job.NewMemoryStore()
	prov := &scriptedProvider{}

	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.QueueSize = 64
	cfg.PollInterval = 5 * time.Millisecond
	if cfgFn != nil {
		cfgFn(&cfg)
	}
	s := New(jobs, l, g, prov, activity.Nop{}, cfg, logging.Discard())
	t.Cleanup(func() { _ = s.Stop(time.Second) })
	return &harness{sched: s, ledger: l, gate: g, jobs: jobs, tenants: tenants, prov: prov}
}

func (h *harness) seed(t *testing.T, id string, plan tenant.PlanID, credits int64) {
	t.Helper()
	now := time.Now()
	require.NoError(t, h.tenants.Create(context.Background(), &tenant.Tenant{
		ID: id, Name: id, Slug: id, Status: tenant.StatusActive,
		Plan: tenant.Plan{ID: plan}, CreatedAt: now, UpdatedAt: now,
	}))
	if credits > 0 {
		_, err := h.ledger.Grant(context.Background(), id, credits, "seed", "test")
		require.NoError(t, err)
	}
}

func (h *harness) balance(t *testing.T, tenantID string) int64 {
	t.Helper()
	c, err := h.ledger.Balance(context.Background(), tenantID)
	require.NoError(t, err)
	return c.Balance
}

func (h *harness) refunds(t *testing.T, tenantID string) int {
	t.Helper()
	page, err := h.ledger.History(context.Background(), tenantID, ledger.Filter{Type: ledger.TypeRefund}, pagination.Params{})
	require.NoError(t, err)
	return page.Total
}

func (h *harness) await(t *testing.T, id string, want job.Status) *job.Job {
	t.Helper()
	var last *job.Job
	require.Eventually(t, func() bool {
		j, err := h.jobs.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return last
}

func image(prompt string) CreateRequest {
	return CreateRequest{TenantID: "acme", UserID: "u1", Module: job.TextToImage, Input: job.Input{Prompt: prompt}}
}

func TestCreateJob_CompletesAndCharges(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "acme", tenant.PlanPro, 20)
	ctx := context.Background()

	j, err := h.sched.CreateJob(ctx, image("a lighthouse at dusk"))
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, j.Status)
	assert.EqualValues(t, 1, j.CreditsUsed)
	assert.Equal(t, 0, j.RetryCount)
	assert.EqualValues(t, 19, h.balance(t, "acme"))

	done := h.await(t, j.ID, job.StatusCompleted)
	require.Len(t, done.Output, 1)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.NotEmpty(t, done.ProviderJobID)
	assert.False(t, done.Refunded)
	assert.EqualValues(t, 19, h.balance(t, "acme"))
}

func TestCreateJob_InsufficientCreditsCreatesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "acme", tenant.PlanPro, 3)

	_, err := h.sched.CreateJob(context.Background(), CreateRequest{
		TenantID: "acme", UserID: "u1", Module: job.TextToVideo, Input: job.Input{Prompt: "surfing dog"},
	})
	require.ErrorIs(t, err, ErrInsufficientCredits)
	var detail *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &detail)
	assert.EqualValues(t, 3, detail.Balance)
	assert.EqualValues(t, 5, detail.Requested)

	page, err := h.jobs.List(context.Background(), job.Filter{TenantID: "acme"}, pagination.Params{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.EqualValues(t, 3, h.balance(t, "acme"))
}

func TestCreateJob_GateDeniesBeforeCharging(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "acme", tenant.PlanFree, 50)

	_, err := h.sched.CreateJob(context.Background(), CreateRequest{
		TenantID: "acme", UserID: "u1", Module: job.TextToVideo, Input: job.Input{Prompt: "x"},
	})
	assert.ErrorIs(t, err, gate.ErrFeatureNotEntitled)
	assert.EqualValues(t, 50, h.balance(t, "acme"))
}

func TestCreateJob_RejectsBadInput(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "acme", tenant.PlanPro, 50)
	ctx := context.Background()

	_, err := h.sched.CreateJob(ctx, CreateRequest{TenantID: "acme", UserID: "u1", Module: "hologram"})
	assert.ErrorIs(t, err, job.ErrUnknownModule)

	_, err = h.sched.CreateJob(ctx, image("   "))
	assert.ErrorIs(t, err, job.ErrInvalidInput)

	_, err = h.sched.CreateJob(ctx, CreateRequest{
		TenantID: "acme", UserID: "u1", Module: job.TextToImage,
		Input: job.Input{Prompt: "ok", AspectRatio: "7:3"},
	})
	assert.ErrorIs(t, err, job.ErrInvalidInput)
	assert.EqualValues(t, 50, h.balance(t, "acme"))
}

func TestCreateJob_ConcurrentAdmissionNeverOverdraws(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "acme", tenant.PlanPro, 100)

	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.sched.CreateJob(context.Background(), CreateRequest{
				TenantID: "acme", UserID: "u1", Module: job.TextToVideo,
				Input: job.Input{Prompt: "race"}, SkipProcessing: true,
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientCredits):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 20, ok.Load())
	assert.EqualValues(t, 30, short.Load())
	assert.EqualValues(t, 0, h.balance(t, "acme"))
}

func TestExecute_ProviderFailureRefundsOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "acme", tenant.PlanPro, 20)
	ctx := context.Background()

	j, err := h.sched.CreateJob(ctx, image("please fail"))
	require.NoError(t, err)
	failed := h.await(t, j.ID, job.StatusFailed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, job.CodeProvider, failed.Error.Code)
	assert.Contains(t, failed.Error.Message, "prompt rejected upstream")
	assert.NotContains(t, failed.Error.PublicMessage(), "upstream")
	assert.Eventually(t, func() bool {
		cur, _ := h.jobs.Get(ctx, j.ID)
		return cur.Refunded
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 20, h.balance(t, "acme"))

	// Fails again on retry: still only one refund for the one charge.
	_, err = h.sched.RetryJob(ctx, j.ID, "u1")
	require.NoError(t, err)
	again := h.await(t, j.ID, job.StatusFailed)
	assert.Equal(t, 1, again.RetryCount)
	assert.EqualValues(t, 20, h.balance(t, "acme"))
	assert.Equal(t, 1, h.refunds(t, "acme"))
	assert.EqualValues(t, 2, h.prov.calls.Load())
}

func TestExecute_TimeoutFailsWithTimeoutCode(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Timeouts = job.Timeouts{job.ClassImage: 50 * time.Millisecond}
	})
	h.prov.generate = func(context.Context, job.Module, job.Input) (*provider.Result, error) {
		return &provider.Result{ProviderJobID: "slow", State: provider.StatePending}, nil
	}
	h.seed(t, "acme", tenant.PlanPro, 20)

	j, err := h.sched.CreateJob(context.Background(), image("never finishes"))
	require.NoError(t, err)
	failed := h.await(t, j.ID, job.StatusFailed)
	assert.Equal(t, job.CodeTimeout, failed.Error.Code)
	assert.Equal(t, "slow", failed.ProviderJobID)
	assert.Eventually(t, func() bool { return h.balance(t, "acme") == 20 }, time.Second, 5*time.Millisecond)
}

func TestExecute_PanicReachesFailurePath(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.generate = func(context.Context, job.Module, job.Input) (*provider.Result, error) {
		panic("nil map in adapter")
	}
	h.seed(t, "acme", tenant.PlanPro, 20)

	j, err := h.sched.CreateJob(context.Background(), image("boom"))
	require.NoError(t, err)
	failed := h.await(t, j.ID, job.StatusFailed)
	assert.Equal(t, job.CodeInternal, failed.Error.Code)
	assert.Eventually(t, func() bool { return h.balance(t, "acme") == 20 }, time.Second, 5*time.Millisecond)
}

func TestCancel_InFlightResultIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	entered := make(chan struct{})
	h.prov.generate = func(ctx context.Context, _ job.Module, _ job.Input) (*provider.Result, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.seed(t, "acme", tenant.PlanPro, 20)
	ctx := context.Background()

	j, err := h.sched.CreateJob(ctx, image("slow render"))
	require.NoError(t, err)
	<-entered
	h.await(t, j.ID, job.StatusProcessing)

	cancelled, err := h.sched.CancelJob(ctx, j.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, cancelled.Status)

	assert.Never(t, func() bool {
		cur, _ := h.jobs.Get(ctx, j.ID)
		return cur.Status != job.StatusCancelled || len(cur.Output) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.EqualValues(t, 19, h.balance(t, "acme"), "cancel does not refund")
	assert.Zero(t, h.refunds(t, "acme"))
}

func TestStateMachine_Legality(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "acme", tenant.PlanPro, 50)
	ctx := context.Background()

	queued := func() *job.Job {
		req := image("held")
		req.SkipProcessing = true
		j, err := h.sched.CreateJob(ctx, req)
		require.NoError(t, err)
		return j
	}

	// retry from queued is illegal and leaves the job untouched
	q := queued()
	_, err := h.sched.RetryJob(ctx, q.ID, "u1")
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, job.StatusQueued, te.From)
	cur, _ := h.jobs.Get(ctx, q.ID)
	assert.Equal(t, job.StatusQueued, cur.Status)
	assert.Equal(t, 0, cur.RetryCount)

	// cancel from queued is legal, then nothing else is
	_, err = h.sched.CancelJob(ctx, q.ID, "u1")
	require.NoError(t, err)
	_, err = h.sched.CancelJob(ctx, q.ID, "u1")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = h.sched.RetryJob(ctx, q.ID, "u1")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	// completed can be retried but not cancelled
	done, err := h.sched.CreateJob(ctx, image("fine"))
	require.NoError(t, err)
	h.await(t, done.ID, job.StatusCompleted)
	_, err = h.sched.CancelJob(ctx, done.ID, "u1")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	before := h.balance(t, "acme")
	again, err := h.sched.RetryJob(ctx, done.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusRetrying, again.Status)
	assert.Empty(t, again.Output)
	assert.Nil(t, again.CompletedAt)
	h.await(t, done.ID, job.StatusCompleted)
	assert.Equal(t, before, h.balance(t, "acme"), "retry never re-charges")
}

func TestRetry_AllowedPastMaxRetries(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxRetries = 1 })
	h.seed(t, "acme", tenant.PlanPro, 20)
	ctx := context.Background()

	j, err := h.sched.CreateJob(ctx, image("fail forever"))
	require.NoError(t, err)
	h.await(t, j.ID, job.StatusFailed)

	for i := 1; i <= 3; i++ {
		_, err := h.sched.RetryJob(ctx, j.ID, "u1")
		require.NoError(t, err)
		got := h.await(t, j.ID, job.StatusFailed)
		assert.Equal(t, i, got.RetryCount)
		assert.True(t, got.Terminal())
	}
	assert.Equal(t, 1, h.refunds(t, "acme"))
}

func TestGetJob_OwnerOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "acme", tenant.PlanPro, 20)
	ctx := context.Background()
	req := image("mine")
	req.SkipProcessing = true
	j, err := h.sched.CreateJob(ctx, req)
	require.NoError(t, err)

	_, err = h.sched.GetJob(ctx, j.ID, "someone-else")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
	_, err = h.sched.CancelJob(ctx, j.ID, "someone-else")
	assert.ErrorIs(t, err, job.ErrJobNotFound)

	got, err := h.sched.GetJob(ctx, j.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
}

func TestCancelAllProcessing(t *testing.T) {
	for _, refund := range []bool{false, true} {
		h := newHarness(t, func(c *Config) { c.RefundOnBulkCancel = refund })
		h.seed(t, "acme", tenant.PlanPro, 20)
		ctx := context.Background()

		var ids []string
		for i := 0; i < 3; i++ {
			req := image("maintenance")
			req.SkipProcessing = true
			j, err := h.sched.CreateJob(ctx, req)
			require.NoError(t, err)
			ids = append(ids, j.ID)
		}
		done, err := h.sched.CreateJob(ctx, image("finished"))
		require.NoError(t, err)
		h.await(t, done.ID, job.StatusCompleted)

		res, err := h.sched.CancelAllProcessing(ctx, "provider migration")
		require.NoError(t, err)
		assert.Equal(t, 3, res.Count)
		assert.ElementsMatch(t, ids, res.JobIDs)
		for _, id := range ids {
			j, _ := h.jobs.Get(ctx, id)
			assert.Equal(t, job.StatusCancelled, j.Status)
			assert.Equal(t, job.CodeMaintenance, j.Error.Code)
		}
		if refund {
			assert.Equal(t, 3, res.Refunded)
			assert.EqualValues(t, 19, h.balance(t, "acme"))
		} else {
			assert.Zero(t, res.Refunded)
			assert.EqualValues(t, 16, h.balance(t, "acme"))
		}
	}
}

func TestCancelAllProcessing_RacingFailuresRefundOnce(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RefundOnBulkCancel = true })
	h.seed(t, "acme", tenant.PlanPro, 20)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 8; i++ {
		req := image("contended")
		req.SkipProcessing = true
		j, err := h.sched.CreateJob(ctx, req)
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}
	assert.EqualValues(t, 12, h.balance(t, "acme"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.sched.CancelAllProcessing(ctx, "provider migration")
		assert.NoError(t, err)
	}()
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sched.fail(ctx, id, job.CodeProvider, "upstream died")
		}()
	}
	wg.Wait()

	for _, id := range ids {
		j, err := h.jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Contains(t, []job.Status{job.StatusCancelled, job.StatusFailed}, j.Status)
		assert.True(t, j.Refunded, id)
	}
	assert.Equal(t, len(ids), h.refunds(t, "acme"))
	assert.EqualValues(t, 20, h.balance(t, "acme"))
}

func TestQueueFull_FailsAndRefunds(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Workers = 1
		c.QueueSize = 1
	})
	release := make(chan struct{})
	entered := make(chan struct{}, 3)
	h.prov.generate = func(ctx context.Context, _ job.Module, _ job.Input) (*provider.Result, error) {
		entered <- struct{}{}
		<-release
		return &provider.Result{ProviderJobID: "p", State: provider.StateSucceeded}, nil
	}
	h.seed(t, "acme", tenant.PlanPro, 20)
	ctx := context.Background()

	_, err := h.sched.CreateJob(ctx, image("first"))
	require.NoError(t, err)
	<-entered
	_, err = h.sched.CreateJob(ctx, image("second"))
	require.NoError(t, err)

	_, err = h.sched.CreateJob(ctx, image("third"))
	require.ErrorIs(t, err, ErrBusy)
	close(release)

	page, err := h.jobs.List(ctx, job.Filter{TenantID: "acme", Statuses: []job.Status{job.StatusFailed}}, pagination.Params{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, job.CodeQueueFull, page.Items[0].Error.Code)
	assert.True(t, page.Items[0].Refunded)
	assert.EqualValues(t, 18, h.balance(t, "acme"))
}

func TestPriorityLaneForEntitledTenants(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Workers = 1 })
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	h.prov.generate = func(_ context.Context, _ job.Module, in job.Input) (*provider.Result, error) {
		if in.Prompt == "blocker" {
			<-release
		}
		mu.Lock()
		order = append(order, in.Prompt)
		mu.Unlock()
		return &provider.Result{ProviderJobID: in.Prompt, State: provider.StateSucceeded}, nil
	}
	h.seed(t, "acme", tenant.PlanPro, 20)
	h.seed(t, "bigco", tenant.PlanTeam, 20)
	require.True(t, h.gate.Allows(context.Background(), "bigco", feature.PriorityQueue))
	ctx := context.Background()

	blocker, err := h.sched.CreateJob(ctx, image("blocker"))
	require.NoError(t, err)
	h.await(t, blocker.ID, job.StatusProcessing)

	normal, err := h.sched.CreateJob(ctx, image("normal"))
	require.NoError(t, err)
	prio, err := h.sched.CreateJob(ctx, CreateRequest{TenantID: "bigco", UserID: "u9", Module: job.TextToImage, Input: job.Input{Prompt: "priority"}})
	require.NoError(t, err)
	close(release)

	h.await(t, normal.ID, job.StatusCompleted)
	h.await(t, prio.ID, job.StatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"blocker", "priority", "normal"}, order)
}

func TestRecover(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "acme", tenant.PlanPro, 20)
	ctx := context.Background()

	req := image("left queued")
	req.SkipProcessing = true
	queued, err := h.sched.CreateJob(ctx, req)
	require.NoError(t, err)

	req = image("left processing")
	req.SkipProcessing = true
	stuck, err := h.sched.CreateJob(ctx, req)
	require.NoError(t, err)
	_, err = h.jobs.UpdateStatus(ctx, stuck.ID, job.StatusProcessing, job.Patch{}, job.StatusQueued)
	require.NoError(t, err)

	n, err := h.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	h.await(t, queued.ID, job.StatusCompleted)
	failed := h.await(t, stuck.ID, job.StatusFailed)
	assert.Equal(t, job.CodeInternal, failed.Error.Code)
	assert.True(t, failed.Refunded)
	assert.EqualValues(t, 19, h.balance(t, "acme"))
}

func TestGetUserJobStats(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "acme", tenant.PlanPro, 50)
	ctx := context.Background()

	ok, err := h.sched.CreateJob(ctx, image("fine"))
	require.NoError(t, err)
	bad, err := h.sched.CreateJob(ctx, image("fail"))
	require.NoError(t, err)
	audio, err := h.sched.CreateJob(ctx, CreateRequest{TenantID: "acme", UserID: "u1", Module: job.TextToAudio, Input: job.Input{Prompt: "jingle"}})
	require.NoError(t, err)
	h.await(t, ok.ID, job.StatusCompleted)
	h.await(t, audio.ID, job.StatusCompleted)
	require.Eventually(t, func() bool {
		j, _ := h.jobs.Get(ctx, bad.ID)
		return j.Refunded
	}, time.Second, 5*time.Millisecond)

	stats, err := h.sched.GetUserJobStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[job.StatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[job.StatusFailed])
	assert.Equal(t, 2, stats.ByModule[job.TextToImage])
	assert.EqualValues(t, 1+2, stats.CreditsSpent)
}
