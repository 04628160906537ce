// Package scheduler drives generation jobs through their lifecycle.
//
// Admission charges the tenant and records a queued job. Execution happens
// on a worker pool: the job moves to processing, the provider is awaited
// under the module's deadline, and the job ends completed or failed. A
// failed job is refunded exactly once.
//
// Transitions on one job are serialized by a per-job lock and guarded by the
// store's status precondition. Different jobs never share a lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/genforge/internal/activity"
	"github.com/mbd888/genforge/internal/feature"
	"github.com/mbd888/genforge/internal/idgen"
	"github.com/mbd888/genforge/internal/job"
	"github.com/mbd888/genforge/internal/ledger"
	"github.com/mbd888/genforge/internal/logging"
	"github.com/mbd888/genforge/internal/pagination"
	"github.com/mbd888/genforge/internal/provider"
	"github.com/mbd888/genforge/internal/syncutil"
	"github.com/mbd888/genforge/internal/traces"
	"github.com/mbd888/genforge/internal/validation"
	"github.com/mbd888/genforge/internal/workerpool"
)

var (
	ErrInsufficientCredits    = errors.New("scheduler: insufficient credits")
	ErrInvalidStateTransition = errors.New("scheduler: invalid state transition")
	ErrBusy                   = errors.New("scheduler: execution queue is full")
	ErrStopped                = errors.New("scheduler: stopped")
)

// TransitionError reports an operation the job's current status forbids.
type TransitionError struct {
	JobID string
	From  job.Status
	Op    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("scheduler: cannot %s job %s in status %s", e.Op, e.JobID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// Ledger is the credit side of admission and compensation.
type Ledger interface {
	Consume(ctx context.Context, tenantID string, amount int64, featureID, relatedJobID string) (*ledger.Result, error)
	Refund(ctx context.Context, tenantID string, amount int64, relatedJobID, reason string) (*ledger.Result, error)
}

// Gate decides feature entitlements.
type Gate interface {
	Check(ctx context.Context, tenantID, featureID string) error
	Allows(ctx context.Context, tenantID, featureID string) bool
}

// Config tunes execution.
type Config struct {
	Workers            int
	QueueSize          int
	MaxRetries         int
	Timeouts           job.Timeouts
	PollInterval       time.Duration
	RefundOnBulkCancel bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      8,
		QueueSize:    256,
		MaxRetries:   3,
		Timeouts:     job.DefaultTimeouts,
		PollInterval: provider.DefaultPollInterval,
	}
}

// Scheduler owns job status transitions.
type Scheduler struct {
	jobs     job.Store
	ledger   Ledger
	gate     Gate
	provider provider.Provider
	events   activity.Recorder
	cfg      Config
	logger   *slog.Logger
	pool     *workerpool.Pool
	locks    *syncutil.KeyedMutex
	nowFunc  func() time.Time

	baseCtx  context.Context
	stop     context.CancelFunc
	inflight sync.Map // job id -> context.CancelFunc
}

// New creates a scheduler and starts its workers.
func New(jobs job.Store, l Ledger, g Gate, p provider.Provider, events activity.Recorder, cfg Config, logger *slog.Logger) *Scheduler {
	if events == nil {
		events = activity.Nop{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = job.DefaultTimeouts
	}
	logger = logging.OrDefault(logger)
	base, stop := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:     jobs,
		ledger:   l,
		gate:     g,
		provider: p,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		pool: workerpool.New(workerpool.Config{
			Name:       "jobs",
			MaxWorkers: cfg.Workers,
			QueueSize:  cfg.QueueSize,
			Logger:     logger,
		}),
		locks:   syncutil.NewKeyedMutex(),
		nowFunc: time.Now,
		baseCtx: logging.WithLogger(base, logger),
		stop:    stop,
	}
}

// Stop waits up to timeout for running jobs, then interrupts the rest.
// Interrupted jobs stay processing until Recover runs.
func (s *Scheduler) Stop(timeout time.Duration) error {
	err := s.pool.Stop(timeout)
	s.stop()
	return err
}

// PoolStats exposes worker pool statistics.
func (s *Scheduler) PoolStats() workerpool.Stats {
	return s.pool.Stats()
}

// CreateRequest describes a job to admit.
type CreateRequest struct {
	TenantID   string
	UserID     string
	Module     job.Module
	Input      job.Input
	CampaignID string
	// SkipProcessing records the job without dispatching it.
	SkipProcessing bool
}

// CreateJob charges the module cost and records a queued job. Unless
// SkipProcessing is set, execution is dispatched without waiting for it.
// When the charge fails no job is recorded.
func (s *Scheduler) CreateJob(ctx context.Context, req CreateRequest) (*job.Job, error) {
	ctx, span := traces.StartSpan(ctx, "scheduler.CreateJob",
		traces.TenantID(req.TenantID), traces.UserID(req.UserID), traces.Module(string(req.Module)))
	defer span.End()

	if !req.Module.Valid() {
		return nil, fmt.Errorf("%w: %q", job.ErrUnknownModule, req.Module)
	}
	if err := validation.Struct(req.Input); err != nil {
		return nil, fmt.Errorf("%w: %v", job.ErrInvalidInput, err)
	}
	if err := req.Input.Validate(req.Module); err != nil {
		return nil, err
	}
	if err := s.gate.Check(ctx, req.TenantID, req.Module.Feature()); err != nil {
		return nil, err
	}

	id := idgen.WithPrefix(idgen.PrefixJob)
	cost := req.Module.Cost()
	if _, err := s.ledger.Consume(ctx, req.TenantID, cost, req.Module.Feature(), id); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, fmt.Errorf("%w: %w", ErrInsufficientCredits, err)
		}
		return nil, err
	}

	now := s.nowFunc()
	j := &job.Job{
		ID:          id,
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Module:      req.Module,
		Status:      job.StatusQueued,
		Input:       req.Input,
		CreditsUsed: cost,
		MaxRetries:  s.cfg.MaxRetries,
		CampaignID:  req.CampaignID,
		QueuedAt:    now,
		UpdatedAt:   now,
	}
	if err := s.jobs.Create(ctx, j); err != nil {
		s.compensate(ctx, j, "job record could not be created")
		return nil, fmt.Errorf("create job: %w", err)
	}
	JobsTotal.WithLabelValues(string(j.Module), string(job.StatusQueued)).Inc()
	logging.L(ctx).Info("job queued",
		"job_id", j.ID, "tenant_id", j.TenantID, "module", j.Module, "credits", cost)

	if req.SkipProcessing {
		return j, nil
	}
	if err := s.dispatch(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// GetJob returns a job. A non-empty userID must own it.
func (s *Scheduler) GetJob(ctx context.Context, id, userID string) (*job.Job, error) {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && j.UserID != userID {
		return nil, job.ErrJobNotFound
	}
	return j, nil
}

// ListJobs returns matching jobs, newest first.
func (s *Scheduler) ListJobs(ctx context.Context, f job.Filter, p pagination.Params) (pagination.Page[*job.Job], error) {
	return s.jobs.List(ctx, f, p)
}

// GetUserJobStats aggregates every job of userID.
func (s *Scheduler) GetUserJobStats(ctx context.Context, userID string) (*job.Stats, error) {
	return s.jobs.Stats(ctx, userID)
}

// RetryJob regenerates a failed or completed job owned by userID. The
// original charge stands; retries past MaxRetries are allowed.
func (s *Scheduler) RetryJob(ctx context.Context, id, userID string) (*job.Job, error) {
	if _, err := s.GetJob(ctx, id, userID); err != nil {
		return nil, err
	}
	return s.retry(ctx, id)
}

// ForceRetry is RetryJob without the ownership check.
func (s *Scheduler) ForceRetry(ctx context.Context, id string) (*job.Job, error) {
	return s.retry(ctx, id)
}

func (s *Scheduler) retry(ctx context.Context, id string) (*job.Job, error) {
	ctx, span := traces.StartSpan(ctx, "scheduler.RetryJob", traces.JobID(id))
	defer span.End()

	j, err := s.transition(ctx, id, "retry", job.StatusRetrying, job.Patch{
		IncrementRetry: true,
		ClearError:     true,
		ClearOutput:    true,
		ClearCompleted: true,
	}, job.StatusFailed, job.StatusCompleted)
	if err != nil {
		return nil, err
	}
	if j.RetryCount > j.MaxRetries {
		logging.L(ctx).Info("retry beyond limit", "job_id", j.ID, "retry_count", j.RetryCount, "max_retries", j.MaxRetries)
	}
	if err := s.dispatch(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// CancelJob cancels a queued or processing job owned by userID. It does not
// refund. An in-flight provider call is abandoned.
func (s *Scheduler) CancelJob(ctx context.Context, id, userID string) (*job.Job, error) {
	if _, err := s.GetJob(ctx, id, userID); err != nil {
		return nil, err
	}
	now := s.nowFunc()
	j, err := s.transition(ctx, id, "cancel", job.StatusCancelled, job.Patch{
		CompletedAt: &now,
		Error:       &job.Error{Message: "cancelled by user", Code: job.CodeCancelled, Timestamp: now},
	}, job.StatusQueued, job.StatusProcessing)
	if err != nil {
		return nil, err
	}
	s.abort(id)
	s.recordTerminal(ctx, j)
	return j, nil
}

// BulkCancelResult summarises CancelAllProcessing.
type BulkCancelResult struct {
	Count    int      `json:"count"`
	JobIDs   []string `json:"jobIds"`
	Refunded int      `json:"refunded"`
}

// CancelAllProcessing cancels every queued or processing job. Cancelled jobs
// are refunded only when RefundOnBulkCancel is set.
func (s *Scheduler) CancelAllProcessing(ctx context.Context, reason string) (*BulkCancelResult, error) {
	ids, err := s.collect(ctx, job.Filter{Statuses: []job.Status{job.StatusQueued, job.StatusProcessing}})
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "maintenance"
	}

	res := &BulkCancelResult{JobIDs: []string{}}
	for _, id := range ids {
		j, refunded, err := s.cancelForMaintenance(ctx, id, reason)
		if errors.Is(err, ErrInvalidStateTransition) {
			continue
		}
		if err != nil {
			return res, err
		}
		s.abort(id)
		s.recordTerminal(ctx, j)
		res.Count++
		res.JobIDs = append(res.JobIDs, id)
		if refunded {
			res.Refunded++
		}
	}
	logging.L(ctx).Warn("bulk cancellation", "reason", reason, "count", res.Count, "refunded", res.Refunded)
	s.events.Record(ctx, activity.Entry{
		Action: "jobs.cancel_all",
		Detail: map[string]string{"reason": reason, "count": fmt.Sprint(res.Count)},
	})
	return res, nil
}

// cancelForMaintenance cancels one live job and, when configured, refunds
// it while holding the job lock.
func (s *Scheduler) cancelForMaintenance(ctx context.Context, id, reason string) (*job.Job, bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	now := s.nowFunc()
	j, err := s.transitionLocked(ctx, id, "cancel", job.StatusCancelled, job.Patch{
		CompletedAt: &now,
		Error:       &job.Error{Message: reason, Code: job.CodeMaintenance, Timestamp: now},
	}, job.StatusQueued, job.StatusProcessing)
	if err != nil {
		return nil, false, err
	}
	refunded := s.cfg.RefundOnBulkCancel && s.refund(ctx, j, "cancelled: "+reason)
	return j, refunded, nil
}

// Recover resumes work left behind by a previous process. Queued and
// retrying jobs are dispatched again; processing jobs lost their provider
// call and are failed with a refund.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	ids, err := s.collect(ctx, job.Filter{Statuses: job.Active})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		j, err := s.jobs.Get(ctx, id)
		if err != nil {
			return n, err
		}
		switch j.Status {
		case job.StatusProcessing:
			s.fail(ctx, id, job.CodeInternal, "interrupted by restart")
		case job.StatusQueued, job.StatusRetrying:
			if err := s.dispatch(ctx, j); err != nil {
				continue
			}
		default:
			continue
		}
		n++
	}
	if n > 0 {
		logging.L(ctx).Info("recovered jobs", "count", n)
	}
	return n, nil
}

// collect pages through f before any job is changed, so offsets stay valid.
func (s *Scheduler) collect(ctx context.Context, f job.Filter) ([]string, error) {
	var ids []string
	p := pagination.Params{Limit: pagination.MaxLimit}
	for {
		page, err := s.jobs.List(ctx, f, p)
		if err != nil {
			return nil, err
		}
		for _, j := range page.Items {
			ids = append(ids, j.ID)
		}
		if !page.HasMore {
			return ids, nil
		}
		p.Offset += len(page.Items)
	}
}

// dispatch hands j to the pool. Tenants entitled to the priority queue use
// the priority lane. A job that cannot be queued is failed and refunded.
func (s *Scheduler) dispatch(ctx context.Context, j *job.Job) error {
	id := j.ID
	err := s.pool.Submit(workerpool.Task{
		ID:       id,
		Priority: s.gate.Allows(ctx, j.TenantID, feature.PriorityQueue),
		Context:  s.baseCtx,
		Fn: func(ctx context.Context) error {
			s.execute(ctx, id)
			return nil
		},
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, workerpool.ErrStopped) {
		s.fail(ctx, id, job.CodeInternal, "scheduler stopped")
		return ErrStopped
	}
	s.fail(ctx, id, job.CodeQueueFull, err.Error())
	return fmt.Errorf("%w: job %s", ErrBusy, id)
}

func (s *Scheduler) execute(ctx context.Context, id string) {
	ctx, span := traces.StartSpan(ctx, "scheduler.execute", traces.JobID(id))
	defer span.End()
	log := logging.L(ctx).With("job_id", id)

	defer func() {
		if r := recover(); r != nil {
			log.Error("job execution panicked", "panic", r)
			s.fail(ctx, id, job.CodeInternal, fmt.Sprintf("panic: %v", r))
		}
	}()

	started := s.nowFunc()
	j, err := s.transition(ctx, id, "start", job.StatusProcessing, job.Patch{StartedAt: &started},
		job.StatusQueued, job.StatusRetrying)
	if errors.Is(err, ErrInvalidStateTransition) {
		log.Debug("job no longer runnable", "error", err)
		return
	}
	if err != nil {
		log.Error("failed to start job", "error", err)
		s.fail(ctx, id, job.CodeInternal, err.Error())
		return
	}
	log = log.With("tenant_id", j.TenantID, "module", j.Module)
	log.Info("job processing", "status", job.StatusProcessing, "attempt", j.RetryCount)
	InflightJobs.Inc()
	defer InflightJobs.Dec()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.For(j.Module))
	s.inflight.Store(id, cancel)
	defer func() {
		s.inflight.Delete(id)
		cancel()
	}()

	res, err := provider.Await(runCtx, s.provider, j.Module, j.Input, s.cfg.PollInterval, func(providerJobID string) {
		if _, perr := s.jobs.Patch(ctx, id, job.Patch{ProviderJobID: &providerJobID}); perr != nil {
			log.Warn("failed to record provider job id", "error", perr)
		}
	})
	JobDuration.WithLabelValues(string(j.Module)).Observe(s.nowFunc().Sub(started).Seconds())

	// A cancel may have landed while the provider was working.
	if cur, gerr := s.jobs.Get(ctx, id); gerr == nil && cur.Status != job.StatusProcessing {
		log.Info("discarding provider result", "status", cur.Status)
		return
	}

	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, provider.ErrTimeout) {
			log.Warn("job interrupted by shutdown")
			return
		}
		code := job.CodeInternal
		switch {
		case errors.Is(err, provider.ErrTimeout):
			code = job.CodeTimeout
		case errors.Is(err, provider.ErrProvider):
			code = job.CodeProvider
		}
		log.Warn("provider failed", "code", code, "error", err)
		s.fail(ctx, id, code, err.Error())
		return
	}

	done := s.nowFunc()
	j, err = s.transition(ctx, id, "complete", job.StatusCompleted, job.Patch{
		Output:      res.Outputs,
		CompletedAt: &done,
	}, job.StatusProcessing)
	if err != nil {
		log.Info("result not written", "error", err)
		return
	}
	log.Info("job completed", "status", job.StatusCompleted, "outputs", len(j.Output))
	s.recordTerminal(ctx, j)
}

// transition moves job id to status under the job's lock. A status outside
// from yields a *TransitionError.
func (s *Scheduler) transition(ctx context.Context, id, op string, to job.Status, patch job.Patch, from ...job.Status) (*job.Job, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.transitionLocked(ctx, id, op, to, patch, from...)
}

func (s *Scheduler) transitionLocked(ctx context.Context, id, op string, to job.Status, patch job.Patch, from ...job.Status) (*job.Job, error) {
	j, err := s.jobs.UpdateStatus(ctx, id, to, patch, from...)
	if errors.Is(err, job.ErrStatusConflict) {
		cur, gerr := s.jobs.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &TransitionError{JobID: id, From: cur.Status, Op: op}
	}
	if err != nil {
		return nil, err
	}
	JobsTotal.WithLabelValues(string(j.Module), string(to)).Inc()
	return j, nil
}

// fail moves a live job to failed and refunds it. Re-entering fail for an
// already failed job only completes a missing refund.
func (s *Scheduler) fail(ctx context.Context, id, code, message string) {
	ctx = context.WithoutCancel(ctx)
	unlock := s.locks.Lock(id)
	defer unlock()

	now := s.nowFunc()
	j, err := s.transitionLocked(ctx, id, "fail", job.StatusFailed, job.Patch{
		CompletedAt: &now,
		Error:       &job.Error{Message: message, Code: code, Timestamp: now},
	}, job.StatusQueued, job.StatusRetrying, job.StatusProcessing)
	var te *TransitionError
	switch {
	case errors.As(err, &te) && te.From == job.StatusFailed:
		if j, err = s.jobs.Get(ctx, id); err != nil {
			s.logger.Error("failed to reload job", "job_id", id, "error", err)
			return
		}
	case err != nil:
		s.logger.Warn("job not failed", "job_id", id, "code", code, "error", err)
		return
	default:
		s.logger.Info("job failed", "job_id", id, "tenant_id", j.TenantID, "module", j.Module, "status", job.StatusFailed, "code", code)
		s.recordTerminal(ctx, j)
	}
	s.refund(ctx, j, "job failed: "+code)
}

// refund returns the job's credits once. The caller holds the job lock.
func (s *Scheduler) refund(ctx context.Context, j *job.Job, reason string) bool {
	if j.Refunded || j.CreditsUsed <= 0 {
		return false
	}
	ctx = context.WithoutCancel(ctx)
	res, err := s.ledger.Refund(ctx, j.TenantID, j.CreditsUsed, j.ID, reason)
	if err != nil {
		RefundFailuresTotal.Inc()
		s.logger.Error("refund failed", "job_id", j.ID, "tenant_id", j.TenantID, "amount", j.CreditsUsed, "error", err)
		return false
	}
	refunded := true
	if _, err := s.jobs.Patch(ctx, j.ID, job.Patch{Refunded: &refunded}); err != nil {
		s.logger.Warn("failed to flag job refunded", "job_id", j.ID, "error", err)
	}
	j.Refunded = true
	if !res.Duplicate {
		RefundsTotal.WithLabelValues(string(j.Module)).Inc()
	}
	return true
}

// compensate returns a charge for a job that was never recorded.
func (s *Scheduler) compensate(ctx context.Context, j *job.Job, reason string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.ledger.Refund(ctx, j.TenantID, j.CreditsUsed, j.ID, reason); err != nil {
		RefundFailuresTotal.Inc()
		s.logger.Error("compensating refund failed", "job_id", j.ID, "tenant_id", j.TenantID, "error", err)
	}
}

func (s *Scheduler) abort(id string) {
	if cancel, ok := s.inflight.Load(id); ok {
		cancel.(context.CancelFunc)()
	}
}

func (s *Scheduler) recordTerminal(ctx context.Context, j *job.Job) {
	detail := map[string]string{"module": string(j.Module), "status": string(j.Status)}
	if j.Error != nil {
		detail["code"] = j.Error.Code
	}
	s.events.Record(ctx, activity.Entry{
		TenantID: j.TenantID,
		Action:   "job." + string(j.Status),
		Subject:  j.ID,
		Detail:   detail,
	})
}
