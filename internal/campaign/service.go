package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/genforge/internal/activity"
	"github.com/mbd888/genforge/internal/feature"
	"github.com/mbd888/genforge/internal/idgen"
	"github.com/mbd888/genforge/internal/job"
	"github.com/mbd888/genforge/internal/ledger"
	"github.com/mbd888/genforge/internal/logging"
	"github.com/mbd888/genforge/internal/pagination"
	"github.com/mbd888/genforge/internal/provider"
	"github.com/mbd888/genforge/internal/scheduler"
	"github.com/mbd888/genforge/internal/traces"
	"github.com/mbd888/genforge/internal/validation"
)

// fanOutLimit caps concurrent admissions for one campaign.
const fanOutLimit = 4

// JobScheduler admits asset jobs.
type JobScheduler interface {
	CreateJob(ctx context.Context, req scheduler.CreateRequest) (*job.Job, error)
}

// JobReader loads jobs by id.
type JobReader interface {
	GetMany(ctx context.Context, ids []string) ([]*job.Job, error)
}

// Service orchestrates campaigns.
type Service struct {
	store     Store
	scheduler JobScheduler
	jobs      JobReader
	ledger    scheduler.Ledger
	gate      scheduler.Gate
	text      provider.TextGenerator
	events    activity.Recorder
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// NewService creates a campaign service. text may be nil, in which case
// scripts always come from the template.
func NewService(store Store, sched JobScheduler, jobs JobReader, l scheduler.Ledger, g scheduler.Gate,
	text provider.TextGenerator, events activity.Recorder, logger *slog.Logger) *Service {
	if events == nil {
		events = activity.Nop{}
	}
	return &Service{
		store:     store,
		scheduler: sched,
		jobs:      jobs,
		ledger:    l,
		gate:      g,
		text:      text,
		events:    events,
		logger:    logging.OrDefault(logger),
		nowFunc:   time.Now,
	}
}

// CreateRequest describes a campaign.
type CreateRequest struct {
	TenantID     string        `json:"-"`
	UserID       string        `json:"-"`
	Name         string        `json:"name" validate:"required,max=200"`
	Brief        string        `json:"brief" validate:"required,max=4000"`
	Tone         string        `json:"tone" validate:"max=64"`
	Platforms    []string      `json:"platforms" validate:"required,min=1,max=6,dive,oneof=instagram tiktok youtube linkedin facebook x"`
	ContentTypes []ContentType `json:"contentTypes" validate:"required,min=1,max=3,dive,oneof=image video audio"`
}

// Create charges the wizard fee, writes the script and admits one job per
// platform and content type. Assets whose job cannot be admitted are
// recorded failed; the campaign is created regardless.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Campaign, error) {
	ctx, span := traces.StartSpan(ctx, "campaign.Create", traces.TenantID(req.TenantID), traces.UserID(req.UserID))
	defer span.End()

	if err := validation.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Platforms = dedupe(req.Platforms)
	req.ContentTypes = dedupe(req.ContentTypes)
	if err := s.gate.Check(ctx, req.TenantID, feature.CampaignWizard); err != nil {
		return nil, err
	}

	id := idgen.WithPrefix(idgen.PrefixCampaign)
	fee := job.CampaignWizard.Cost()
	if _, err := s.ledger.Consume(ctx, req.TenantID, fee, feature.CampaignWizard, id); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, fmt.Errorf("%w: %w", scheduler.ErrInsufficientCredits, err)
		}
		return nil, err
	}

	now := s.nowFunc()
	c := &Campaign{
		ID:           id,
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		Name:         req.Name,
		Brief:        req.Brief,
		Tone:         req.Tone,
		Platforms:    req.Platforms,
		ContentTypes: req.ContentTypes,
		JobIDs:       []string{},
		Status:       StatusDraft,
		CreditsUsed:  fee,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	c.Script = s.GenerateScript(ctx, req.Brief, req.Tone, req.Platforms)
	if err := s.store.Create(ctx, c); err != nil {
		if _, rerr := s.ledger.Refund(context.WithoutCancel(ctx), req.TenantID, fee, id, "campaign not created"); rerr != nil {
			s.logger.Error("campaign fee refund failed", "campaign_id", id, "error", rerr)
		}
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	s.fanOut(ctx, c)
	c.Status = StatusGenerating
	if len(c.JobIDs) == 0 {
		c.Status = StatusFailed
		c.CompletedAt = &now
	}
	c.UpdatedAt = s.nowFunc()
	if err := s.store.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("update campaign: %w", err)
	}
	CampaignsTotal.WithLabelValues(string(c.Status)).Inc()

	logging.L(ctx).Info("campaign created",
		"campaign_id", c.ID, "tenant_id", c.TenantID, "jobs", len(c.JobIDs), "assets", len(c.Assets), "script", c.Script.Source)
	s.events.Record(ctx, activity.Entry{
		TenantID: c.TenantID,
		Action:   "campaign.created",
		Subject:  c.ID,
		Detail: map[string]string{
			"jobs":    strconv.Itoa(len(c.JobIDs)),
			"credits": strconv.FormatInt(c.CreditsUsed, 10),
		},
	})
	return c, nil
}

// fanOut admits every asset job concurrently and fills c.Assets in a stable
// platform-major order.
func (s *Service) fanOut(ctx context.Context, c *Campaign) {
	type slot struct {
		platform string
		content  ContentType
	}
	var slots []slot
	for _, p := range c.Platforms {
		for _, ct := range c.ContentTypes {
			slots = append(slots, slot{p, ct})
		}
	}

	assets := make([]Asset, len(slots))
	jobs := make([]*job.Job, len(slots))
	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for i, sl := range slots {
		g.Go(func() error {
			m, _ := sl.content.Module()
			ratio := AspectRatio(sl.platform)
			asset := Asset{
				Type:     sl.content,
				Platform: sl.platform,
				Status:   string(StatusGenerating),
				Metadata: map[string]string{"module": string(m), "aspectRatio": ratio},
			}
			in := job.Input{
				Prompt:   truncateRunes(c.Script.SceneFor(sl.platform), job.MaxPromptRunes),
				Platform: sl.platform,
				Style:    c.Tone,
			}
			if sl.content != ContentAudio {
				in.AspectRatio = ratio
			}
			j, err := s.scheduler.CreateJob(ctx, scheduler.CreateRequest{
				TenantID:   c.TenantID,
				UserID:     c.UserID,
				Module:     m,
				Input:      in,
				CampaignID: c.ID,
			})
			if err != nil {
				logging.L(ctx).Warn("campaign asset not admitted",
					"campaign_id", c.ID, "platform", sl.platform, "type", sl.content, "error", err)
				asset.Status = string(job.StatusFailed)
				asset.Error = err.Error()
			} else {
				asset.JobID = j.ID
				jobs[i] = j
			}
			assets[i] = asset
			return nil
		})
	}
	_ = g.Wait()

	c.Assets = assets
	for _, j := range jobs {
		if j != nil {
			c.JobIDs = append(c.JobIDs, j.ID)
			c.CreditsUsed += j.CreditsUsed
		}
	}
}

// Get returns a tenant's campaign with statuses refreshed from its jobs.
func (s *Service) Get(ctx context.Context, id, tenantID string) (*Campaign, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && c.TenantID != tenantID {
		return nil, ErrCampaignNotFound
	}
	return s.refresh(ctx, c)
}

// Refresh re-derives a campaign's status and asset statuses and persists
// any change.
func (s *Service) Refresh(ctx context.Context, id string) (*Campaign, error) {
	return s.Get(ctx, id, "")
}

// List returns a tenant's campaigns newest first. Campaigns that have not
// settled are refreshed concurrently.
func (s *Service) List(ctx context.Context, tenantID string, p pagination.Params) (pagination.Page[*Campaign], error) {
	page, err := s.store.List(ctx, tenantID, p)
	if err != nil {
		return page, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, c := range page.Items {
		if c.Status.Terminal() {
			continue
		}
		g.Go(func() error {
			fresh, err := s.refresh(gctx, c)
			if err != nil {
				return err
			}
			page.Items[i] = fresh
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return pagination.Page[*Campaign]{}, err
	}
	return page, nil
}

func (s *Service) refresh(ctx context.Context, c *Campaign) (*Campaign, error) {
	if len(c.JobIDs) == 0 {
		return c, nil
	}
	jobs, err := s.jobs.GetMany(ctx, c.JobIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*job.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	changed := false
	for i := range c.Assets {
		a := &c.Assets[i]
		j, ok := byID[a.JobID]
		if !ok {
			continue
		}
		if a.Status != string(j.Status) {
			a.Status = string(j.Status)
			changed = true
		}
		if j.Status == job.StatusCompleted && len(j.Output) > 0 && a.Metadata["url"] != j.Output[0].URL {
			if a.Metadata == nil {
				a.Metadata = map[string]string{}
			}
			a.Metadata["url"] = j.Output[0].URL
			changed = true
		}
	}

	status := Derive(jobs)
	if status != c.Status {
		changed = true
		c.Status = status
		if status.Terminal() {
			now := s.nowFunc()
			c.CompletedAt = &now
			CampaignsTotal.WithLabelValues(string(status)).Inc()
		} else {
			c.CompletedAt = nil
		}
	}
	if !changed {
		return c, nil
	}
	c.UpdatedAt = s.nowFunc()
	if err := s.store.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func dedupe[T comparable](in []T) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
