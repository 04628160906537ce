// Package campaign fans a marketing brief out into one generation job per
// platform and content type, and tracks the result as a unit.
package campaign

import (
	"errors"
	"slices"
	"time"

	"github.com/mbd888/genforge/internal/job"
)

var (
	ErrCampaignNotFound = errors.New("campaign: not found")
	ErrInvalidRequest   = errors.New("campaign: invalid request")
)

// Status is derived from the campaign's jobs.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ContentType is the kind of asset produced for a platform.
type ContentType string

const (
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
	ContentAudio ContentType = "audio"
)

var contentModules = map[ContentType]job.Module{
	ContentImage: job.TextToImage,
	ContentVideo: job.TextToVideo,
	ContentAudio: job.TextToAudio,
}

// Module returns the generation module for c.
func (c ContentType) Module() (job.Module, bool) {
	m, ok := contentModules[c]
	return m, ok
}

// Platform framing.
var aspectRatios = map[string]string{
	"instagram": "4:5",
	"tiktok":    "9:16",
	"youtube":   "16:9",
	"linkedin":  "1:1",
	"facebook":  "1:1",
	"x":         "16:9",
}

// Platforms lists the supported platforms.
var Platforms = []string{"instagram", "tiktok", "youtube", "linkedin", "facebook", "x"}

// AspectRatio returns the preferred frame for platform.
func AspectRatio(platform string) string {
	if r, ok := aspectRatios[platform]; ok {
		return r
	}
	return "1:1"
}

// Asset is one platform deliverable. Status mirrors its job; an asset whose
// job could not be admitted is failed with no job id.
type Asset struct {
	Type     ContentType       `json:"type"`
	Platform string            `json:"platform"`
	JobID    string            `json:"jobId,omitempty"`
	Status   string            `json:"status"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Scene is the script beat for one platform.
type Scene struct {
	Platform    string `json:"platform"`
	Description string `json:"description"`
}

// Script is the copy that drives asset prompts.
type Script struct {
	Headline     string  `json:"headline"`
	Hook         string  `json:"hook"`
	CallToAction string  `json:"callToAction"`
	Scenes       []Scene `json:"scenes"`
	Source       string  `json:"source"` // "model" or "template"
}

// SceneFor returns the scene for platform, or the first scene.
func (s *Script) SceneFor(platform string) string {
	for _, sc := range s.Scenes {
		if sc.Platform == platform {
			return sc.Description
		}
	}
	if len(s.Scenes) > 0 {
		return s.Scenes[0].Description
	}
	return s.Headline
}

// Campaign groups the jobs generated from one brief.
type Campaign struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenantId"`
	UserID       string        `json:"userId"`
	Name         string        `json:"name"`
	Brief        string        `json:"brief"`
	Tone         string        `json:"tone,omitempty"`
	Platforms    []string      `json:"platforms"`
	ContentTypes []ContentType `json:"contentTypes"`
	JobIDs       []string      `json:"jobIds"`
	Assets       []Asset       `json:"assets"`
	Script       *Script       `json:"script,omitempty"`
	Status       Status        `json:"status"`
	CreditsUsed  int64         `json:"creditsUsed"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
}

// Clone returns a deep copy.
func (c *Campaign) Clone() *Campaign {
	cp := *c
	cp.Platforms = slices.Clone(c.Platforms)
	cp.ContentTypes = slices.Clone(c.ContentTypes)
	cp.JobIDs = slices.Clone(c.JobIDs)
	cp.Assets = make([]Asset, len(c.Assets))
	for i, a := range c.Assets {
		if a.Metadata != nil {
			md := make(map[string]string, len(a.Metadata))
			for k, v := range a.Metadata {
				md[k] = v
			}
			a.Metadata = md
		}
		cp.Assets[i] = a
	}
	if c.Script != nil {
		s := *c.Script
		s.Scenes = slices.Clone(c.Script.Scenes)
		cp.Script = &s
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Derive computes a campaign status from its jobs. While any job is still
// active the campaign is generating; afterwards it is completed if at least
// one job completed and failed otherwise. No jobs means failed.
func Derive(jobs []*job.Job) Status {
	if len(jobs) == 0 {
		return StatusFailed
	}
	completed := 0
	for _, j := range jobs {
		if slices.Contains(job.Active, j.Status) {
			return StatusGenerating
		}
		if j.Status == job.StatusCompleted {
			completed++
		}
	}
	if completed > 0 {
		return StatusCompleted
	}
	return StatusFailed
}

// Terminal reports whether the campaign has settled.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
