package tenant

import (
	"slices"
	"time"

	"github.com/mbd888/genforge/internal/feature"
)

// PlanID names a system plan.
type PlanID string

const (
	PlanFree       PlanID = "FREE"
	PlanStarter    PlanID = "STARTER"
	PlanPro        PlanID = "PRO"
	PlanTeam       PlanID = "TEAM"
	PlanEnterprise PlanID = "ENTERPRISE"
)

// CustomLimits are negotiated terms that replace a system plan's entitlements.
type CustomLimits struct {
	MaxUsers       int          `json:"maxUsers"`
	MonthlyCredits int64        `json:"monthlyCredits"`
	Features       []feature.ID `json:"features"`
	ExpiresAt      *time.Time   `json:"expiresAt,omitempty"`
}

// Expired reports whether the limits lapsed before now.
func (c *CustomLimits) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Plan is either a system plan or a system plan id carrying custom limits.
type Plan struct {
	ID     PlanID        `json:"id"`
	Custom *CustomLimits `json:"custom,omitempty"`
}

// IsCustom reports whether negotiated limits apply.
func (p Plan) IsCustom() bool { return p.Custom != nil }

// Features returns the features the plan entitles at now. An expired custom
// plan entitles nothing.
func (p Plan) Features(now time.Time) []feature.ID {
	if p.Custom != nil {
		if p.Custom.Expired(now) {
			return nil
		}
		return p.Custom.Features
	}
	if def, ok := Plans[p.ID]; ok {
		return def.Features
	}
	return nil
}

// MonthlyCredits returns the plan's monthly allotment at now.
func (p Plan) MonthlyCredits(now time.Time) int64 {
	if p.Custom != nil {
		if p.Custom.Expired(now) {
			return 0
		}
		return p.Custom.MonthlyCredits
	}
	return Plans[p.ID].MonthlyCredits
}

// MaxUsers returns the seat limit; 0 means unlimited.
func (p Plan) MaxUsers() int {
	if p.Custom != nil {
		return p.Custom.MaxUsers
	}
	return Plans[p.ID].MaxUsers
}

// Validate checks the plan id and, for custom plans, the feature list.
func (p Plan) Validate() error {
	if _, ok := Plans[p.ID]; !ok {
		return ErrInvalidPlan
	}
	if p.Custom == nil {
		return nil
	}
	if p.Custom.MonthlyCredits < 0 || p.Custom.MaxUsers < 0 {
		return ErrInvalidPlan
	}
	for _, f := range p.Custom.Features {
		if f != feature.Wildcard && !feature.Known(f) {
			return ErrUnknownFeature
		}
	}
	return nil
}

func (p Plan) clone() Plan {
	if p.Custom == nil {
		return p
	}
	c := *p.Custom
	c.Features = slices.Clone(p.Custom.Features)
	if p.Custom.ExpiresAt != nil {
		exp := *p.Custom.ExpiresAt
		c.ExpiresAt = &exp
	}
	return Plan{ID: p.ID, Custom: &c}
}

// PlanDefinition describes a system plan.
type PlanDefinition struct {
	ID             PlanID       `json:"id"`
	Name           string       `json:"name"`
	MonthlyCredits int64        `json:"monthlyCredits"`
	MaxUsers       int          `json:"maxUsers"` // 0 = unlimited
	Features       []feature.ID `json:"features"`
}

var (
	freeFeatures    = []feature.ID{feature.TextToImage, feature.Export}
	starterFeatures = append(slices.Clone(freeFeatures), feature.TextToAudio, feature.PromptEnhancement)
	proFeatures     = append(slices.Clone(starterFeatures), feature.TextToVideo, feature.ImageToVideo, feature.CampaignWizard)
	teamFeatures    = append(slices.Clone(proFeatures), feature.PriorityQueue)
)

// Plans is the hardcoded plan catalogue.
var Plans = map[PlanID]PlanDefinition{
	PlanFree:       {ID: PlanFree, Name: "Free", MonthlyCredits: 50, MaxUsers: 1, Features: freeFeatures},
	PlanStarter:    {ID: PlanStarter, Name: "Starter", MonthlyCredits: 500, MaxUsers: 3, Features: starterFeatures},
	PlanPro:        {ID: PlanPro, Name: "Pro", MonthlyCredits: 2000, MaxUsers: 10, Features: proFeatures},
	PlanTeam:       {ID: PlanTeam, Name: "Team", MonthlyCredits: 10000, MaxUsers: 50, Features: teamFeatures},
	PlanEnterprise: {ID: PlanEnterprise, Name: "Enterprise", MonthlyCredits: 100000, MaxUsers: 0, Features: []feature.ID{feature.Wildcard}},
}

// ValidPlan returns true if the plan id is recognised.
func ValidPlan(id PlanID) bool {
	_, ok := Plans[id]
	return ok
}
