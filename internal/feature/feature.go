// Package feature enumerates the gated capabilities of the platform.
package feature

// ID names a gated capability.
type ID = string

// Known features.
const (
	TextToImage       ID = "TEXT_TO_IMAGE"
	TextToVideo       ID = "TEXT_TO_VIDEO"
	ImageToVideo      ID = "IMAGE_TO_VIDEO"
	TextToAudio       ID = "TEXT_TO_AUDIO"
	CampaignWizard    ID = "CAMPAIGN_WIZARD"
	Export            ID = "EXPORT"
	PromptEnhancement ID = "PROMPT_ENHANCEMENT"
	PriorityQueue     ID = "PRIORITY_QUEUE"
)

// Wildcard in a feature list grants every feature.
const Wildcard = "all"

// All lists every known feature in display order.
var All = []ID{
	TextToImage,
	TextToVideo,
	ImageToVideo,
	TextToAudio,
	CampaignWizard,
	Export,
	PromptEnhancement,
	PriorityQueue,
}

// Known reports whether id is a known feature.
func Known(id ID) bool {
	for _, f := range All {
		if f == id {
			return true
		}
	}
	return false
}

// Contains reports whether list grants id, honouring the wildcard.
func Contains(list []ID, id ID) bool {
	for _, f := range list {
		if f == id || f == Wildcard {
			return true
		}
	}
	return false
}
