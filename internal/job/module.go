package job

import (
	"fmt"
	"time"

	"github.com/mbd888/genforge/internal/feature"
)

// Module is a generation capability.
type Module string

const (
	TextToImage    Module = "text_to_image"
	TextToVideo    Module = "text_to_video"
	ImageToVideo   Module = "image_to_video"
	TextToAudio    Module = "text_to_audio"
	CampaignWizard Module = "campaign_wizard"
	Export         Module = "export"
)

// TimeoutClass groups modules that share a provider deadline.
type TimeoutClass string

const (
	ClassImage TimeoutClass = "image"
	ClassVideo TimeoutClass = "video"
	ClassAudio TimeoutClass = "audio"
)

// Timeouts maps each class to its provider deadline.
type Timeouts map[TimeoutClass]time.Duration

// DefaultTimeouts are used when no configuration overrides them.
var DefaultTimeouts = Timeouts{
	ClassImage: 60 * time.Second,
	ClassVideo: 10 * time.Minute,
	ClassAudio: 5 * time.Minute,
}

// For returns the deadline for m, falling back to the defaults.
func (t Timeouts) For(m Module) time.Duration {
	e, ok := catalogue[m]
	if !ok {
		return DefaultTimeouts[ClassImage]
	}
	if d, ok := t[e.class]; ok && d > 0 {
		return d
	}
	return DefaultTimeouts[e.class]
}

type catalogueEntry struct {
	cost    int64
	feature feature.ID
	class   TimeoutClass
}

func define(cost int64, f feature.ID, class TimeoutClass) catalogueEntry {
	return catalogueEntry{cost: cost, feature: f, class: class}
}

// catalogue is the single source of module costs. Every Module constant has
// exactly one entry.
var catalogue = map[Module]catalogueEntry{
	TextToImage:    define(1, feature.TextToImage, ClassImage),
	TextToVideo:    define(5, feature.TextToVideo, ClassVideo),
	ImageToVideo:   define(3, feature.ImageToVideo, ClassVideo),
	TextToAudio:    define(2, feature.TextToAudio, ClassAudio),
	CampaignWizard: define(10, feature.CampaignWizard, ClassImage),
	Export:         define(1, feature.Export, ClassImage),
}

// Modules lists every module in display order.
var Modules = []Module{TextToImage, TextToVideo, ImageToVideo, TextToAudio, CampaignWizard, Export}

// Valid reports whether m is in the catalogue.
func (m Module) Valid() bool {
	_, ok := catalogue[m]
	return ok
}

// entry returns m's catalogue entry. Callers check Valid first; pricing an
// unknown module is a programming error, never a default.
func (m Module) entry() catalogueEntry {
	s, ok := catalogue[m]
	if !ok {
		panic(fmt.Sprintf("job: module %q has no catalogue entry", string(m)))
	}
	return s
}

// Cost is the credit price of one job of m. It panics for a module outside
// the catalogue.
func (m Module) Cost() int64 { return m.entry().cost }

// Feature is the gated feature m requires.
func (m Module) Feature() feature.ID { return m.entry().feature }

// Class is m's timeout class.
func (m Module) Class() TimeoutClass { return m.entry().class }
